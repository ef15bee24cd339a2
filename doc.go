// Package rubriceval scores long-form answers written by search agents.
//
// A task's rubric builds a verification tree whose leaves are claims about
// the answer. Each claim is checked by an LLM judge, optionally against the
// cached pages the answer cites, and leaf verdicts are aggregated bottom-up
// into a single completion score in [0, 1].
//
// The module is organised as:
//
//   - tree: the verification tree, aggregation strategies and halting policy
//   - evaluator: per-answer session that builds the tree and runs the judge
//   - judge: LLM-backed claim verification and information extraction
//   - llm, llm/langchain: provider abstraction, token accounting and the
//     langchaingo-backed provider
//   - cache: the on-disk content cache pages are read from
//   - limit: layered concurrency limits and the shared judge budget
//   - rubric: task scripts, including declarative YAML/JSON rubrics
//   - runner: fan-out over tasks and answers, result records and reports
//   - sink: JSONL, Redis and SQLite result sinks
//   - config: YAML configuration
//
// The rubriceval command in cmd/rubriceval wires these together.
package rubriceval
