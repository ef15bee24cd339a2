// Package llm defines the model-facing types shared by the judge, the
// extractor and concrete provider adapters.
//
// # Messages
//
// A Message carries a role, text content and, for user messages, optional
// images such as page screenshots:
//
//	msgs := []llm.Message{
//	    llm.SystemMessage(instructions),
//	    llm.UserMessage(prompt, llm.Image{MIMEType: "image/jpeg", Data: shot}),
//	}
//
// # Providers
//
// Provider is the single-method interface the rest of the module depends on.
// Options configure each request:
//
//	resp, err := provider.Complete(ctx, msgs,
//	    llm.WithTemperature(0),
//	    llm.WithJSONMode(),
//	)
//
// The langchain subpackage adapts langchaingo models to Provider.
//
// # Token Tracking
//
// TokenTracker accumulates usage by purpose ("judge", "extract") across
// concurrent calls:
//
//	tracker := llm.NewTokenTracker()
//	tracker.Add(llm.PurposeJudge, resp.Usage)
//	total := tracker.Total()
package llm
