package rubric

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/zero-day-ai/rubriceval/evalerr"
	"github.com/zero-day-ai/rubriceval/tree"
)

// File is a declarative rubric as written on disk.
//
//	task_id: museum_hours
//	description: Find the opening hours of the museum.
//	extract:
//	  prompt: Extract the museum name as "name" and the cited page as "url".
//	  required: [name, url]
//	root:
//	  strategy: SEQUENTIAL
//	  children:
//	    - id: hours
//	      desc: Opening hours are correct
//	      critical: true
//	      claim: "{{.info.name}} opens at 9am on weekdays."
//	      sources_from: url
//	    - id: mentions_tickets
//	      desc: Answer mentions ticket prices
//	      check: 'answer.contains("ticket")'
type File struct {
	TaskID      string       `yaml:"task_id" json:"task_id"`
	Description string       `yaml:"description" json:"description"`
	Extract     *ExtractSpec `yaml:"extract,omitempty" json:"extract,omitempty"`
	Root        NodeSpec     `yaml:"root" json:"root"`
}

// ExtractSpec describes the extraction step that runs before any node is
// judged.
type ExtractSpec struct {
	Prompt string `yaml:"prompt" json:"prompt"`

	// Required fields get a critical check node each, placed first under
	// the root, that fails when the field is missing or empty.
	Required []string `yaml:"required,omitempty" json:"required,omitempty"`
}

// NodeSpec is one node of a declarative rubric. A node is exactly one of:
// an internal node (strategy and/or children), a claim leaf judged by the
// evaluator, or a check leaf decided by a CEL expression.
type NodeSpec struct {
	ID          string        `yaml:"id,omitempty" json:"id,omitempty"`
	Description string        `yaml:"desc,omitempty" json:"desc,omitempty"`
	Critical    bool          `yaml:"critical,omitempty" json:"critical,omitempty"`
	Strategy    tree.Strategy `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	Children    []NodeSpec    `yaml:"children,omitempty" json:"children,omitempty"`

	// Claim is a text/template rendered with .info and .answer.
	Claim string `yaml:"claim,omitempty" json:"claim,omitempty"`

	// Sources are fixed URLs cited as evidence.
	Sources []string `yaml:"sources,omitempty" json:"sources,omitempty"`

	// SourcesFrom names an extracted field holding a URL or list of URLs.
	SourcesFrom string `yaml:"sources_from,omitempty" json:"sources_from,omitempty"`

	// Instruction is passed to the judge.
	Instruction string `yaml:"instruction,omitempty" json:"instruction,omitempty"`

	// Check is a boolean CEL expression over info and answer.
	Check string `yaml:"check,omitempty" json:"check,omitempty"`
}

func (n *NodeSpec) isInternal() bool {
	return n.Strategy != "" || len(n.Children) > 0
}

// Declarative is a compiled File. It implements Script.
type Declarative struct {
	file      File
	env       *cel.Env
	checks    map[*NodeSpec]cel.Program
	templates map[*NodeSpec]*template.Template
}

// File returns the rubric definition.
func (d *Declarative) File() File {
	return d.file
}

// TaskID returns the task this rubric scores.
func (d *Declarative) TaskID() string {
	return d.file.TaskID
}

// Parse decodes and compiles a rubric from YAML or JSON bytes. Unknown
// fields are rejected.
func Parse(data []byte, format string) (*Declarative, error) {
	const op = "rubric.Parse"

	var f File
	switch format {
	case ".json", "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return nil, evalerr.ScriptLoad(op, "failed to parse JSON rubric").WithCause(err)
		}
	case ".yaml", ".yml", "yaml", "":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return nil, evalerr.ScriptLoad(op, "failed to parse YAML rubric").WithCause(err)
		}
	default:
		return nil, evalerr.ScriptLoad(op, "unsupported rubric format: %s (supported: .json, .yaml, .yml)", format)
	}

	return Compile(f)
}

// LoadFile reads and compiles one rubric file.
func LoadFile(path string) (*Declarative, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, evalerr.ScriptLoad("rubric.LoadFile", "failed to read rubric file").WithCause(err)
	}

	d, err := Parse(data, strings.ToLower(filepath.Ext(path)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// LoadDir compiles every .yaml, .yml and .json file in dir and registers
// each under its task id. It returns the registered task ids.
func LoadDir(dir string, reg *Registry) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, evalerr.ScriptLoad("rubric.LoadDir", "failed to read rubric dir %s", dir).WithCause(err)
	}

	var loaded []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}

		d, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return loaded, err
		}
		if err := reg.Register(d.TaskID(), d); err != nil {
			return loaded, err
		}
		loaded = append(loaded, d.TaskID())
	}

	sort.Strings(loaded)
	return loaded, nil
}

// Compile validates f and prepares its templates and CEL programs.
func Compile(f File) (*Declarative, error) {
	const op = "rubric.Compile"

	if f.TaskID == "" {
		return nil, evalerr.ScriptLoad(op, "rubric is missing required field 'task_id'")
	}
	if f.Extract != nil && strings.TrimSpace(f.Extract.Prompt) == "" {
		return nil, evalerr.ScriptLoad(op, "rubric %s: extract.prompt must not be empty", f.TaskID)
	}
	if f.Root.Strategy == "" {
		f.Root.Strategy = tree.StrategyParallel
	}

	env, err := newCELEnv()
	if err != nil {
		return nil, evalerr.ScriptLoad(op, "failed to build CEL environment").WithCause(err)
	}

	d := &Declarative{
		file:      f,
		env:       env,
		checks:    make(map[*NodeSpec]cel.Program),
		templates: make(map[*NodeSpec]*template.Template),
	}

	seen := map[string]bool{"root": true}
	if f.Extract != nil {
		for _, field := range f.Extract.Required {
			seen[requiredNodeID(field)] = true
		}
	}
	if err := d.compileNode(&d.file.Root, "root", seen); err != nil {
		return nil, evalerr.ScriptLoad(op, "rubric %s: %v", f.TaskID, err).WithCause(err)
	}
	return d, nil
}

func (d *Declarative) compileNode(n *NodeSpec, path string, seen map[string]bool) error {
	if path != "root" && n.ID != "" {
		if seen[n.ID] {
			return fmt.Errorf("%s: duplicate node id %q", path, n.ID)
		}
		seen[n.ID] = true
	}

	kinds := 0
	if n.isInternal() {
		kinds++
	}
	if n.Claim != "" {
		kinds++
	}
	if n.Check != "" {
		kinds++
	}
	if kinds != 1 && path != "root" {
		return fmt.Errorf("%s: node must have exactly one of strategy/children, claim or check", path)
	}

	switch {
	case path == "root" || n.isInternal():
		if n.Strategy == "" {
			n.Strategy = tree.StrategyParallel
		}
		if !n.Strategy.IsValid() {
			return fmt.Errorf("%s: unknown strategy %q", path, n.Strategy)
		}
		if n.Claim != "" || n.Check != "" || len(n.Sources) > 0 || n.SourcesFrom != "" {
			return fmt.Errorf("%s: internal node cannot have claim, check or sources", path)
		}
		for i := range n.Children {
			child := &n.Children[i]
			name := child.ID
			if name == "" {
				name = fmt.Sprintf("[%d]", i)
			}
			if err := d.compileNode(child, path+"/"+name, seen); err != nil {
				return err
			}
		}

	case n.Claim != "":
		tmpl, err := template.New(path).Option("missingkey=error").Parse(n.Claim)
		if err != nil {
			return fmt.Errorf("%s: invalid claim template: %w", path, err)
		}
		d.templates[n] = tmpl

	case n.Check != "":
		if len(n.Sources) > 0 || n.SourcesFrom != "" {
			return fmt.Errorf("%s: check node cannot cite sources", path)
		}
		prg, err := compileCheck(d.env, n.Check)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		d.checks[n] = prg
	}
	return nil
}

func requiredNodeID(field string) string {
	return "extracted." + field
}
