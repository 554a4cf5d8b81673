// Package workflow runs guided, multi-step conversations that collect
// structured data and drive the UI on the user's behalf.
package workflow

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Type identifies a workflow definition, e.g. "create-shift".
type Type string

// Action is what a step does.
type Action string

const (
	ActionNavigate Action = "navigate"
	ActionClick    Action = "click"
	ActionFill     Action = "fill"
	ActionSelect   Action = "select"
	ActionAsk      Action = "ask"
	ActionConfirm  Action = "confirm"
	ActionWait     Action = "wait"
	ActionSpeak    Action = "speak"
)

var validActions = map[Action]bool{
	ActionNavigate: true, ActionClick: true, ActionFill: true, ActionSelect: true,
	ActionAsk: true, ActionConfirm: true, ActionWait: true, ActionSpeak: true,
}

// Data is the collected field map of a run.
type Data map[string]string

// Clone returns a copy safe to hand to callbacks.
func (d Data) Clone() Data {
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Env is what transforms may consult besides the raw reply.
type Env struct {
	Now      time.Time
	Location *time.Location
}

// Transformed is a transform's output. When Fields is non-nil its keys are
// merged into the collected data instead of storing Value under the step's
// field.
type Transformed struct {
	Value  string
	Fields map[string]string
}

// TransformFunc normalises a raw reply. An error is spoken back to the user
// and the step is asked again.
type TransformFunc func(input string, env Env) (Transformed, error)

// ValidateFunc rejects a (transformed) value with a speakable error.
type ValidateFunc func(value string, data Data) error

// SkipFunc decides whether a step should be skipped.
type SkipFunc func(data Data) bool

// Step is one instruction of a workflow.
type Step struct {
	ID     string `yaml:"id" json:"id"`
	Action Action `yaml:"action" json:"action"`
	// Target is a locator or route; ${field} tokens are interpolated.
	Target string `yaml:"target,omitempty" json:"target,omitempty"`
	// Tab is the sub-tab a navigate step must activate.
	Tab   string `yaml:"tab,omitempty" json:"tab,omitempty"`
	Field string `yaml:"field,omitempty" json:"field,omitempty"`
	// Value overrides data[Field] for fill and select steps.
	Value     string `yaml:"value,omitempty" json:"value,omitempty"`
	Question  string `yaml:"question,omitempty" json:"question,omitempty"`
	SpeakText string `yaml:"speak,omitempty" json:"speak,omitempty"`
	WaitMs    int    `yaml:"wait_ms,omitempty" json:"wait_ms,omitempty"`
	Optional  bool   `yaml:"optional,omitempty" json:"optional,omitempty"`
	// Commit marks the step that persists the record through the UI.
	Commit bool `yaml:"commit,omitempty" json:"commit,omitempty"`
	// Needs lists step ids that must have succeeded; otherwise the step is skipped.
	Needs []string `yaml:"needs,omitempty" json:"needs,omitempty"`
	// Aliases are extra spoken names for the field, used by corrections.
	Aliases []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`

	Transform TransformFunc `yaml:"-" json:"-"`
	Validate  ValidateFunc  `yaml:"-" json:"-"`
	SkipIf    SkipFunc      `yaml:"-" json:"-"`
}

// Definition is an immutable, ordered list of steps.
type Definition struct {
	Type        Type
	Description string
	// Triggers are phrases that start the workflow from free text.
	Triggers []string
	Steps    []Step
	// Summary renders the collected data for the confirm step.
	Summary func(Data) string
	// PersistAction is dispatched on completion when no commit step succeeded.
	PersistAction string
	// Source is "builtin" or the file a definition was loaded from.
	Source string
}

// Validate checks step ids and actions.
func (d *Definition) Validate() error {
	if d.Type == "" {
		return fmt.Errorf("workflow type is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", d.Type)
	}
	seen := map[string]bool{}
	for i, s := range d.Steps {
		if s.ID == "" {
			return fmt.Errorf("workflow %s step %d: id is required", d.Type, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("workflow %s: duplicate step id %q", d.Type, s.ID)
		}
		if !validActions[s.Action] {
			return fmt.Errorf("workflow %s step %s: unknown action %q", d.Type, s.ID, s.Action)
		}
		switch s.Action {
		case ActionAsk:
			if s.Field == "" && s.Transform == nil {
				return fmt.Errorf("workflow %s step %s: ask needs a field", d.Type, s.ID)
			}
		case ActionClick, ActionFill, ActionSelect, ActionNavigate:
			if s.Target == "" {
				return fmt.Errorf("workflow %s step %s: %s needs a target", d.Type, s.ID, s.Action)
			}
		}
		for _, n := range s.Needs {
			if !seen[n] {
				return fmt.Errorf("workflow %s step %s: needs unknown or later step %q", d.Type, s.ID, n)
			}
		}
		seen[s.ID] = true
	}
	return nil
}

// Summarize renders data with the definition's summary, or a generic listing.
func (d *Definition) Summarize(data Data) string {
	if d.Summary != nil {
		return d.Summary(data)
	}
	return GenericSummary(data)
}

// GenericSummary lists collected fields in a stable order.
func GenericSummary(data Data) string {
	keys := make([]string, 0, len(data))
	for k, v := range data {
		if v == "" || strings.HasPrefix(k, "_") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %s", Label(k), data[k])
	}
	if len(parts) == 0 {
		return "I don't have any details yet."
	}
	return "Here's what I have. " + strings.Join(parts, ", ") + "."
}

var camelBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)

// Label turns a field key into spoken words: job_name and jobName become "job name".
func Label(key string) string {
	s := camelBoundary.ReplaceAllString(key, "$1 $2")
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	return strings.ToLower(strings.TrimSpace(s))
}

var token = regexp.MustCompile(`\$\{([A-Za-z0-9_.-]+)\}`)

// Interpolate replaces every ${field} token with data[field]. Unknown fields
// become empty strings.
func Interpolate(s string, data Data) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return token.ReplaceAllStringFunc(s, func(m string) string {
		return data[token.FindStringSubmatch(m)[1]]
	})
}
