// Package events defines the typed signaling surface shared by the automation
// layer, the overlay UI and the host page. Each payload maps onto one of the
// in-page custom events the back-office application understands.
package events

import (
	"encoding/json"
	"time"
)

// Kind names an event on the wire. Values match the in-page custom event names.
type Kind string

const (
	KindVisualStep        Kind = "fasto-visual-step"
	KindActionComplete    Kind = "fasto-action-complete"
	KindActionRequest     Kind = "fastoAction"
	KindActionResult      Kind = "fastoActionResult"
	KindNavigate          Kind = "fasto-navigate"
	KindSpeak             Kind = "fasto-speak"
	KindAssistantNavigate Kind = "assistantNavigate"
	KindTabChange         Kind = "fasto-tab-change"
	KindCommand           Kind = "fastoCommand"
	KindWorkflow          Kind = "fasto-workflow"
	KindNavigationResult  Kind = "fasto-navigation-result"
)

// Payload is implemented by every event body.
type Payload interface {
	Kind() Kind
}

// StepStatus is the progress state reported for a visual step.
type StepStatus string

const (
	StepStarted   StepStatus = "started"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// VisualStep narrates a single actuator action for the overlay UI.
type VisualStep struct {
	Action  string     `json:"action"`
	Step    string     `json:"step"`
	Status  StepStatus `json:"status"`
	Element string     `json:"element,omitempty"`
}

func (VisualStep) Kind() Kind { return KindVisualStep }

// ActionComplete signals the end of an automation sequence.
type ActionComplete struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func (ActionComplete) Kind() Kind { return KindActionComplete }

// ActionRequest mirrors a dispatched bus action.
type ActionRequest struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (ActionRequest) Kind() Kind { return KindActionRequest }

// ActionResult is correlated to an ActionRequest by ID.
type ActionResult struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Success  bool           `json:"success"`
	Message  string         `json:"message"`
	Fallback bool           `json:"fallback,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

func (ActionResult) Kind() Kind { return KindActionResult }

// Navigate asks the always-mounted bridge listener in the page to route.
type Navigate struct {
	URL string `json:"url"`
	Tab string `json:"tab,omitempty"`
}

func (Navigate) Kind() Kind { return KindNavigate }

// AssistantNavigate is the redundant tab-activation signal.
type AssistantNavigate struct {
	Tab    string `json:"tab"`
	Subtab string `json:"subtab,omitempty"`
}

func (AssistantNavigate) Kind() Kind { return KindAssistantNavigate }

// TabChange is the second redundant tab-activation signal.
type TabChange struct {
	Tab string `json:"tab"`
}

func (TabChange) Kind() Kind { return KindTabChange }

// Speak requests text-to-speech.
type Speak struct {
	Text string `json:"text"`
}

func (Speak) Kind() Kind { return KindSpeak }

// Command carries a user utterance from an external trigger (mic button, chat box).
type Command struct {
	Command string `json:"command"`
}

func (Command) Kind() Kind { return KindCommand }

// Workflow reports workflow state transitions.
type Workflow struct {
	RunID  string `json:"run_id"`
	Type   string `json:"type"`
	Status string `json:"status"`
	Step   string `json:"step,omitempty"`
	Action string `json:"action,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (Workflow) Kind() Kind { return KindWorkflow }

// NavigationResult reports how a navigation request was finally satisfied.
type NavigationResult struct {
	URL     string `json:"url"`
	Tab     string `json:"tab,omitempty"`
	Outcome string `json:"outcome"`
}

func (NavigationResult) Kind() Kind { return KindNavigationResult }

// Event wraps a payload with its emission time.
type Event struct {
	Payload Payload
	Time    time.Time
}

// Kind returns the payload kind.
func (e Event) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// MarshalJSON renders the event the way the page expects a CustomEvent: {type, detail, ts}.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type   Kind    `json:"type"`
		Detail Payload `json:"detail"`
		TS     int64   `json:"ts"`
	}{e.Kind(), e.Payload, e.Time.UnixMilli()})
}
