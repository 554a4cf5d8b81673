package assistant

import (
	"regexp"
	"strings"

	"fasto-agent/internal/bus"
	"fasto-agent/internal/contextstore"
	"fasto-agent/internal/handlers"
)

// Intent is the route a command took.
type Intent string

const (
	IntentWorkflowInput Intent = "workflow-input"
	IntentCancel        Intent = "cancel"
	IntentClearContext  Intent = "clear-context"
	IntentWorkflow      Intent = "workflow"
	IntentAction        Intent = "action"
	IntentNavigate      Intent = "navigate"
	IntentFallback      Intent = "fallback"
	IntentUnknown       Intent = "unknown"
)

var (
	cancelPhrases = map[string]bool{
		"cancel": true, "cancel that": true, "cancel it": true, "cancel this": true,
		"never mind": true, "nevermind": true, "forget it": true, "abort": true,
		"stop": true, "stop that": true, "quit": true, "cancel the workflow": true,
	}
	clearPhrases = map[string]bool{
		"clear context": true, "clear the context": true, "start over": true,
		"forget everything": true, "reset context": true,
	}
	pronouns = map[string]bool{"it": true, "that": true, "this": true, "that one": true, "this one": true}

	nameNoise = regexp.MustCompile(`^(?:for|named|called)\s+`)
	spaces    = regexp.MustCompile(`\s+`)
)

// kinds maps spoken nouns to context kinds.
var kinds = map[string]contextstore.Kind{
	"lead":       contextstore.KindLead,
	"customer":   contextstore.KindLead,
	"project":    contextstore.KindProject,
	"job":        contextstore.KindProject,
	"invoice":    contextstore.KindInvoice,
	"shift":      contextstore.KindSchedule,
	"work order": contextstore.KindWorkOrder,
	"expense":    contextstore.KindExpense,
	"payment":    contextstore.KindPayment,
}

const kindAlt = `(lead|customer|project|job|invoice|shift|work order|expense|payment)`

// actionPattern turns one phrasing into an action. Groups: 1 kind, 2 optional
// name, 3 optional argument.
type actionPattern struct {
	re   *regexp.Regexp
	verb string
	arg  string
}

var actionPatterns = []actionPattern{
	{re: mustAction(`rename\s+%s%s\s+to\s+(.+)`), verb: handlers.VerbRename, arg: "new_name"},
	{re: mustAction(`change\s+(?:the\s+)?name\s+of\s+%s%s\s+to\s+(.+)`), verb: handlers.VerbRename, arg: "new_name"},
	{re: mustAction(`mark\s+%s%s\s+(?:as\s+)?(paid)`), verb: handlers.VerbMarkPaid},
	{re: mustAction(`(?:set|change|update)\s+%s%s\s+status\s+to\s+(.+)`), verb: handlers.VerbSetStatus, arg: "status"},
	{re: mustAction(`mark\s+%s%s\s+as\s+(.+)`), verb: handlers.VerbSetStatus, arg: "status"},
	{re: mustAction(`add\s+(?:a\s+)?note\s+(?:to|on)\s+%s%s\s+(?:saying|that says)\s+(.+)`), verb: handlers.VerbAddNote, arg: "note"},
	{re: mustAction(`(?:open|pull up)\s+%s%s()`), verb: handlers.VerbOpen},
}

func mustAction(format string) *regexp.Regexp {
	kind := `(?:the\s+|that\s+|this\s+)?` + kindAlt
	name := `(?:\s+(.+?))?`
	return regexp.MustCompile(`^(?:please\s+)?` + strings.NewReplacer("%s%s", kind+name).Replace(format) + `$`)
}

// cleanCommand trims sentence punctuation and collapses whitespace.
func cleanCommand(text string) string {
	s := strings.TrimSpace(text)
	s = strings.TrimRight(s, ".!?")
	return spaces.ReplaceAllString(strings.TrimSpace(s), " ")
}

func isCancel(text string) bool {
	return cancelPhrases[strings.ToLower(strings.Trim(cleanCommand(text), ",."))]
}

func isClearContext(text string) bool {
	return clearPhrases[strings.ToLower(cleanCommand(text))]
}

// parseAction recognises direct entity commands such as "rename the lead Ann
// to Ann Smith" or "mark that invoice paid". subject is the spoken noun and
// name, e.g. "lead list" for "open the lead list".
func parseAction(text string) (action bus.Action, subject string, ok bool) {
	s := cleanCommand(text)
	lower := strings.ToLower(s)
	if len(lower) != len(s) {
		// Keep offsets valid when lowercasing changed the byte length.
		s = lower
	}
	for _, p := range actionPatterns {
		idx := p.re.FindStringSubmatchIndex(lower)
		if idx == nil {
			continue
		}
		group := func(n int) string {
			if idx[2*n] < 0 {
				return ""
			}
			return strings.TrimSpace(s[idx[2*n]:idx[2*n+1]])
		}
		noun := strings.ToLower(group(1))
		kind := kinds[noun]
		payload := map[string]any{}
		if name := entityName(group(2)); name != "" {
			payload["name"] = name
		}
		if p.arg != "" {
			arg := group(3)
			if p.arg == "status" {
				arg = strings.ToLower(strings.ReplaceAll(arg, " ", "_"))
			}
			payload[p.arg] = arg
		}
		subject = strings.TrimSpace(noun + " " + strings.ToLower(group(2)))
		return bus.Action{Type: string(kind) + "." + p.verb, Payload: payload}, subject, true
	}
	return bus.Action{}, "", false
}

// entityName strips connective words and treats pronouns as "no name".
func entityName(raw string) string {
	n := strings.TrimSpace(nameNoise.ReplaceAllString(raw, ""))
	if pronouns[strings.ToLower(n)] {
		return ""
	}
	return n
}
