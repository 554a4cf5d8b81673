package workflow

import (
	"regexp"
	"strings"
)

// Reply is the classification of a confirm answer.
type Reply int

const (
	ReplyUnknown Reply = iota
	ReplyAffirmative
	ReplyNegative
)

func (r Reply) String() string {
	switch r {
	case ReplyAffirmative:
		return "affirmative"
	case ReplyNegative:
		return "negative"
	}
	return "unknown"
}

var (
	affirmative = []string{"yes", "yeah", "yep", "yup", "sure", "ok", "okay", "go ahead", "do it", "create it", "save it", "confirm", "correct", "sounds good", "looks good", "that's right", "perfect"}
	negative    = []string{"no", "nope", "cancel", "stop", "wait", "hold on", "not yet", "don't", "wrong"}
)

// ClassifyReply matches a confirm answer against the lexicons on word
// boundaries. The phrase that comes first wins: "no, don't do it" is a
// refusal and "yes, no problem" is consent.
func ClassifyReply(text string) Reply {
	s := strings.ToLower(strings.TrimSpace(text))
	yes, no := firstWord(s, affirmative), firstWord(s, negative)
	switch {
	case yes < 0 && no < 0:
		return ReplyUnknown
	case no < 0 || (yes >= 0 && yes < no):
		return ReplyAffirmative
	default:
		return ReplyNegative
	}
}

// firstWord returns the earliest offset of any phrase in s, or -1.
func firstWord(s string, phrases []string) int {
	first := -1
	for _, p := range phrases {
		if i := indexWord(s, p); i >= 0 && (first < 0 || i < first) {
			first = i
		}
	}
	return first
}

var correctionRes = []*regexp.Regexp{
	regexp.MustCompile(`^(?:no[,.]?\s+|actually[,]?\s+)?(?:change|set|make|update)\s+(?:the\s+)?(.+?)\s+(?:to|is|should be)\s+(.+)$`),
	regexp.MustCompile(`^(?:no[,.]?\s+|actually[,]?\s+)?(?:the\s+)?(.+?)\s+(?:should be|needs to be)\s+(.+)$`),
}

// Correction is a "change the X to Y" reply.
type Correction struct {
	Label string
	Value string
}

// ParseCorrection recognises replies that change one collected answer.
func ParseCorrection(text string) (Correction, bool) {
	s := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(text), ".!"))
	lower := strings.ToLower(s)
	for _, re := range correctionRes {
		idx := re.FindStringSubmatchIndex(lower)
		if idx == nil {
			continue
		}
		return Correction{
			Label: strings.TrimSpace(lower[idx[2]:idx[3]]),
			// Value keeps the original casing.
			Value: strings.TrimSpace(s[idx[4]:idx[5]]),
		}, true
	}
	return Correction{}, false
}

// labels returns the spoken names an ask step answers to.
func (s Step) labels() []string {
	out := make([]string, 0, 2+len(s.Aliases))
	if s.Field != "" {
		out = append(out, Label(s.Field))
	}
	out = append(out, Label(s.ID))
	for _, a := range s.Aliases {
		out = append(out, strings.ToLower(a))
	}
	return out
}
