package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Transforms are the builtin transforms addressable by name from YAML
// definitions.
var Transforms = map[string]TransformFunc{
	"trim":       TrimTransform,
	"date":       DateTransform,
	"time":       TimeTransform,
	"time_range": TimeRangeTransform("startTime", "endTime"),
	"money":      MoneyTransform,
	"phone":      PhoneTransform,
	"priority":   PriorityTransform,
	"optional":   OptionalTransform,
}

// TrimTransform stores the reply verbatim apart from surrounding whitespace
// and trailing sentence punctuation.
func TrimTransform(input string, _ Env) (Transformed, error) {
	return Transformed{Value: strings.TrimRight(strings.TrimSpace(input), ".!?")}, nil
}

// DateTransform resolves natural dates in the run's timezone.
func DateTransform(input string, env Env) (Transformed, error) {
	now := env.Now
	if env.Location != nil {
		now = now.In(env.Location)
	}
	d, err := ParseNaturalDate(input, now)
	if err != nil {
		return Transformed{}, err
	}
	return Transformed{Value: d}, nil
}

// TimeTransform resolves a single time of day.
func TimeTransform(input string, _ Env) (Transformed, error) {
	t, err := ParseNaturalTime(input)
	if err != nil {
		return Transformed{}, err
	}
	return Transformed{Value: t}, nil
}

// TimeRangeTransform splits a range reply into two fields.
func TimeRangeTransform(startKey, endKey string) TransformFunc {
	return func(input string, _ Env) (Transformed, error) {
		start, end, err := ParseTimeRange(input)
		if err != nil {
			return Transformed{}, err
		}
		return Transformed{Fields: map[string]string{startKey: start, endKey: end}}, nil
	}
}

var (
	moneyRe    = regexp.MustCompile(`(\d[\d,]*)(?:\.(\d{1,2}))?`)
	centsRe    = regexp.MustCompile(`(\d+)\s*cents?`)
	nonDigitRe = regexp.MustCompile(`\D`)
)

// MoneyTransform extracts an amount such as "$1,250.5" or "420 dollars and
// 15 cents" as a fixed two-decimal string.
func MoneyTransform(input string, _ Env) (Transformed, error) {
	s := strings.ToLower(input)
	m := moneyRe.FindStringSubmatch(s)
	if m == nil {
		return Transformed{}, fmt.Errorf("I didn't hear an amount")
	}
	whole, err := strconv.ParseInt(strings.ReplaceAll(m[1], ",", ""), 10, 64)
	if err != nil {
		return Transformed{}, fmt.Errorf("I didn't hear an amount")
	}
	cents := 0
	switch {
	case m[2] != "":
		frac := m[2]
		if len(frac) == 1 {
			frac += "0"
		}
		cents, _ = strconv.Atoi(frac)
	case strings.Contains(s, "dollar"):
		if c := centsRe.FindStringSubmatch(s); c != nil {
			cents, _ = strconv.Atoi(c[1])
			if cents > 99 {
				return Transformed{}, fmt.Errorf("that's more than 99 cents")
			}
		}
	}
	return Transformed{Value: fmt.Sprintf("%d.%02d", whole, cents)}, nil
}

// PhoneTransform keeps the digits of a North American number and formats it.
func PhoneTransform(input string, _ Env) (Transformed, error) {
	digits := nonDigitRe.ReplaceAllString(input, "")
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if len(digits) != 10 {
		return Transformed{}, fmt.Errorf("I need a ten digit phone number")
	}
	return Transformed{Value: fmt.Sprintf("(%s) %s-%s", digits[:3], digits[3:6], digits[6:])}, nil
}

var priorities = []struct {
	value string
	words []string
}{
	{"urgent", []string{"urgent", "emergency", "asap", "right away"}},
	{"high", []string{"high", "important"}},
	{"low", []string{"low", "whenever", "no rush"}},
	{"normal", []string{"normal", "medium", "regular", "standard"}},
}

// PriorityTransform maps a spoken priority onto low, normal, high or urgent.
func PriorityTransform(input string, _ Env) (Transformed, error) {
	s := strings.ToLower(input)
	for _, p := range priorities {
		for _, w := range p.words {
			if containsWord(s, w) {
				return Transformed{Value: p.value}, nil
			}
		}
	}
	return Transformed{}, fmt.Errorf("the priority can be low, normal, high or urgent")
}

var skipWords = []string{"skip", "none", "no", "nothing", "n/a", "leave it blank", "not sure"}

// OptionalTransform stores an empty value when the user declines to answer.
func OptionalTransform(input string, env Env) (Transformed, error) {
	s := strings.ToLower(strings.Trim(strings.TrimSpace(input), ".!?"))
	for _, w := range skipWords {
		if s == w {
			return Transformed{}, nil
		}
	}
	return TrimTransform(input, env)
}

// Choice maps a reply onto one of a fixed set of options.
func Choice(options ...string) TransformFunc {
	return func(input string, _ Env) (Transformed, error) {
		s := strings.ToLower(strings.TrimSpace(input))
		for _, o := range options {
			if s == o || containsWord(s, o) {
				return Transformed{Value: o}, nil
			}
		}
		return Transformed{}, fmt.Errorf("please pick one of %s", strings.Join(options, ", "))
	}
}

// Required rejects empty values.
func Required(what string) ValidateFunc {
	return func(v string, _ Data) error {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("I didn't catch the %s", what)
		}
		return nil
	}
}

// Validators are the builtin validators addressable by name from YAML.
var Validators = map[string]ValidateFunc{
	"required": Required("answer"),
}

// containsWord reports whether phrase occurs in s on word boundaries.
func containsWord(s, phrase string) bool {
	return indexWord(s, phrase) >= 0
}

// indexWord returns the offset of the first occurrence of phrase in s on word
// boundaries, or -1.
func indexWord(s, phrase string) int {
	for i := 0; ; {
		j := strings.Index(s[i:], phrase)
		if j < 0 {
			return -1
		}
		start, end := i+j, i+j+len(phrase)
		if (start == 0 || !isWordByte(s[start-1])) && (end == len(s) || !isWordByte(s[end])) {
			return start
		}
		i = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b == '\'' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
