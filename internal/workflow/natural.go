package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// ISODate is the collected-data format for dates.
const ISODate = "2006-01-02"

var (
	weekdays = map[string]time.Weekday{
		"sunday": time.Sunday, "sun": time.Sunday,
		"monday": time.Monday, "mon": time.Monday,
		"tuesday": time.Tuesday, "tue": time.Tuesday, "tues": time.Tuesday,
		"wednesday": time.Wednesday, "wed": time.Wednesday,
		"thursday": time.Thursday, "thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday,
		"friday": time.Friday, "fri": time.Friday,
		"saturday": time.Saturday, "sat": time.Saturday,
	}
	months = map[string]time.Month{
		"january": time.January, "jan": time.January,
		"february": time.February, "feb": time.February,
		"march": time.March, "mar": time.March,
		"april": time.April, "apr": time.April,
		"may": time.May, "june": time.June, "jun": time.June,
		"july": time.July, "jul": time.July,
		"august": time.August, "aug": time.August,
		"september": time.September, "sep": time.September, "sept": time.September,
		"october": time.October, "oct": time.October,
		"november": time.November, "nov": time.November,
		"december": time.December, "dec": time.December,
	}
	numberWords = map[string]int{
		"a": 1, "an": 1, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
		"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12,
	}

	inDaysRe     = regexp.MustCompile(`^in (\d+|[a-z]+) (day|days|week|weeks)$`)
	weekdayRe    = regexp.MustCompile(`^(?:(this|next|coming) )?([a-z]+)$`)
	monthDayRe   = regexp.MustCompile(`^([a-z]+)\.? (\d{1,2})(?:st|nd|rd|th)?(?:,? (\d{4}))?$`)
	dayMonthRe   = regexp.MustCompile(`^(\d{1,2})(?:st|nd|rd|th)? (?:of )?([a-z]+)(?:,? (\d{4}))?$`)
	ordinalDayRe = regexp.MustCompile(`^(\d{1,2})(?:st|nd|rd|th)$`)
	dateNoise    = regexp.MustCompile(`^(?:on|for|by|it's|its|it is)\s+|^the\s+|\s+please$`)
)

// ParseNaturalDate interprets phrases such as "tomorrow", "next friday",
// "in 3 days", "october 20th" or "10/20/2026" relative to now, in now's
// location, and returns an ISO date.
func ParseNaturalDate(input string, now time.Time) (string, error) {
	s := strings.ToLower(strings.TrimSpace(input))
	s = strings.Trim(s, ".!?")
	for prev := ""; prev != s; {
		prev = s
		s = strings.TrimSpace(dateNoise.ReplaceAllString(s, ""))
	}
	if s == "" {
		return "", fmt.Errorf("I didn't catch a date")
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	switch s {
	case "today", "tonight", "this morning", "this afternoon", "this evening":
		return today.Format(ISODate), nil
	case "tomorrow", "tmrw", "tomorrow morning", "tomorrow afternoon":
		return today.AddDate(0, 0, 1).Format(ISODate), nil
	case "day after tomorrow", "the day after tomorrow":
		return today.AddDate(0, 0, 2).Format(ISODate), nil
	case "yesterday":
		return today.AddDate(0, 0, -1).Format(ISODate), nil
	case "next week":
		return today.AddDate(0, 0, 7).Format(ISODate), nil
	}

	if m := inDaysRe.FindStringSubmatch(s); m != nil {
		n, ok := parseCount(m[1])
		if !ok {
			return "", fmt.Errorf("I didn't understand %q as a date", input)
		}
		if strings.HasPrefix(m[2], "week") {
			n *= 7
		}
		return today.AddDate(0, 0, n).Format(ISODate), nil
	}

	if m := weekdayRe.FindStringSubmatch(s); m != nil {
		if wd, ok := weekdays[m[2]]; ok {
			ahead := (int(wd) - int(today.Weekday()) + 7) % 7
			if ahead == 0 && m[1] != "this" {
				ahead = 7
			}
			return today.AddDate(0, 0, ahead).Format(ISODate), nil
		}
	}

	if m := monthDayRe.FindStringSubmatch(s); m != nil {
		if mon, ok := months[m[1]]; ok {
			return upcoming(today, mon, m[2], m[3])
		}
	}
	if m := dayMonthRe.FindStringSubmatch(s); m != nil {
		if mon, ok := months[m[2]]; ok {
			return upcoming(today, mon, m[1], m[3])
		}
	}
	if m := ordinalDayRe.FindStringSubmatch(s); m != nil {
		day, _ := strconv.Atoi(m[1])
		d := time.Date(today.Year(), today.Month(), day, 0, 0, 0, 0, today.Location())
		if d.Day() != day {
			return "", fmt.Errorf("%s isn't a day this month", input)
		}
		if d.Before(today) {
			d = time.Date(today.Year(), today.Month()+1, day, 0, 0, 0, 0, today.Location())
		}
		return d.Format(ISODate), nil
	}

	t, err := dateparse.ParseIn(s, now.Location())
	if err != nil {
		return "", fmt.Errorf("I didn't understand %q as a date", input)
	}
	return t.Format(ISODate), nil
}

// upcoming returns the next occurrence of month/day on or after today unless
// a year is given.
func upcoming(today time.Time, mon time.Month, dayStr, yearStr string) (string, error) {
	day, _ := strconv.Atoi(dayStr)
	year := today.Year()
	if yearStr != "" {
		year, _ = strconv.Atoi(yearStr)
	}
	d := time.Date(year, mon, day, 0, 0, 0, 0, today.Location())
	if d.Month() != mon {
		return "", fmt.Errorf("%s %d isn't a real date", mon, day)
	}
	if yearStr == "" && d.Before(today) {
		d = d.AddDate(1, 0, 0)
	}
	return d.Format(ISODate), nil
}

func parseCount(s string) (int, bool) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	n, ok := numberWords[s]
	return n, ok
}

type meridiem int

const (
	meridiemNone meridiem = iota
	meridiemAM
	meridiemPM
)

type clock struct {
	hour, minute int
	mer          meridiem
}

var (
	clockRe   = regexp.MustCompile(`^(\d{1,2})(?::?(\d{2}))?\s*(a\.?m\.?|p\.?m\.?|a|p|o'?clock)?(?:\s+in the (morning|afternoon|evening))?$`)
	rangeRe   = regexp.MustCompile(`\s*(?:\bto\b|\buntil\b|\btill\b|\bthrough\b|\bthru\b|–|—|-)\s*`)
	timeNoise = regexp.MustCompile(`^(?:at|from|starting at|starts at|start at|around|about)\s+`)
)

func parseClock(input string) (clock, error) {
	s := strings.ToLower(strings.TrimSpace(input))
	s = strings.Trim(s, ".!?,")
	s = timeNoise.ReplaceAllString(s, "")
	switch s {
	case "noon", "midday", "12 noon":
		return clock{12, 0, meridiemPM}, nil
	case "midnight":
		return clock{0, 0, meridiemAM}, nil
	}
	if n, ok := numberWords[s]; ok && s != "a" && s != "an" {
		return clock{hour: n}, nil
	}
	m := clockRe.FindStringSubmatch(s)
	if m == nil {
		return clock{}, fmt.Errorf("I didn't understand %q as a time", input)
	}
	c := clock{}
	c.hour, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		c.minute, _ = strconv.Atoi(m[2])
	}
	switch {
	case strings.HasPrefix(m[3], "a"):
		c.mer = meridiemAM
	case strings.HasPrefix(m[3], "p"):
		c.mer = meridiemPM
	case m[4] == "morning":
		c.mer = meridiemAM
	case m[4] == "afternoon" || m[4] == "evening":
		c.mer = meridiemPM
	}
	if c.minute > 59 || c.hour > 23 || (c.mer != meridiemNone && (c.hour == 0 || c.hour > 12)) {
		return clock{}, fmt.Errorf("%q isn't a valid time", input)
	}
	return c, nil
}

// resolve turns a clock into 24-hour time. Bare hours 1 through 5 are read as
// afternoon, which matches how crews talk about shift ends.
func (c clock) resolve() (int, int) {
	h := c.hour
	switch c.mer {
	case meridiemAM:
		if h == 12 {
			h = 0
		}
	case meridiemPM:
		if h != 12 {
			h += 12
		}
	default:
		if h >= 1 && h <= 5 {
			h += 12
		}
	}
	return h, c.minute
}

func (c clock) format() string {
	h, m := c.resolve()
	return fmt.Sprintf("%02d:%02d", h, m)
}

// ParseNaturalTime interprets "7am", "4:30 pm", "noon" or "16:00" and returns
// 24-hour HH:MM.
func ParseNaturalTime(input string) (string, error) {
	c, err := parseClock(input)
	if err != nil {
		return "", err
	}
	return c.format(), nil
}

// ParseTimeRange splits "7am to 4pm" (or "7-4", "9 until noon") into start
// and end times. A start without am/pm borrows the end's when that keeps the
// range in order, so "1 to 4pm" is 13:00-16:00.
func ParseTimeRange(input string) (start, end string, err error) {
	s := strings.ToLower(strings.TrimSpace(input))
	s = timeNoise.ReplaceAllString(s, "")
	parts := rangeRe.Split(s, 2)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return "", "", fmt.Errorf("I need a start and an end time, like 7am to 4pm")
	}
	a, err := parseClock(parts[0])
	if err != nil {
		return "", "", err
	}
	b, err := parseClock(parts[1])
	if err != nil {
		return "", "", err
	}
	if a.mer == meridiemNone && b.mer != meridiemNone {
		borrowed := clock{a.hour, a.minute, b.mer}
		bh, bm := b.resolve()
		if ah, am := borrowed.resolve(); ah*60+am < bh*60+bm {
			a = borrowed
		}
	}
	if a.format() == b.format() {
		return "", "", fmt.Errorf("the start and end time are the same")
	}
	return a.format(), b.format(), nil
}

// HumanDate renders an ISO date for speech: "Tuesday, October 20, 2026".
func HumanDate(iso string) string {
	t, err := time.Parse(ISODate, iso)
	if err != nil {
		return iso
	}
	return t.Format("Monday, January 2, 2006")
}

// HumanTime renders HH:MM for speech: "7:00 AM".
func HumanTime(hhmm string) string {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return hhmm
	}
	return t.Format("3:04 PM")
}
