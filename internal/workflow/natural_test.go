package workflow

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var refNow = time.Date(2026, time.October, 19, 10, 0, 0, 0, time.UTC) // a Monday

func TestParseNaturalDate(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"today", "2026-10-19"},
		{"tomorrow", "2026-10-20"},
		{"Tomorrow.", "2026-10-20"},
		{"day after tomorrow", "2026-10-21"},
		{"on Friday", "2026-10-23"},
		{"this monday", "2026-10-19"},
		{"next monday", "2026-10-26"},
		{"monday", "2026-10-26"},
		{"in 3 days", "2026-10-22"},
		{"in two weeks", "2026-11-02"},
		{"October 20th", "2026-10-20"},
		{"march 3", "2027-03-03"},
		{"20 october", "2026-10-20"},
		{"the 25th", "2026-10-25"},
		{"5th", "2026-11-05"},
		{"10/22/2026", "2026-10-22"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseNaturalDate(tt.in, refNow)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "whenever", "february 30"} {
		_, err := ParseNaturalDate(bad, refNow)
		assert.Error(t, err, bad)
	}
}

func TestParseNaturalDateUsesLocation(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	// 20:00 UTC on the 19th is already the 20th in Tokyo.
	late := time.Date(2026, time.October, 19, 20, 0, 0, 0, time.UTC)

	got, err := DateTransform("today", Env{Now: late, Location: tokyo})
	require.NoError(t, err)
	assert.Equal(t, "2026-10-20", got.Value)
}

func TestParseNaturalTime(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"7am", "07:00"},
		{"4:30 pm", "16:30"},
		{"noon", "12:00"},
		{"midnight", "00:00"},
		{"16:00", "16:00"},
		{"3", "15:00"},
		{"12am", "00:00"},
		{"7 in the morning", "07:00"},
		{"seven", "07:00"},
		{"at 8 a.m.", "08:00"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseNaturalTime(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"25:00", "13pm", "banana"} {
		_, err := ParseNaturalTime(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseTimeRange(t *testing.T) {
	tests := []struct {
		in         string
		start, end string
	}{
		{"7am to 4pm", "07:00", "16:00"},
		{"7-4", "07:00", "16:00"},
		{"1 to 4pm", "13:00", "16:00"},
		{"11 to 2pm", "11:00", "14:00"},
		{"9 until noon", "09:00", "12:00"},
		{"from 6:30am till 3", "06:30", "15:00"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			start, end, err := ParseTimeRange(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.start, start)
			assert.Equal(t, tt.end, end)
		})
	}

	for _, bad := range []string{"7am", "4pm to 4pm", "to 5"} {
		_, _, err := ParseTimeRange(bad)
		assert.Error(t, err, bad)
	}
}

func TestHumanFormats(t *testing.T) {
	assert.Equal(t, "Tuesday, October 20, 2026", HumanDate("2026-10-20"))
	assert.Equal(t, "soon", HumanDate("soon"))
	assert.Equal(t, "7:00 AM", HumanTime("07:00"))
	assert.Equal(t, "4:30 PM", HumanTime("16:30"))
}

func TestTransforms(t *testing.T) {
	env := Env{Now: refNow, Location: time.UTC}

	valueOf := func(fn TransformFunc, in string) string {
		t.Helper()
		out, err := fn(in, env)
		require.NoError(t, err, in)
		return out.Value
	}

	assert.Equal(t, "1250.50", valueOf(MoneyTransform, "$1,250.5"))
	assert.Equal(t, "420.15", valueOf(MoneyTransform, "420 dollars and 15 cents"))
	assert.Equal(t, "75.00", valueOf(MoneyTransform, "$75"))
	assert.Equal(t, "(555) 867-5309", valueOf(PhoneTransform, "+1 (555) 867-5309"))
	assert.Equal(t, "urgent", valueOf(PriorityTransform, "it's an emergency"))
	assert.Equal(t, "high", valueOf(PriorityTransform, "pretty important"))
	assert.Equal(t, "low", valueOf(PriorityTransform, "no rush"))
	assert.Equal(t, "normal", valueOf(PriorityTransform, "regular"))
	assert.Equal(t, "", valueOf(OptionalTransform, "Skip."))
	assert.Equal(t, "Main St", valueOf(OptionalTransform, "Main St."))
	assert.Equal(t, "Roof Repair – 123 Oak St", valueOf(TrimTransform, "  Roof Repair – 123 Oak St "))
	assert.Equal(t, "tools", valueOf(Choice("materials", "tools"), "Tools please"))
	assert.Equal(t, "16:30", valueOf(TimeTransform, "4:30pm"))

	for name, in := range map[string]string{"money": "twenty", "phone": "867-5309", "priority": "meh"} {
		_, err := Transforms[name](in, env)
		assert.Error(t, err, name)
	}
	_, err := Choice("fuel")("food", env)
	assert.Error(t, err)

	out, err := Transforms["time_range"]("7am to 4pm", env)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"startTime": "07:00", "endTime": "16:00"}, out.Fields)

	assert.Error(t, Required("job name")("  ", nil))
	assert.NoError(t, Required("job name")("Oak", nil))
}

func TestClassifyReply(t *testing.T) {
	tests := []struct {
		in   string
		want Reply
	}{
		{"yes", ReplyAffirmative},
		{"Yeah, go ahead", ReplyAffirmative},
		{"okay", ReplyAffirmative},
		{"sounds good", ReplyAffirmative},
		{"no", ReplyNegative},
		{"no, don't do it", ReplyNegative},
		{"wait, yes", ReplyNegative},
		{"yes, no problem", ReplyAffirmative},
		{"ok, go ahead, don't wait", ReplyAffirmative},
		{"I don't think that's correct", ReplyNegative},
		{"not yet", ReplyNegative},
		{"hmm", ReplyUnknown},
		{"nobody", ReplyUnknown},
		{"I know", ReplyUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyReply(tt.in), tt.in)
	}
}

func TestParseCorrection(t *testing.T) {
	tests := []struct {
		in   string
		want Correction
	}{
		{"change the date to Friday", Correction{"date", "Friday"}},
		{"Actually, set job name to Oak St.", Correction{"job name", "Oak St"}},
		{"the job should be Gutters", Correction{"job", "Gutters"}},
		{"no, make the time 9am", Correction{}},
	}
	for _, tt := range tests {
		got, ok := ParseCorrection(tt.in)
		if tt.want == (Correction{}) {
			assert.False(t, ok, tt.in)
			continue
		}
		require.True(t, ok, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, ok := ParseCorrection("yes")
	assert.False(t, ok)
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "job name", Label("job_name"))
	assert.Equal(t, "start time", Label("startTime"))
	assert.Equal(t, "due date", Label("due-date"))
}
