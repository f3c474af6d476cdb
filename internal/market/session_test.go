package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCalendar(t *testing.T, holidays ...string) *Calendar {
	t.Helper()
	c, err := NewCalendar(holidays)
	require.NoError(t, err)
	return c
}

func at(day string, hm string) time.Time {
	ts, err := time.Parse("2006-01-02 15:04", day+" "+hm)
	if err != nil {
		panic(err)
	}
	return ts
}

func TestClassifyPhases(t *testing.T) {
	c := mustCalendar(t)
	// 2026-03-02 is a Monday
	day := "2026-03-02"
	cases := []struct {
		hm    string
		phase Phase
	}{
		{"00:00", PhasePreOpen},
		{"09:14", PhasePreOpen},
		{"09:15", PhaseIntraday},
		{"11:29", PhaseIntraday},
		{"11:30", PhaseNoonBreak},
		{"12:59", PhaseNoonBreak},
		{"13:00", PhaseIntraday},
		{"15:04", PhaseIntraday},
		{"15:05", PhasePostClose},
		{"23:59", PhasePostClose},
	}
	for _, tc := range cases {
		t.Run(tc.hm, func(t *testing.T) {
			s := c.Classify(at(day, tc.hm))
			assert.Equal(t, tc.phase, s.Phase)
		})
	}
}

func TestWeekendCollapsesToPostClose(t *testing.T) {
	c := mustCalendar(t)
	// Saturday mid-morning still reads as post_close for anchoring purposes.
	s := c.Classify(at("2026-03-07", "10:00"))
	assert.Equal(t, PhasePostClose, s.Phase)
}

func TestHolidayCollapsesToPostClose(t *testing.T) {
	c := mustCalendar(t, "2026-03-02")
	s := c.Classify(at("2026-03-02", "10:00"))
	assert.Equal(t, PhasePostClose, s.Phase)
}

func TestNextTradableDateSkipsWeekendsAndHolidays(t *testing.T) {
	// 2026-04-03 is a Friday; 2026-04-06 (Monday) declared a holiday,
	// so the next tradable date after Friday is Tuesday the 7th.
	c := mustCalendar(t, "2026-04-06")
	next := c.NextTradableDate(at("2026-04-03", "16:00"))
	assert.Equal(t, "2026-04-07", next.Format("2006-01-02"))

	// Strictly after: asking on a trading day returns the following one.
	c2 := mustCalendar(t)
	next = c2.NextTradableDate(at("2026-03-02", "09:00"))
	assert.Equal(t, "2026-03-03", next.Format("2006-01-02"))
}

func TestLoadCalendarRejectsBadDate(t *testing.T) {
	_, err := NewCalendar([]string{"not-a-date"})
	assert.Error(t, err)
}
