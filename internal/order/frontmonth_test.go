package order

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestFrontQuarterMidJanuary(t *testing.T) {
	fc := FrontQuarter("NQ", date(2025, time.January, 15))

	assert.Equal(t, "NQH5", fc.Symbol)
	assert.Equal(t, "H", fc.Letter)
	assert.Equal(t, 2025, fc.Year)
	assert.False(t, fc.IsRollPeriod)
}

func TestFrontQuarterRollsOnRollDate(t *testing.T) {
	// Third Friday of March 2025 is the 21st; the roll lands on the 10th.
	fc := FrontQuarter("NQ", date(2025, time.March, 9))
	assert.Equal(t, "NQH5", fc.Symbol)

	fc = FrontQuarter("NQ", date(2025, time.March, 10))
	assert.Equal(t, "NQM5", fc.Symbol)
	assert.True(t, fc.IsRollPeriod)

	// Past the old expiry it is no longer a roll period.
	fc = FrontQuarter("NQ", date(2025, time.March, 24))
	assert.Equal(t, "NQM5", fc.Symbol)
	assert.False(t, fc.IsRollPeriod)
}

func TestFrontQuarterDecemberRollsIntoNextYear(t *testing.T) {
	// December 2025: third Friday the 19th, roll on the 8th.
	fc := FrontQuarter("ES", date(2025, time.December, 8))

	assert.Equal(t, "ESH6", fc.Symbol)
	assert.Equal(t, 2026, fc.Year)
	assert.Equal(t, time.March, fc.Month)
}

func TestFrontQuarterProperties(t *testing.T) {
	letters := map[string]bool{"H": true, "M": true, "U": true, "Z": true}

	day := date(2024, time.January, 1)
	for day.Year() < 2027 {
		fc := FrontQuarter("NQ", day)

		assert.True(t, letters[fc.Letter], "letter %s on %s", fc.Letter, day)
		assert.Equal(t, fmt.Sprintf("NQ%s%d", fc.Letter, fc.Year%10), fc.Symbol)
		assert.True(t, fc.RollDate.Before(fc.Expiry), "roll before expiry on %s", day)
		// The resolved contract never expires before the quote date.
		assert.False(t, fc.Expiry.Before(day), "expired contract on %s", day)

		day = day.AddDate(0, 0, 13)
	}
}

func TestThirdFriday(t *testing.T) {
	tests := []struct {
		year  int
		month time.Month
		day   int
	}{
		{2025, time.March, 21},
		{2025, time.June, 20},
		{2025, time.September, 19},
		{2025, time.December, 19},
		{2026, time.March, 20},
	}
	for _, tt := range tests {
		got := thirdFriday(tt.year, tt.month)
		assert.Equal(t, tt.day, got.Day(), "%d-%s", tt.year, tt.month)
		assert.Equal(t, time.Friday, got.Weekday())
	}
}

func TestNormalizeSymbol(t *testing.T) {
	now := date(2025, time.January, 15)

	assert.Equal(t, "NQH5", NormalizeSymbol("nq", now))
	assert.Equal(t, "MNQH5", NormalizeSymbol("MNQ", now))
	// Already-qualified contracts pass through.
	assert.Equal(t, "NQM5", NormalizeSymbol("NQM5", now))
	assert.Equal(t, "NQZ9", NormalizeSymbol("nqz9", now))
}
