// Package order builds normalized order intents from incoming signals:
// front-quarter symbol resolution, tick and precision lookup, order type
// inference and bracket price derivation.
package order

import (
	"fmt"
	"time"
)

// Quarterly contract month codes per CME convention.
var quarterLetters = map[time.Month]string{
	time.March:     "H",
	time.June:      "M",
	time.September: "U",
	time.December:  "Z",
}

// FrontContract is the resolved front-quarter contract for a root symbol.
type FrontContract struct {
	Root         string    `json:"root"`
	Symbol       string    `json:"symbol"`
	Letter       string    `json:"letter"`
	YearDigit    int       `json:"yearDigit"`
	Month        time.Month `json:"-"`
	Year         int       `json:"year"`
	Expiry       time.Time `json:"expiry"`
	RollDate     time.Time `json:"rollDate"`
	IsRollPeriod bool      `json:"isRollPeriod"`
}

// thirdFriday returns the third Friday of a month at midnight UTC.
func thirdFriday(year int, month time.Month) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	// Days until the first Friday, then two more weeks.
	offset := (int(time.Friday) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset+14)
}

// rollDateFor returns the session roll for a contract month: the Monday
// of the week preceding the third Friday.
func rollDateFor(year int, month time.Month) time.Time {
	return thirdFriday(year, month).AddDate(0, 0, -11)
}

// nearestQuarter returns the first quarterly month at or after m.
func nearestQuarter(m time.Month) time.Month {
	switch {
	case m <= time.March:
		return time.March
	case m <= time.June:
		return time.June
	case m <= time.September:
		return time.September
	default:
		return time.December
	}
}

// FrontQuarter resolves the active front-quarter contract for a root
// symbol at the given date. Before the roll the current quarter is front;
// from the roll date on, the next quarter is.
func FrontQuarter(root string, date time.Time) FrontContract {
	date = date.UTC().Truncate(24 * time.Hour)

	year := date.Year()
	month := nearestQuarter(date.Month())

	currentRoll := rollDateFor(year, month)
	currentExpiry := thirdFriday(year, month)
	inRollPeriod := !date.Before(currentRoll) && date.Before(currentExpiry)

	if !date.Before(currentRoll) {
		month += 3
		if month > time.December {
			month = time.March
			year++
		}
	}

	letter := quarterLetters[month]
	digit := year % 10

	return FrontContract{
		Root:         root,
		Symbol:       fmt.Sprintf("%s%s%d", root, letter, digit),
		Letter:       letter,
		YearDigit:    digit,
		Month:        month,
		Year:         year,
		Expiry:       thirdFriday(year, month),
		RollDate:     rollDateFor(year, month),
		IsRollPeriod: inRollPeriod,
	}
}

// isRootSymbol reports whether a symbol is a bare 1-3 letter root that
// needs front-quarter resolution.
func isRootSymbol(s string) bool {
	if len(s) < 1 || len(s) > 3 {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return true
}
