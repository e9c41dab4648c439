package flow

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// numericDateLayouts are tried before spoken-form parsing.
var numericDateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"1-2-2006",
}

var monthNames = map[string]time.Month{
	"january": time.January, "jan": time.January,
	"february": time.February, "feb": time.February,
	"march": time.March, "mar": time.March,
	"april": time.April, "apr": time.April,
	"may":  time.May,
	"june": time.June, "jun": time.June,
	"july": time.July, "jul": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sep": time.September, "sept": time.September,
	"october": time.October, "oct": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December,
}

// ParseSpokenDate normalizes a caller-stated date into ISO form (YYYY-MM-DD).
// It accepts numeric forms ("1985-03-15", "03/15/1985") and spoken forms
// ("March 15, 1985", "15 March 1985", "March 15th 1985"). The day and year
// must both be present; two-digit years are rejected as ambiguous.
func ParseSpokenDate(s string) (string, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "", fmt.Errorf("flow: empty date")
	}

	for _, layout := range numericDateLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}

	var (
		month time.Month
		day   int
		year  int
	)
	for _, tok := range strings.Fields(strings.ToLower(trimmed)) {
		tok = strings.Trim(tok, ",.")
		if tok == "" || tok == "of" || tok == "the" {
			continue
		}
		if m, ok := monthNames[tok]; ok {
			month = m
			continue
		}
		n, err := strconv.Atoi(stripOrdinal(tok))
		if err != nil {
			continue
		}
		switch {
		case n >= 1000:
			year = n
		case n >= 1 && n <= 31 && day == 0:
			day = n
		}
	}
	if month == 0 || day == 0 || year == 0 {
		return "", fmt.Errorf("flow: unrecognized date %q", s)
	}

	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes overflow (e.g. February 30), which would silently
	// accept an invalid spoken date.
	if t.Day() != day || t.Month() != month {
		return "", fmt.Errorf("flow: invalid date %q", s)
	}
	return t.Format("2006-01-02"), nil
}

// stripOrdinal removes an English ordinal suffix from a day token ("15th",
// "3rd", "22nd").
func stripOrdinal(tok string) string {
	for _, suffix := range []string{"st", "nd", "rd", "th"} {
		if rest, ok := strings.CutSuffix(tok, suffix); ok && rest != "" {
			if _, err := strconv.Atoi(rest); err == nil {
				return rest
			}
		}
	}
	return tok
}
