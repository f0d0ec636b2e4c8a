package coordinator

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// monthNames maps the lowercase month token used in market slugs.
var monthNames = map[string]time.Month{
	"january": time.January, "february": time.February, "march": time.March,
	"april": time.April, "may": time.May, "june": time.June,
	"july": time.July, "august": time.August, "september": time.September,
	"october": time.October, "november": time.November, "december": time.December,
}

// windowSlug formats the market slug for the hourly window containing t,
// e.g. "bitcoin-up-or-down-august-29-3pm-et". The hour token is the window
// start in the venue-local zone.
func windowSlug(prefix string, t time.Time, loc *time.Location) string {
	local := t.In(loc)
	month := strings.ToLower(local.Month().String())

	h24 := local.Hour()
	meridiem := "am"
	h12 := h24
	switch {
	case h24 == 0:
		h12 = 12
	case h24 == 12:
		h12 = 12
		meridiem = "pm"
	case h24 > 12:
		h12 = h24 - 12
		meridiem = "pm"
	}

	return fmt.Sprintf("%s-%s-%d-%d%s-et", prefix, month, local.Day(), h12, meridiem)
}

// decodeWindow parses the month/day/hour/meridiem tokens at the tail of a
// market slug and returns the absolute window bounds in loc. The year is
// inferred from now, bumping forward when the tokens land more than a day
// behind it (December slugs read in January).
//
// End-hour arithmetic is modular over the 24-hour clock: end = (start+1)
// mod 24, rolling to the next day when it wraps to 0. A window starting at
// 11pm therefore ends at hour 0 of the following day, and one starting at
// 11am ends at noon the same day.
func decodeWindow(slug string, now time.Time, loc *time.Location) (start, end time.Time, err error) {
	tokens := strings.Split(slug, "-")
	// ... {month} {day} {hour}{am|pm} et
	if len(tokens) < 4 || tokens[len(tokens)-1] != "et" {
		return start, end, fmt.Errorf("coordinator: slug %q: missing window tokens", slug)
	}

	monthTok := tokens[len(tokens)-4]
	dayTok := tokens[len(tokens)-3]
	hourTok := tokens[len(tokens)-2]

	month, ok := monthNames[monthTok]
	if !ok {
		return start, end, fmt.Errorf("coordinator: slug %q: unknown month %q", slug, monthTok)
	}

	day, err := strconv.Atoi(dayTok)
	if err != nil || day < 1 || day > 31 {
		return start, end, fmt.Errorf("coordinator: slug %q: bad day %q", slug, dayTok)
	}

	var meridiem string
	switch {
	case strings.HasSuffix(hourTok, "am"):
		meridiem = "am"
	case strings.HasSuffix(hourTok, "pm"):
		meridiem = "pm"
	default:
		return start, end, fmt.Errorf("coordinator: slug %q: bad hour %q", slug, hourTok)
	}
	h12, err := strconv.Atoi(strings.TrimSuffix(hourTok, meridiem))
	if err != nil || h12 < 1 || h12 > 12 {
		return start, end, fmt.Errorf("coordinator: slug %q: bad hour %q", slug, hourTok)
	}

	h24 := h12 % 12
	if meridiem == "pm" {
		h24 += 12
	}

	year := now.In(loc).Year()
	start = time.Date(year, month, day, h24, 0, 0, 0, loc)
	if start.Before(now.In(loc).AddDate(0, 0, -1)) && now.In(loc).Month() == time.December && month == time.January {
		start = start.AddDate(1, 0, 0)
	}

	endHour := (h24 + 1) % 24
	end = time.Date(start.Year(), start.Month(), start.Day(), endHour, 0, 0, 0, loc)
	if endHour == 0 {
		end = end.AddDate(0, 0, 1)
	}

	return start, end, nil
}
