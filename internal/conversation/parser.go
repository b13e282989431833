package conversation

import (
	"errors"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNoTime is returned for a recognised date without a time of day.
	ErrNoTime = errors.New("no time of day given")
	// ErrPastTime is returned when the expression resolves to the past.
	ErrPastTime = errors.New("time is in the past")
	// ErrUnrecognized is returned when nothing in the input could be parsed.
	ErrUnrecognized = errors.New("unrecognized expression")
)

// TimeParser resolves a natural-language date and time to an instant
// strictly after now, in loc.
type TimeParser interface {
	ParseTime(input string, now time.Time, loc *time.Location) (time.Time, error)
}

// DurationParser resolves a natural-language meeting length.
type DurationParser interface {
	ParseDuration(input string) (time.Duration, error)
}

// RuleParser is the default TimeParser and DurationParser. It recognises a
// fixed set of phrasings and never guesses a missing time of day.
type RuleParser struct{}

const monthNames = `jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec`

var (
	isoDateRe   = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	slashDateRe = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})(?:/(\d{2}|\d{4}))?\b`)
	monthDayRe  = regexp.MustCompile(`\b(` + monthNames + `)[a-z]*\.?\s+(\d{1,2})(?:st|nd|rd|th)?\b`)
	dayMonthRe  = regexp.MustCompile(`\b(\d{1,2})(?:st|nd|rd|th)?\s+(?:of\s+)?(` + monthNames + `)[a-z]*\b`)
	weekdayRe   = regexp.MustCompile(`\b(?:(next|this)\s+)?(monday|tuesday|wednesday|thursday|friday|saturday|sunday|mon|tues|tue|wed|thurs|thur|thu|fri|sat|sun)\b`)
	clock12Re   = regexp.MustCompile(`\b(\d{1,2})(?::(\d{2}))?\s*(a\.m\.|p\.m\.|am\b|pm\b)`)
	clock24Re   = regexp.MustCompile(`\b([01]?\d|2[0-3]):([0-5]\d)\b`)

	halfHoursRe = regexp.MustCompile(`\b(\d+|an|a|one)\s+(?:hours?\s+and\s+a\s+half|and\s+a\s+half\s+hours?)\b`)
	hoursRe     = regexp.MustCompile(`\b(\d+(?:\.\d+)?)\s*(?:h|hr|hrs|hour|hours)\b`)
	minutesRe   = regexp.MustCompile(`\b(\d{1,3})\s*(?:m|min|mins|minute|minutes)\b`)
	numberRe    = regexp.MustCompile(`^\s*(\d{1,3})\s*$`)
)

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "sept": time.September, "oct": time.October,
	"nov": time.November, "dec": time.December,
}

var weekdays = map[string]time.Weekday{
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "tues": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
	"sunday": time.Sunday, "sun": time.Sunday,
}

var wordDurations = map[string]time.Duration{
	"quarter of an hour": 15 * time.Minute,
	"quarter hour":       15 * time.Minute,
	"half an hour":       30 * time.Minute,
	"half hour":          30 * time.Minute,
	"an hour":            60 * time.Minute,
	"one hour":           60 * time.Minute,
	"fifteen":            15 * time.Minute,
	"thirty":             30 * time.Minute,
	"forty five":         45 * time.Minute,
	"forty-five":         45 * time.Minute,
	"sixty":              60 * time.Minute,
}

// durationPhrases lists the keys of wordDurations, longest first, so "half
// an hour" is consumed before "an hour".
var durationPhrases = func() []string {
	out := make([]string, 0, len(wordDurations))
	for phrase := range wordDurations {
		out = append(out, phrase)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}()

// dateKind records how a date was stated, which decides how it rolls forward.
type dateKind int

const (
	dateNone dateKind = iota
	dateFixed
	dateNoYear
	dateWeekday
)

type resolvedDate struct {
	kind  dateKind
	year  int
	month time.Month
	day   int
}

// ParseTime implements TimeParser.
func (RuleParser) ParseTime(input string, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)

	raw := strings.TrimSpace(input)
	if t, ok := parseMachineTime(raw, loc); ok {
		if !t.After(now) {
			return time.Time{}, ErrPastTime
		}
		return t.In(loc), nil
	}

	s := strings.ToLower(raw)
	date, rest := findDate(s, now)
	hour, minute, hasTime, err := findClock(rest)
	if err != nil {
		return time.Time{}, err
	}

	switch {
	case date.kind == dateNone && !hasTime:
		return time.Time{}, ErrUnrecognized
	case date.kind == dateNone:
		t := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
		if !t.After(now) {
			t = t.AddDate(0, 0, 1)
		}
		return t, nil
	case !hasTime:
		return time.Time{}, ErrNoTime
	}

	t := time.Date(date.year, date.month, date.day, hour, minute, 0, 0, loc)
	if t.After(now) {
		return t, nil
	}
	switch date.kind {
	case dateWeekday:
		return t.AddDate(0, 0, 7), nil
	case dateNoYear:
		return t.AddDate(1, 0, 0), nil
	default:
		return time.Time{}, ErrPastTime
	}
}

func parseMachineTime(s string, loc *time.Location) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// findDate returns the first date expression in s and s with it removed.
func findDate(s string, now time.Time) (resolvedDate, string) {
	at := func(t time.Time, kind dateKind) resolvedDate {
		return resolvedDate{kind: kind, year: t.Year(), month: t.Month(), day: t.Day()}
	}

	switch {
	case strings.Contains(s, "day after tomorrow"):
		return at(now.AddDate(0, 0, 2), dateFixed), strings.Replace(s, "day after tomorrow", " ", 1)
	case strings.Contains(s, "tomorrow"):
		return at(now.AddDate(0, 0, 1), dateFixed), strings.Replace(s, "tomorrow", " ", 1)
	case strings.Contains(s, "today"):
		return at(now, dateFixed), strings.Replace(s, "today", " ", 1)
	}

	if m := isoDateRe.FindStringSubmatchIndex(s); m != nil {
		y, _ := strconv.Atoi(s[m[2]:m[3]])
		mo, _ := strconv.Atoi(s[m[4]:m[5]])
		d, _ := strconv.Atoi(s[m[6]:m[7]])
		if validDate(y, mo, d) {
			return resolvedDate{kind: dateFixed, year: y, month: time.Month(mo), day: d}, cut(s, m)
		}
	}

	if m := monthDayRe.FindStringSubmatchIndex(s); m != nil {
		d, _ := strconv.Atoi(s[m[4]:m[5]])
		if r, ok := noYearDate(now, months[s[m[2]:m[3]]], d); ok {
			return r, cut(s, m)
		}
	}
	if m := dayMonthRe.FindStringSubmatchIndex(s); m != nil {
		d, _ := strconv.Atoi(s[m[2]:m[3]])
		if r, ok := noYearDate(now, months[s[m[4]:m[5]]], d); ok {
			return r, cut(s, m)
		}
	}

	if m := slashDateRe.FindStringSubmatchIndex(s); m != nil {
		mo, _ := strconv.Atoi(s[m[2]:m[3]])
		d, _ := strconv.Atoi(s[m[4]:m[5]])
		if m[6] >= 0 {
			y, _ := strconv.Atoi(s[m[6]:m[7]])
			if y < 100 {
				y += 2000
			}
			if validDate(y, mo, d) {
				return resolvedDate{kind: dateFixed, year: y, month: time.Month(mo), day: d}, cut(s, m)
			}
		} else if r, ok := noYearDate(now, time.Month(mo), d); ok {
			return r, cut(s, m)
		}
	}

	if m := weekdayRe.FindStringSubmatchIndex(s); m != nil {
		target := weekdays[s[m[4]:m[5]]]
		ahead := (int(target) - int(now.Weekday()) + 7) % 7
		if m[2] >= 0 && s[m[2]:m[3]] == "next" && ahead == 0 {
			ahead = 7
		}
		return at(now.AddDate(0, 0, ahead), dateWeekday), cut(s, m)
	}

	if i := strings.Index(s, "next week"); i >= 0 {
		ahead := (int(time.Monday) - int(now.Weekday()) + 7) % 7
		if ahead == 0 {
			ahead = 7
		}
		return at(now.AddDate(0, 0, ahead), dateFixed), strings.Replace(s, "next week", " ", 1)
	}

	return resolvedDate{}, s
}

func noYearDate(now time.Time, month time.Month, day int) (resolvedDate, bool) {
	if month == 0 || !validDate(now.Year(), int(month), day) {
		return resolvedDate{}, false
	}
	return resolvedDate{kind: dateNoYear, year: now.Year(), month: month, day: day}, true
}

func validDate(y, m, d int) bool {
	if m < 1 || m > 12 || d < 1 {
		return false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	return t.Day() == d
}

func cut(s string, m []int) string {
	return s[:m[0]] + " " + s[m[1]:]
}

// findClock returns the time of day stated in s.
func findClock(s string) (hour, minute int, ok bool, err error) {
	if strings.Contains(s, "noon") || strings.Contains(s, "midday") {
		return 12, 0, true, nil
	}

	if m := clock12Re.FindStringSubmatch(s); m != nil {
		hour, _ = strconv.Atoi(m[1])
		if m[2] != "" {
			minute, _ = strconv.Atoi(m[2])
		}
		if hour < 1 || hour > 12 || minute > 59 {
			return 0, 0, false, ErrUnrecognized
		}
		pm := strings.HasPrefix(m[3], "p")
		switch {
		case pm && hour < 12:
			hour += 12
		case !pm && hour == 12:
			hour = 0
		}
		return hour, minute, true, nil
	}

	if m := clock24Re.FindStringSubmatch(s); m != nil {
		hour, _ = strconv.Atoi(m[1])
		minute, _ = strconv.Atoi(m[2])
		return hour, minute, true, nil
	}

	return 0, 0, false, nil
}

// ParseDuration implements DurationParser. Bare numbers are minutes. Every
// stated part is summed, so "1 hour 30 minutes" is 90 minutes.
func (RuleParser) ParseDuration(input string) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(input))
	if s == "" {
		return 0, ErrUnrecognized
	}

	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d, nil
	}
	if m := numberRe.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n > 0 {
			return time.Duration(n) * time.Minute, nil
		}
	}

	var total time.Duration
	consume := func(re *regexp.Regexp, value func(m []string) time.Duration) {
		s = re.ReplaceAllStringFunc(s, func(match string) string {
			total += value(re.FindStringSubmatch(match))
			return " "
		})
	}

	consume(halfHoursRe, func(m []string) time.Duration {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			n = 1
		}
		return time.Duration(n)*time.Hour + 30*time.Minute
	})
	consume(hoursRe, func(m []string) time.Duration {
		f, _ := strconv.ParseFloat(m[1], 64)
		return time.Duration(f * float64(time.Hour))
	})
	consume(minutesRe, func(m []string) time.Duration {
		n, _ := strconv.Atoi(m[1])
		return time.Duration(n) * time.Minute
	})
	for _, phrase := range durationPhrases {
		for strings.Contains(s, phrase) {
			total += wordDurations[phrase]
			s = strings.Replace(s, phrase, " ", 1)
		}
	}

	if total <= 0 {
		return 0, ErrUnrecognized
	}
	return total, nil
}
