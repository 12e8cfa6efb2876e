package wire

import (
	"strings"
	"time"
)

var mispaDateLayouts = []string{"02:01:2006", "02-01-2006", "02/01/2006"}

var mispaTimeLayouts = []string{"15:04", "15:04:05"}

// ParseMispaViva normalizes the key:value packets emitted by Mispa Viva
// analyzers over their serial-to-HTTP bridge. Packets carry at most one
// observation. Splitting happens on CR, LF and the stray control bytes
// the bridge leaves in the stream; NUL padding is stripped first. A
// packet with neither a test name nor a result parses to an empty item
// list, which is a valid outcome, not an error.
func ParseMispaViva(raw string) (*Result, error) {
	res := &Result{}
	cleaned := strings.ReplaceAll(raw, "\x00", "")

	var code, value, flag string
	var date, clock *time.Time

	lines := strings.FieldsFunc(cleaned, func(r rune) bool {
		return r == '\r' || r == '\n' || r == 0x0b || r == 0x15
	})
	for _, line := range lines {
		key, val, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)
		switch key {
		case "date":
			date = parseMispaClock(val, mispaDateLayouts)
		case "time":
			clock = parseMispaClock(val, mispaTimeLayouts)
		case "testname", "test name":
			code = val
		case "ptid", "patientid", "patient id":
			res.PatientIdentifier = val
		case "result":
			value = val
		case "flag", "flags":
			flag = val
		}
	}

	res.ObservedAt = combineMispaTimestamp(date, clock)
	if code != "" || value != "" {
		res.Items = append(res.Items, ResultItem{
			ExternalCode: code,
			ValueText:    value,
			AbnormalFlag: flag,
			ObservedAt:   res.ObservedAt,
		}.Clamp())
	}
	return res, nil
}

func parseMispaClock(val string, layouts []string) *time.Time {
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, val); err == nil {
			return &ts
		}
	}
	return nil
}

// combineMispaTimestamp merges the packet's separate date and time lines.
// A date without a parseable time still yields a date-only timestamp; a
// time without a date anchors to nothing and is dropped.
func combineMispaTimestamp(date, clock *time.Time) *time.Time {
	if date == nil {
		return nil
	}
	if clock == nil {
		return date
	}
	ts := time.Date(date.Year(), date.Month(), date.Day(),
		clock.Hour(), clock.Minute(), clock.Second(), 0, time.UTC)
	return &ts
}
