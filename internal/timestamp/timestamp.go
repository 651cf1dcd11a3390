// Package timestamp extracts a UTC timestamp from a log line using a
// named-capture regex plus a format specifier.
package timestamp

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Format selects how the "ts" capture group is parsed.
type Format string

const (
	FormatISO8601  Format = "iso8601"
	FormatEpoch    Format = "epoch"
	FormatEpochMS  Format = "epoch_ms"
)

// Error is returned for both construction and extraction failures.
type Error struct {
	Kind string
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func invalidPattern(msg string) error { return &Error{Kind: "InvalidPattern", Msg: msg} }
func parseErr(msg string) error       { return &Error{Kind: "TimestampParse", Msg: msg} }

// Extractor parses a timestamp out of a log line.
type Extractor struct {
	re       *regexp.Regexp
	format   Format
	layout   string // strptime-like format string, used when format is neither of the built-ins
	hasTZ    bool
}

// New compiles pattern and validates it declares a "ts" named group.
// format is one of FormatISO8601, FormatEpoch, FormatEpochMS, or an
// arbitrary strptime-like layout string (translated to a Go reference
// layout at construction time).
func New(pattern string, format string) (*Extractor, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, invalidPattern(err.Error())
	}

	found := false
	for _, name := range re.SubexpNames() {
		if name == "ts" {
			found = true
			break
		}
	}
	if !found {
		return nil, invalidPattern("pattern must declare a named capture group \"ts\"")
	}

	e := &Extractor{re: re}
	switch Format(format) {
	case FormatISO8601:
		e.format = FormatISO8601
	case FormatEpoch:
		e.format = FormatEpoch
	case FormatEpochMS:
		e.format = FormatEpochMS
	default:
		layout, hasTZ := strptimeToGoLayout(format)
		e.format = Format("strptime")
		e.layout = layout
		e.hasTZ = hasTZ
	}

	return e, nil
}

// Extract returns the UTC timestamp captured by the "ts" group, or ok=false
// if the line does not match the pattern at all.
func (e *Extractor) Extract(line string) (time.Time, bool, error) {
	m := e.re.FindStringSubmatch(line)
	if m == nil {
		return time.Time{}, false, nil
	}

	var raw string
	for i, name := range e.re.SubexpNames() {
		if name == "ts" {
			raw = m[i]
			break
		}
	}

	ts, err := e.parse(raw)
	if err != nil {
		return time.Time{}, true, parseErr(err.Error())
	}
	return ts, true, nil
}

func (e *Extractor) parse(raw string) (time.Time, error) {
	switch e.format {
	case FormatISO8601:
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	case FormatEpoch:
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(secs, 0).UTC(), nil
	case FormatEpochMS:
		millis, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		secs := millis / 1000
		nanos := (millis % 1000) * int64(time.Millisecond)
		return time.Unix(secs, nanos).UTC(), nil
	default:
		t, err := time.Parse(e.layout, raw)
		if err != nil {
			return time.Time{}, err
		}
		if e.hasTZ {
			return t.UTC(), nil
		}
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC), nil
	}
}

// strptimeToGoLayout translates a small subset of strptime directives
// into a Go reference-time layout string, and reports whether the format
// contains a timezone directive (%z, %Z) so the caller knows to treat the
// parse result as already timezone-aware rather than assuming UTC.
func strptimeToGoLayout(format string) (string, bool) {
	var b strings.Builder
	hasTZ := false
	i := 0
	for i < len(format) {
		if format[i] == '%' && i+2 < len(format) && format[i+1] == ':' && format[i+2] == 'z' {
			b.WriteString("-07:00")
			hasTZ = true
			i += 3
			continue
		}
		if format[i] == '%' && i+1 < len(format) {
			directive := format[i+1]
			switch directive {
			case 'Y':
				b.WriteString("2006")
			case 'm':
				b.WriteString("01")
			case 'd':
				b.WriteString("02")
			case 'H':
				b.WriteString("15")
			case 'M':
				b.WriteString("04")
			case 'S':
				b.WriteString("05")
			case 'f':
				b.WriteString("000000")
			case 'z':
				b.WriteString("-0700")
				hasTZ = true
			case 'Z':
				b.WriteString("MST")
				hasTZ = true
			case 'b':
				b.WriteString("Jan")
			case 'B':
				b.WriteString("January")
			case 'a':
				b.WriteString("Mon")
			case 'A':
				b.WriteString("Monday")
			case '%':
				b.WriteByte('%')
			default:
				b.WriteByte('%')
				b.WriteByte(directive)
			}
			i += 2
			continue
		}
		b.WriteByte(format[i])
		i++
	}
	return b.String(), hasTZ
}
