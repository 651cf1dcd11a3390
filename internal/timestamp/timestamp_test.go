package timestamp

import (
	"testing"
	"time"
)

func TestMissingTsGroup(t *testing.T) {
	_, err := New(`^(?P<level>\w+)`, "iso8601")
	if err == nil {
		t.Fatal("expected InvalidPattern error, got nil")
	}
}

func TestInvalidRegex(t *testing.T) {
	_, err := New(`(`, "iso8601")
	if err == nil {
		t.Fatal("expected InvalidPattern error, got nil")
	}
}

func TestExtractISO8601(t *testing.T) {
	e, err := New(`^(?P<ts>\S+) (?P<msg>.*)$`, "iso8601")
	if err != nil {
		t.Fatal(err)
	}

	ts, ok, err := e.Extract("2026-01-28T10:00:00Z hello world")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected match")
	}
	want := time.Date(2026, 1, 28, 10, 0, 0, 0, time.UTC)
	if !ts.Equal(want) {
		t.Fatalf("got %v want %v", ts, want)
	}
}

func TestExtractNoMatch(t *testing.T) {
	e, err := New(`^\[(?P<ts>\d+)\] (?P<msg>.*)$`, "epoch")
	if err != nil {
		t.Fatal(err)
	}
	_, ok, err := e.Extract("this line has no brackets")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no match")
	}
}

func TestExtractEpoch(t *testing.T) {
	e, err := New(`^\[(?P<ts>\d+)\]`, "epoch")
	if err != nil {
		t.Fatal(err)
	}
	ts, ok, err := e.Extract("[1000000005] boot complete")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected match")
	}
	if ts.Unix() != 1000000005 {
		t.Fatalf("got %v", ts)
	}
}

func TestExtractEpochMS(t *testing.T) {
	e, err := New(`^\[(?P<ts>\d+)\]`, "epoch_ms")
	if err != nil {
		t.Fatal(err)
	}
	ts, ok, err := e.Extract("[1000000005123] boot complete")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected match")
	}
	if ts.Unix() != 1000000005 || ts.Nanosecond() != 123*int(time.Millisecond) {
		t.Fatalf("got %v", ts)
	}
}

func TestExtractEpochParseError(t *testing.T) {
	e, err := New(`^\[(?P<ts>.+)\]`, "epoch")
	if err != nil {
		t.Fatal(err)
	}
	_, ok, err := e.Extract("[not-a-number] oops")
	if !ok {
		t.Fatal("expected regex match")
	}
	if err == nil {
		t.Fatal("expected TimestampParse error")
	}
}

func TestExtractStrptimeNoTZ(t *testing.T) {
	e, err := New(`^(?P<ts>\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})`, "%Y-%m-%d %H:%M:%S")
	if err != nil {
		t.Fatal(err)
	}
	ts, ok, err := e.Extract("2026-01-28 10:00:00 something happened")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected match")
	}
	want := time.Date(2026, 1, 28, 10, 0, 0, 0, time.UTC)
	if !ts.Equal(want) {
		t.Fatalf("got %v want %v", ts, want)
	}
}

func TestExtractStrptimeWithTZ(t *testing.T) {
	e, err := New(`^(?P<ts>\S+)`, "%Y-%m-%dT%H:%M:%S%z")
	if err != nil {
		t.Fatal(err)
	}
	ts, ok, err := e.Extract("2026-01-28T10:00:00+0200 payload")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected match")
	}
	want := time.Date(2026, 1, 28, 8, 0, 0, 0, time.UTC)
	if !ts.Equal(want) {
		t.Fatalf("got %v want %v", ts, want)
	}
}
