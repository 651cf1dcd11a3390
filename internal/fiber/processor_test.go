package fiber

import (
	"testing"
	"time"

	"github.com/aiguy110/noil/pkg/schema"
	"github.com/google/uuid"
)

func makeLog(t *testing.T, source, timestamp, text string) schema.LogRecord {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		t.Fatalf("bad timestamp %q: %v", timestamp, err)
	}
	return schema.LogRecord{ID: uuid.New(), Timestamp: ts, SourceID: source, RawText: text}
}

func simpleFiberConfig() TypeConfig {
	maxGap := 5 * time.Second
	return TypeConfig{
		Temporal:   TemporalConfig{MaxGap: &maxGap, GapMode: GapSession},
		Attributes: []AttributeDef{{Name: "thread_id", Type: schema.AttributeString, IsKey: true}},
		Sources: map[string]SourceConfig{
			"program1": {Patterns: []PatternConfig{{Regex: `thread-(?P<thread_id>\d+)`}}},
		},
	}
}

func newTestProcessor(t *testing.T, cfg TypeConfig) *FiberTypeProcessor {
	t.Helper()
	compiled, err := Compile("test", cfg)
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	return NewFiberTypeProcessor(compiled, 1)
}

func TestProcessLogCreatesFiber(t *testing.T) {
	p := newTestProcessor(t, simpleFiberConfig())

	result := p.ProcessLog(makeLog(t, "program1", "2025-12-04T10:00:00Z", "thread-5 doing stuff"))

	if len(result.NewFibers) != 1 {
		t.Fatalf("expected 1 new fiber, got %d", len(result.NewFibers))
	}
	if len(result.Memberships) != 1 {
		t.Fatalf("expected 1 membership, got %d", len(result.Memberships))
	}
	if p.OpenFiberCount() != 1 {
		t.Fatalf("expected 1 open fiber, got %d", p.OpenFiberCount())
	}
}

func TestProcessLogJoinsExistingFiber(t *testing.T) {
	p := newTestProcessor(t, simpleFiberConfig())

	r1 := p.ProcessLog(makeLog(t, "program1", "2025-12-04T10:00:00Z", "thread-5 doing stuff"))
	fiberID := r1.NewFibers[0].FiberID

	r2 := p.ProcessLog(makeLog(t, "program1", "2025-12-04T10:00:01Z", "thread-5 more stuff"))
	if len(r2.NewFibers) != 0 {
		t.Fatalf("expected no new fibers, got %d", len(r2.NewFibers))
	}
	if len(r2.Memberships) != 1 || r2.Memberships[0].FiberID != fiberID {
		t.Fatalf("expected membership to join existing fiber %v, got %+v", fiberID, r2.Memberships)
	}
	if p.OpenFiberCount() != 1 {
		t.Fatalf("expected 1 open fiber, got %d", p.OpenFiberCount())
	}
}

func TestProcessLogDifferentKeyCreatesNewFiber(t *testing.T) {
	p := newTestProcessor(t, simpleFiberConfig())

	p.ProcessLog(makeLog(t, "program1", "2025-12-04T10:00:00Z", "thread-5 doing stuff"))
	r2 := p.ProcessLog(makeLog(t, "program1", "2025-12-04T10:00:01Z", "thread-6 doing stuff"))

	if len(r2.NewFibers) != 1 {
		t.Fatalf("expected 1 new fiber, got %d", len(r2.NewFibers))
	}
	if p.OpenFiberCount() != 2 {
		t.Fatalf("expected 2 open fibers, got %d", p.OpenFiberCount())
	}
}

func TestTimeoutClosesFiber(t *testing.T) {
	p := newTestProcessor(t, simpleFiberConfig())

	p.ProcessLog(makeLog(t, "program1", "2025-12-04T10:00:00Z", "thread-5 doing stuff"))
	if p.OpenFiberCount() != 1 {
		t.Fatalf("expected 1 open fiber, got %d", p.OpenFiberCount())
	}

	r2 := p.ProcessLog(makeLog(t, "program1", "2025-12-04T10:00:06Z", "thread-6 other stuff"))

	if len(r2.ClosedFiberIDs) != 1 {
		t.Fatalf("expected 1 closed fiber, got %d", len(r2.ClosedFiberIDs))
	}
	if len(r2.NewFibers) != 1 {
		t.Fatalf("expected 1 new fiber, got %d", len(r2.NewFibers))
	}
	if p.OpenFiberCount() != 1 {
		t.Fatalf("expected 1 open fiber, got %d", p.OpenFiberCount())
	}
}

func TestReleaseMatchingPeerKeys(t *testing.T) {
	cfg := simpleFiberConfig()
	cfg.Sources["program1"] = SourceConfig{Patterns: []PatternConfig{
		{Regex: `thread-(?P<thread_id>\d+) START`, ReleaseMatchingPeerKeys: []string{"thread_id"}},
		{Regex: `thread-(?P<thread_id>\d+)`},
	}}

	p := newTestProcessor(t, cfg)

	r1 := p.ProcessLog(makeLog(t, "program1", "2025-12-04T10:00:00Z", "thread-5 doing stuff"))
	fiber1ID := r1.NewFibers[0].FiberID

	r2 := p.ProcessLog(makeLog(t, "program1", "2025-12-04T10:00:01Z", "thread-5 START"))

	if len(r2.NewFibers) != 1 {
		t.Fatalf("expected 1 new fiber, got %d", len(r2.NewFibers))
	}
	if r2.NewFibers[0].FiberID == fiber1ID {
		t.Fatal("expected a distinct fiber after the key was released")
	}
	if p.OpenFiberCount() != 2 {
		t.Fatalf("expected 2 open fibers, got %d", p.OpenFiberCount())
	}
}

func TestClosePattern(t *testing.T) {
	cfg := simpleFiberConfig()
	cfg.Sources["program1"] = SourceConfig{Patterns: []PatternConfig{
		{Regex: `thread-(?P<thread_id>\d+) END`, Close: true},
		{Regex: `thread-(?P<thread_id>\d+)`},
	}}

	p := newTestProcessor(t, cfg)

	p.ProcessLog(makeLog(t, "program1", "2025-12-04T10:00:00Z", "thread-5 doing stuff"))
	if p.OpenFiberCount() != 1 {
		t.Fatalf("expected 1 open fiber, got %d", p.OpenFiberCount())
	}

	r2 := p.ProcessLog(makeLog(t, "program1", "2025-12-04T10:00:01Z", "thread-5 END"))

	if len(r2.ClosedFiberIDs) != 1 {
		t.Fatalf("expected 1 closed fiber, got %d", len(r2.ClosedFiberIDs))
	}
	if p.OpenFiberCount() != 0 {
		t.Fatalf("expected 0 open fibers, got %d", p.OpenFiberCount())
	}
}

func TestFiberMergeOnSharedKeys(t *testing.T) {
	maxGap := 10 * time.Second
	cfg := TypeConfig{
		Temporal: TemporalConfig{MaxGap: &maxGap, GapMode: GapSession},
		Attributes: []AttributeDef{
			{Name: "key1", Type: schema.AttributeString, IsKey: true},
			{Name: "key2", Type: schema.AttributeString, IsKey: true},
		},
		Sources: map[string]SourceConfig{
			"program1": {Patterns: []PatternConfig{
				{Regex: `K1=(?P<key1>\w+) K2=(?P<key2>\w+)`},
				{Regex: `K1=(?P<key1>\w+)`},
				{Regex: `K2=(?P<key2>\w+)`},
			}},
		},
	}

	p := newTestProcessor(t, cfg)

	p.ProcessLog(makeLog(t, "program1", "2025-12-04T10:00:00Z", "K1=A"))
	p.ProcessLog(makeLog(t, "program1", "2025-12-04T10:00:01Z", "K2=B"))

	if p.OpenFiberCount() != 2 {
		t.Fatalf("expected 2 open fibers, got %d", p.OpenFiberCount())
	}

	r3 := p.ProcessLog(makeLog(t, "program1", "2025-12-04T10:00:02Z", "K1=A K2=B"))

	if len(r3.MergedFiberIDs) != 1 {
		t.Fatalf("expected 1 merged fiber, got %d", len(r3.MergedFiberIDs))
	}
	if p.OpenFiberCount() != 1 {
		t.Fatalf("expected 1 open fiber after merge, got %d", p.OpenFiberCount())
	}
}

func TestDerivedAttributesAsKey(t *testing.T) {
	endpoint := "${ip}:${port}"
	maxGap := 10 * time.Second
	cfg := TypeConfig{
		Temporal: TemporalConfig{MaxGap: &maxGap, GapMode: GapSession},
		Attributes: []AttributeDef{
			{Name: "ip", Type: schema.AttributeString},
			{Name: "port", Type: schema.AttributeString},
			{Name: "endpoint", Type: schema.AttributeString, IsKey: true, Derived: &endpoint},
		},
		Sources: map[string]SourceConfig{
			"program1": {Patterns: []PatternConfig{
				{Regex: `(?P<ip>\d+\.\d+\.\d+\.\d+):(?P<port>\d+)`},
			}},
		},
	}

	p := newTestProcessor(t, cfg)

	r1 := p.ProcessLog(makeLog(t, "program1", "2025-12-04T10:00:00Z", "connecting to 10.0.0.1:8080"))
	if len(r1.NewFibers) != 1 {
		t.Fatalf("expected 1 new fiber, got %d", len(r1.NewFibers))
	}

	r2 := p.ProcessLog(makeLog(t, "program1", "2025-12-04T10:00:01Z", "data from 10.0.0.1:8080"))
	if len(r2.NewFibers) != 0 {
		t.Fatalf("expected the derived key to join the existing fiber, got %d new", len(r2.NewFibers))
	}
	if p.OpenFiberCount() != 1 {
		t.Fatalf("expected 1 open fiber, got %d", p.OpenFiberCount())
	}
}

func TestUnmatchedSourceIgnored(t *testing.T) {
	p := newTestProcessor(t, simpleFiberConfig())

	result := p.ProcessLog(makeLog(t, "unknown_source", "2025-12-04T10:00:00Z", "thread-5 doing stuff"))

	if len(result.NewFibers) != 0 || len(result.Memberships) != 0 {
		t.Fatalf("expected no effect from an unmatched source, got %+v", result)
	}
	if p.OpenFiberCount() != 0 {
		t.Fatalf("expected 0 open fibers, got %d", p.OpenFiberCount())
	}
}

func TestFlushClosesAllFibers(t *testing.T) {
	p := newTestProcessor(t, simpleFiberConfig())

	p.ProcessLog(makeLog(t, "program1", "2025-12-04T10:00:00Z", "thread-1 stuff"))
	p.ProcessLog(makeLog(t, "program1", "2025-12-04T10:00:00Z", "thread-2 stuff"))
	p.ProcessLog(makeLog(t, "program1", "2025-12-04T10:00:00Z", "thread-3 stuff"))

	if p.OpenFiberCount() != 3 {
		t.Fatalf("expected 3 open fibers, got %d", p.OpenFiberCount())
	}

	result := p.Flush()
	if len(result.ClosedFiberIDs) != 3 {
		t.Fatalf("expected 3 closed fibers, got %d", len(result.ClosedFiberIDs))
	}
	if p.OpenFiberCount() != 0 {
		t.Fatalf("expected 0 open fibers after flush, got %d", p.OpenFiberCount())
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	p := newTestProcessor(t, simpleFiberConfig())
	p.ProcessLog(makeLog(t, "program1", "2025-12-04T10:00:00Z", "thread-5 doing stuff"))

	cp := p.Checkpoint()
	if len(cp.OpenFibers) != 1 {
		t.Fatalf("expected 1 open fiber in checkpoint, got %d", len(cp.OpenFibers))
	}

	restored := newTestProcessor(t, simpleFiberConfig())
	restored.Restore(cp)

	if restored.OpenFiberCount() != 1 {
		t.Fatalf("expected restored processor to have 1 open fiber, got %d", restored.OpenFiberCount())
	}

	r := restored.ProcessLog(makeLog(t, "program1", "2025-12-04T10:00:01Z", "thread-5 more stuff"))
	if len(r.NewFibers) != 0 {
		t.Fatal("expected the restored key index to let a matching log join the restored fiber")
	}
}

func TestAddSourceFiberType(t *testing.T) {
	fp, err := NewFiberProcessor(map[string]TypeConfig{"traced": simpleFiberConfig()}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	added, err := fp.AddSourceFiberType("program2", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !added {
		t.Fatal("expected the source fiber type to be added")
	}

	addedAgain, err := fp.AddSourceFiberType("program2", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addedAgain {
		t.Fatal("expected a second registration for the same source to be a no-op")
	}

	names := fp.FiberTypeNames()
	if len(names) != 2 {
		t.Fatalf("expected 2 fiber types, got %v", names)
	}
}
