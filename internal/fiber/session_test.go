package fiber

import (
	"testing"
	"time"

	"github.com/aiguy110/noil/pkg/schema"
	"github.com/google/uuid"
)

func mustParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("bad timestamp %q: %v", s, err)
	}
	return ts
}

func TestOpenFiberCreation(t *testing.T) {
	ts := mustParseTime(t, "2025-12-04T10:00:00Z")
	fiber := NewOpenFiber("test_type", ts)

	if fiber.FiberType != "test_type" {
		t.Fatalf("unexpected fiber type: %s", fiber.FiberType)
	}
	if !fiber.FirstActivity.Equal(ts) || !fiber.LastActivity.Equal(ts) {
		t.Fatalf("unexpected activity timestamps")
	}
	if len(fiber.Keys) != 0 || len(fiber.Attributes) != 0 || len(fiber.LogIDs) != 0 {
		t.Fatal("expected a freshly created fiber to be empty")
	}
}

func TestOpenFiberAddLog(t *testing.T) {
	ts1 := mustParseTime(t, "2025-12-04T10:00:00Z")
	ts2 := mustParseTime(t, "2025-12-04T10:00:05Z")

	fiber := NewOpenFiber("test_type", ts1)
	logID := uuid.New()
	fiber.AddLog(logID, ts2)

	if len(fiber.LogIDs) != 1 || fiber.LogIDs[0] != logID {
		t.Fatalf("unexpected log ids: %v", fiber.LogIDs)
	}
	if !fiber.LastActivity.Equal(ts2) {
		t.Fatalf("expected last activity to advance to %v, got %v", ts2, fiber.LastActivity)
	}
}

func TestOpenFiberKeys(t *testing.T) {
	ts := mustParseTime(t, "2025-12-04T10:00:00Z")
	fiber := NewOpenFiber("test_type", ts)

	fiber.SetKey("thread_id", "5")
	if fiber.Keys["thread_id"] != "5" {
		t.Fatalf("unexpected key value: %v", fiber.Keys)
	}

	fiber.SetKey("mac", "aa:bb:cc:11:22:33")
	if len(fiber.Keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(fiber.Keys))
	}

	removed, ok := fiber.RemoveKey("thread_id")
	if !ok || removed != "5" {
		t.Fatalf("unexpected removal: %v, %v", removed, ok)
	}
	if len(fiber.Keys) != 1 {
		t.Fatalf("expected 1 key left, got %d", len(fiber.Keys))
	}
}

func TestOpenFiberAttributeConflict(t *testing.T) {
	ts := mustParseTime(t, "2025-12-04T10:00:00Z")
	fiber := NewOpenFiber("test_type", ts)

	_, changed := fiber.SetAttribute("ip", schema.AttributeValue{Type: schema.AttributeString, Str: "10.0.0.1"})
	if changed {
		t.Fatal("expected no conflict on first set")
	}

	_, changed = fiber.SetAttribute("ip", schema.AttributeValue{Type: schema.AttributeString, Str: "10.0.0.1"})
	if changed {
		t.Fatal("expected no conflict setting the same value again")
	}

	old, changed := fiber.SetAttribute("ip", schema.AttributeValue{Type: schema.AttributeString, Str: "10.0.0.2"})
	if !changed || old.Str != "10.0.0.1" {
		t.Fatalf("expected a conflict with old value 10.0.0.1, got %+v, %v", old, changed)
	}
}

func TestFiberMerge(t *testing.T) {
	ts1 := mustParseTime(t, "2025-12-04T10:00:00Z")
	ts2 := mustParseTime(t, "2025-12-04T10:00:05Z")

	fiber1 := NewOpenFiber("test_type", ts1)
	fiber1.SetKey("key1", "value1")
	fiber1.SetAttribute("attr1", schema.AttributeValue{Type: schema.AttributeString, Str: "a"})
	fiber1.AddLog(uuid.New(), ts1)

	fiber2 := NewOpenFiber("test_type", ts2)
	fiber2.SetKey("key2", "value2")
	fiber2.SetAttribute("attr2", schema.AttributeValue{Type: schema.AttributeString, Str: "b"})
	fiber2.AddLog(uuid.New(), ts2)

	conflicts := fiber1.Merge(fiber2)

	if len(conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %v", conflicts)
	}
	if len(fiber1.Keys) != 2 || len(fiber1.Attributes) != 2 || len(fiber1.LogIDs) != 2 {
		t.Fatalf("unexpected merged fiber: keys=%d attrs=%d logs=%d", len(fiber1.Keys), len(fiber1.Attributes), len(fiber1.LogIDs))
	}
	if !fiber1.FirstActivity.Equal(ts1) || !fiber1.LastActivity.Equal(ts2) {
		t.Fatalf("unexpected merged activity window: %v - %v", fiber1.FirstActivity, fiber1.LastActivity)
	}
}

func TestFiberMergeWithConflicts(t *testing.T) {
	ts1 := mustParseTime(t, "2025-12-04T10:00:00Z")
	ts2 := mustParseTime(t, "2025-12-04T10:00:05Z")

	fiber1 := NewOpenFiber("test_type", ts1)
	fiber1.SetAttribute("shared", schema.AttributeValue{Type: schema.AttributeString, Str: "old"})

	fiber2 := NewOpenFiber("test_type", ts2)
	fiber2.SetAttribute("shared", schema.AttributeValue{Type: schema.AttributeString, Str: "new"})

	conflicts := fiber1.Merge(fiber2)

	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}
	if fiber1.Attributes["shared"].Str != "new" {
		t.Fatalf("expected the later fiber's value to win, got %+v", fiber1.Attributes["shared"])
	}
}
