package audit

import (
	"testing"
	"time"
)

func TestEmitAndCount(t *testing.T) {
	log := NewLog(0)

	log.Emit(EventAllow, "checkout", "user.profile.email", "path allowed")
	log.Emit(EventDetect, "checkout", "user.profile.email", "ALLOW")
	log.Emit(EventDetect, "checkout", "user.cart.items", "OBSERVE")
	log.Emit(EventSuppress, "billing", "user.profile.ssn", "path suppressed")

	if log.Count() != 4 {
		t.Errorf("expected 4 events, got %d", log.Count())
	}
}

func TestForPathIndexesByServiceAndPath(t *testing.T) {
	log := NewLog(0)

	log.Emit(EventDetect, "checkout", "user.profile.email", "OBSERVE")
	log.Emit(EventDetect, "checkout", "user.profile.email", "OBSERVE")
	log.Emit(EventPromoted, "checkout", "user.profile.email", "promoted")
	log.Emit(EventDetect, "checkout", "user.cart.items", "ALLOW") // different path, must not leak in

	events := log.ForPath("checkout", "user.profile.email")
	if len(events) != 3 {
		t.Fatalf("expected 3 events for user.profile.email, got %d", len(events))
	}
	if events[0].Type != EventDetect || events[2].Type != EventPromoted {
		t.Fatalf("expected oldest-first order ending in promotion, got %+v", events)
	}
}

func TestForServiceAggregatesAcrossPaths(t *testing.T) {
	log := NewLog(0)

	log.Emit(EventAllow, "checkout", "a.b", "allowed")
	log.Emit(EventSuppress, "checkout", "c.d", "suppressed")
	log.Emit(EventAllow, "billing", "x.y", "allowed")

	events := log.ForService("checkout")
	if len(events) != 2 {
		t.Fatalf("expected 2 events for checkout, got %d", len(events))
	}
	if events[0].Type != EventSuppress {
		t.Errorf("expected newest first, got %s", events[0].Type)
	}
}

func TestRingBufferCapsGlobalAndPerPathBuckets(t *testing.T) {
	log := NewLog(3)

	for i := 0; i < 5; i++ {
		log.Emit(EventDetect, "checkout", "a.b", "ALLOW")
	}

	if log.Count() != 3 {
		t.Errorf("global ring buffer should cap at 3, got %d", log.Count())
	}
	if got := len(log.ForPath("checkout", "a.b")); got != 3 {
		t.Errorf("per-path bucket should cap at 3, got %d", got)
	}
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	log := NewLog(0)

	log.Record(Event{
		Type:      EventAllow,
		Timestamp: time.Now().UTC().Add(-2 * time.Hour),
		Summary:   "old event",
	})
	log.Record(Event{
		Type:      EventDetect,
		Timestamp: time.Now().UTC().Add(-30 * time.Minute),
		Summary:   "recent event",
	})

	events := log.Recent(1)
	if len(events) != 1 || events[0].Summary != "recent event" {
		t.Fatalf("expected the single most recent event, got %+v", events)
	}
}

func TestAssignsIDAndTimestampWhenAbsent(t *testing.T) {
	log := NewLog(0)
	log.Record(Event{Type: EventDetect, Summary: "no id set"})

	events := log.Recent(1)
	if events[0].ID == "" {
		t.Error("expected ID to be auto-assigned")
	}
	if events[0].Timestamp.IsZero() {
		t.Error("expected timestamp to be auto-assigned")
	}
}
