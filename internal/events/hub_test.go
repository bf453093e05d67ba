package events

import (
	"testing"
	"time"
)

func TestHubPublishSubscribe(t *testing.T) {
	t.Parallel()

	h := NewHub(16)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(TypeStatus, "kernel", "ws1", "kernel starting", nil)

	select {
	case ev := <-ch:
		if ev.Type != TypeStatus || ev.Stage != "kernel" || ev.WorkspaceID != "ws1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.ID == 0 {
			t.Fatalf("event id should be assigned")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}
}

func TestHubSnapshotSince(t *testing.T) {
	t.Parallel()

	h := NewHub(8)
	h.Publish(TypeStatus, "ingest", "ws1", "one", nil)
	h.Publish(TypeProgress, "ingest", "ws1", "two", nil)
	h.Publish(TypeCompleted, "ingest", "ws1", "three", nil)

	all := h.SnapshotSince(0)
	if len(all) != 3 {
		t.Fatalf("expected 3 buffered events, got %d", len(all))
	}

	tail := h.SnapshotSince(all[1].ID)
	if len(tail) != 1 || tail[0].Message != "three" {
		t.Fatalf("unexpected replay tail: %+v", tail)
	}
}

func TestHubRingOverwritesOldest(t *testing.T) {
	t.Parallel()

	h := NewHub(2)
	h.Publish(TypeStatus, "s", "", "a", nil)
	h.Publish(TypeStatus, "s", "", "b", nil)
	h.Publish(TypeStatus, "s", "", "c", nil)

	buf := h.SnapshotSince(0)
	if len(buf) != 2 || buf[0].Message != "b" || buf[1].Message != "c" {
		t.Fatalf("ring should keep the newest two, got %+v", buf)
	}
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()

	h := NewHub(4)
	_, cancel := h.Subscribe()
	defer cancel()

	// Fill well past the subscriber buffer; Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Publish(TypeProgress, "execute", "ws1", "tick", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("publish blocked on slow subscriber")
	}
}
