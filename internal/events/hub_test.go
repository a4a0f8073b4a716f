package events

import (
	"testing"
	"time"
)

func TestHub_PublishSubscribe(t *testing.T) {
	h := NewHub(8)

	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(TypeDispatchLaunched, map[string]any{"dispatch_id": "d-1"})

	select {
	case ev := <-ch:
		if ev.Type != TypeDispatchLaunched {
			t.Errorf("type = %q", ev.Type)
		}
		if ev.ID != 1 {
			t.Errorf("id = %d", ev.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestHub_ReplayAfterID(t *testing.T) {
	h := NewHub(4)

	for i := 0; i < 6; i++ {
		h.Publish(TypeDispatchCompleted, nil)
	}

	// Ring holds the last 4 events (IDs 3..6).
	all := h.Replay(0)
	if len(all) != 4 {
		t.Fatalf("len = %d, want 4", len(all))
	}
	if all[0].ID != 3 || all[3].ID != 6 {
		t.Errorf("unexpected replay window: first=%d last=%d", all[0].ID, all[3].ID)
	}

	tail := h.Replay(5)
	if len(tail) != 1 || tail[0].ID != 6 {
		t.Errorf("replay after 5 = %+v", tail)
	}
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(4)

	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 300; i++ { // more than the subscriber buffer
			h.Publish(TypeDispatchFailed, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
}
