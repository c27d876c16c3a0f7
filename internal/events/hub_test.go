package events

import (
	"encoding/json"
	"testing"
	"time"
)

type recorder struct{ got []Event }

func (r *recorder) Emit(e Event) { r.got = append(r.got, e) }

func TestHub_DeliversToSubscribers(t *testing.T) {
	h := NewHub()
	a, stopA := h.Subscribe(4)
	b, stopB := h.Subscribe(4)
	defer stopA()
	defer stopB()

	h.Emit(RequestServed{Target: "http://example.com/", Outcome: OutcomeMiss})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case e := <-ch:
			if e.Subject() != "proxy.request.miss" {
				t.Fatalf("unexpected subject %s", e.Subject())
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub()
	_, stop := h.Subscribe(1)
	defer stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			h.Emit(ObjectCached{Key: "k"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a full subscriber")
	}
	if got := h.Dropped(); got != 4 {
		t.Fatalf("expected 4 dropped deliveries, got %d", got)
	}
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	ch, stop := h.Subscribe(1)
	stop()
	stop()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	if h.Subscribers() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", h.Subscribers())
	}
	h.Emit(ObjectCached{Key: "k"}) // must not panic on a closed channel
}

func TestMulti_ForwardsToAll(t *testing.T) {
	var a, b recorder
	Multi{&a, nil, &b, Nop{}}.Emit(ObjectCached{Key: "k"})
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatalf("expected one event each, got %d and %d", len(a.got), len(b.got))
	}
}

func TestEvents_JSONShape(t *testing.T) {
	e := RequestServed{
		Metadata: NewMetadata("edd-proxy", "req-1"),
		Target:   "http://example.com/a.html",
		Outcome:  OutcomeHit,
		Bytes:    42,
	}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	json.Unmarshal(data, &decoded)

	meta := decoded["metadata"].(map[string]any)
	if meta["source"] != "edd-proxy" || meta["event_id"] == "" {
		t.Fatalf("metadata not populated: %v", meta)
	}
	if decoded["outcome"] != "hit" || decoded["bytes"] != float64(42) {
		t.Fatalf("unexpected payload %s", data)
	}
}
