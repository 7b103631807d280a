package firehose

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"coopmesh/internal/domain"
)

// memSource is an in-memory event log for stream tests.
type memSource struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *memSource) append(evt domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *memSource) EventsAfter(_ context.Context, cursor int64, limit int) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, evt := range s.events {
		if evt.Seq > cursor {
			out = append(out, evt)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func testEvent(t *testing.T, seq int64, rkey string) domain.Event {
	t.Helper()
	record, hash, err := MarshalRecord(map[string]any{
		"$type": domain.CollectionProfile,
		"name":  rkey,
	})
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	return domain.Event{
		Seq:         seq,
		DID:         "did:reg:streamer00000000000000000",
		Action:      domain.ActionCreate,
		Collection:  domain.CollectionProfile,
		RKey:        rkey,
		Record:      record,
		ContentHash: hash,
		TS:          "2026-03-01T12:00:00Z",
	}
}

func TestStreamReplaysAndFollows(t *testing.T) {
	source := &memSource{}
	source.append(testEvent(t, 1, "one"))
	source.append(testEvent(t, 2, "two"))

	srv := httptest.NewServer(Streamer{Source: source, PollInterval: 10 * time.Millisecond})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	received := make(chan domain.ChangeEvent, 8)
	consumer := Consumer{
		URL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/",
		Apply: func(_ context.Context, evt domain.ChangeEvent) error {
			received <- evt
			return nil
		},
	}
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	collect := func() domain.ChangeEvent {
		select {
		case evt := <-received:
			return evt
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for an event")
			return domain.ChangeEvent{}
		}
	}

	first := collect()
	if first.Seq != 1 || first.Action != domain.ActionCreate {
		t.Fatalf("first event %+v", first)
	}
	if first.Record["name"] != "one" {
		t.Fatalf("first record %+v", first.Record)
	}
	if second := collect(); second.Seq != 2 {
		t.Fatalf("second event %+v", second)
	}

	// An event appended after the replay is pushed live.
	source.append(testEvent(t, 3, "three"))
	if third := collect(); third.Seq != 3 || third.Record["name"] != "three" {
		t.Fatalf("live event %+v", third)
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("consumer did not shut down")
	}
}

func TestStreamResumesFromCursor(t *testing.T) {
	source := &memSource{}
	for i := int64(1); i <= 3; i++ {
		source.append(testEvent(t, i, "evt"))
	}
	srv := httptest.NewServer(Streamer{Source: source, PollInterval: 10 * time.Millisecond})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	received := make(chan domain.ChangeEvent, 8)
	consumer := Consumer{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/",
		Cursor: 2,
		Apply: func(_ context.Context, evt domain.ChangeEvent) error {
			received <- evt
			return nil
		},
	}
	go consumer.Run(ctx)

	select {
	case evt := <-received:
		if evt.Seq != 3 {
			t.Fatalf("resumed at seq %d, want 3", evt.Seq)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no event after resume")
	}
	select {
	case evt := <-received:
		t.Fatalf("replayed event before cursor: %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

var _ http.Handler = Streamer{}
