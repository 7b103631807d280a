package outbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"coopmesh/internal/db"
	"coopmesh/internal/domain"
	"coopmesh/internal/migrate"
	"coopmesh/internal/repo"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestPoller(t *testing.T, handler http.HandlerFunc) (*Poller, repo.Repo, *httptest.Server, *testClock) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	p := &Poller{
		Repo:         r,
		Client:       srv.Client(),
		Batch:        10,
		BackoffBase:  10 * time.Second,
		BackoffMax:   time.Hour,
		SendingGrace: 5 * time.Minute,
		Now:          clock.Now,
	}
	return p, r, srv, clock
}

func enqueue(t *testing.T, r repo.Repo, clock *testClock, target string, maxAttempts int) string {
	t.Helper()
	msg := domain.OutboxMessage{
		ID:            "msg1",
		TargetURL:     target,
		Endpoint:      "/federation/membership/request",
		Method:        http.MethodPost,
		Payload:       []byte(`{"memberDid":"did:reg:m","coopDid":"did:reg:c"}`),
		MaxAttempts:   maxAttempts,
		NextAttemptAt: clock.Now().Format(time.RFC3339),
	}
	if err := r.InsertOutbox(context.Background(), msg); err != nil {
		t.Fatalf("insert outbox: %v", err)
	}
	return msg.ID
}

func TestPollDeliversAndMarksSent(t *testing.T) {
	var gotPath, gotBody string
	p, r, srv, clock := newTestPoller(t, func(w http.ResponseWriter, req *http.Request) {
		gotPath = req.URL.Path
		buf := make([]byte, 1024)
		n, _ := req.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusAccepted)
	})
	id := enqueue(t, r, clock, srv.URL, 5)

	if n := p.Poll(context.Background()); n != 1 {
		t.Fatalf("poll processed %d messages, want 1", n)
	}
	msg, err := r.GetOutbox(context.Background(), id)
	if err != nil {
		t.Fatalf("get outbox: %v", err)
	}
	if msg.Status != domain.OutboxSent {
		t.Fatalf("status %q, want sent", msg.Status)
	}
	if msg.SentAt == nil || msg.CompletedAt == nil {
		t.Fatalf("sent/completed timestamps missing: %+v", msg)
	}
	if gotPath != "/federation/membership/request" {
		t.Fatalf("delivered to %q", gotPath)
	}
	if !strings.Contains(gotBody, "memberDid") {
		t.Fatalf("payload not delivered: %q", gotBody)
	}
}

func TestPollRetriesWithBackoffThenSucceeds(t *testing.T) {
	var calls int
	p, r, srv, clock := newTestPoller(t, func(w http.ResponseWriter, req *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	id := enqueue(t, r, clock, srv.URL, 5)
	ctx := context.Background()

	p.Poll(ctx)
	msg, err := r.GetOutbox(ctx, id)
	if err != nil {
		t.Fatalf("get outbox: %v", err)
	}
	if msg.Status != domain.OutboxFailed || msg.Attempts != 1 {
		t.Fatalf("after first failure status=%q attempts=%d", msg.Status, msg.Attempts)
	}
	if !strings.Contains(msg.LastError, "503") {
		t.Fatalf("last_error %q does not carry the remote status", msg.LastError)
	}
	want := clock.Now().Add(10 * time.Second).Format(time.RFC3339)
	if msg.NextAttemptAt != want {
		t.Fatalf("next_attempt_at %q, want %q", msg.NextAttemptAt, want)
	}

	// Not due yet, nothing to claim.
	if n := p.Poll(ctx); n != 0 {
		t.Fatalf("claimed %d messages before retry window", n)
	}

	clock.Advance(10 * time.Second)
	p.Poll(ctx)
	msg, _ = r.GetOutbox(ctx, id)
	if msg.Status != domain.OutboxFailed || msg.Attempts != 2 {
		t.Fatalf("after second failure status=%q attempts=%d", msg.Status, msg.Attempts)
	}
	// Second retry doubles the delay.
	want = clock.Now().Add(20 * time.Second).Format(time.RFC3339)
	if msg.NextAttemptAt != want {
		t.Fatalf("next_attempt_at %q, want %q", msg.NextAttemptAt, want)
	}

	clock.Advance(20 * time.Second)
	p.Poll(ctx)
	msg, _ = r.GetOutbox(ctx, id)
	if msg.Status != domain.OutboxSent {
		t.Fatalf("status %q after recovery, want sent", msg.Status)
	}
	if msg.LastError != "" {
		t.Fatalf("last_error not cleared on success: %q", msg.LastError)
	}
}

func TestPollDeadLettersAfterMaxAttempts(t *testing.T) {
	p, r, srv, clock := newTestPoller(t, func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "permanently broken", http.StatusBadGateway)
	})
	id := enqueue(t, r, clock, srv.URL, 2)
	ctx := context.Background()

	p.Poll(ctx)
	clock.Advance(time.Hour)
	p.Poll(ctx)

	msg, err := r.GetOutbox(ctx, id)
	if err != nil {
		t.Fatalf("get outbox: %v", err)
	}
	if msg.Status != domain.OutboxDead {
		t.Fatalf("status %q, want dead", msg.Status)
	}
	if msg.Attempts != 2 {
		t.Fatalf("attempts %d, want 2", msg.Attempts)
	}
	if !strings.Contains(msg.LastError, "502") {
		t.Fatalf("last_error %q", msg.LastError)
	}

	// Dead messages stay dead until someone retries them by hand.
	clock.Advance(24 * time.Hour)
	if n := p.Poll(ctx); n != 0 {
		t.Fatalf("poller resurrected a dead message")
	}
	if err := r.RetryOutbox(ctx, id); err != nil {
		t.Fatalf("retry outbox: %v", err)
	}
	msg, _ = r.GetOutbox(ctx, id)
	if msg.Status != domain.OutboxPending || msg.Attempts != 0 {
		t.Fatalf("after manual retry status=%q attempts=%d", msg.Status, msg.Attempts)
	}
}

func TestPollReclaimsStaleSending(t *testing.T) {
	var calls int
	p, r, srv, clock := newTestPoller(t, func(w http.ResponseWriter, req *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	})
	id := enqueue(t, r, clock, srv.URL, 5)
	ctx := context.Background()

	// Claim without finishing, as a crashed cycle would.
	claimed, err := r.ClaimDueOutbox(ctx, clock.Now(), p.SendingGrace, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d, want 1", len(claimed))
	}

	// Within the grace window the row is off limits.
	clock.Advance(time.Minute)
	if n := p.Poll(ctx); n != 0 {
		t.Fatalf("reclaimed a sending row inside the grace window")
	}

	clock.Advance(10 * time.Minute)
	if n := p.Poll(ctx); n != 1 {
		t.Fatalf("stale sending row not reclaimed")
	}
	msg, _ := r.GetOutbox(ctx, id)
	if msg.Status != domain.OutboxSent {
		t.Fatalf("status %q after reclaim, want sent", msg.Status)
	}
	if calls != 1 {
		t.Fatalf("delivered %d times, want 1", calls)
	}
}

func TestBackoffCapped(t *testing.T) {
	p := &Poller{BackoffBase: 10 * time.Second, BackoffMax: time.Minute}
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, time.Minute},
		{10, time.Minute},
	}
	for _, c := range cases {
		if got := p.backoff(c.attempts); got != c.want {
			t.Fatalf("backoff(%d) = %s, want %s", c.attempts, got, c.want)
		}
	}
}
