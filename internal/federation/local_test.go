package federation

import (
	"context"
	"testing"

	"coopmesh/internal/db"
	"coopmesh/internal/domain"
	"coopmesh/internal/events"
	"coopmesh/internal/indexer"
	"coopmesh/internal/migrate"
	"coopmesh/internal/repo"
	"coopmesh/internal/service"
)

func newLocal(t *testing.T) (Local, repo.Repo) {
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
	svc := service.Service{
		DB:      conn,
		Repo:    r,
		Events:  events.Writer{DB: conn},
		Indexer: indexer.Indexer{Repo: r},
	}
	return Local{Service: svc}, r
}

func TestLocalDispatchesInProcess(t *testing.T) {
	l, r := newLocal(t)
	ctx := context.Background()

	if err := l.RequestMembership(ctx, senderDID, targetDID); err != nil {
		t.Fatalf("request membership: %v", err)
	}
	if err := l.ApproveMembership(ctx, targetDID, senderDID, []string{"member"}); err != nil {
		t.Fatalf("approve membership: %v", err)
	}
	m, err := r.GetOpenMembership(ctx, senderDID, targetDID)
	if err != nil {
		t.Fatalf("get membership: %v", err)
	}
	if m.Status != domain.MembershipActive {
		t.Fatalf("status %q, want active", m.Status)
	}
}

func TestLocalHubOpsAreNoOps(t *testing.T) {
	l, r := newLocal(t)
	ctx := context.Background()

	if err := l.RegisterWithHub(ctx); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := l.NotifyHub(ctx, "membership.activated", nil); err != nil {
		t.Fatalf("notify: %v", err)
	}
	msgs, err := r.ListOutbox(ctx, "", 10)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("standalone topology enqueued %d messages", len(msgs))
	}
}
