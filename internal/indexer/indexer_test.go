package indexer

import (
	"context"
	"testing"
	"time"

	"coopmesh/internal/db"
	"coopmesh/internal/domain"
	"coopmesh/internal/firehose"
	"coopmesh/internal/migrate"
	"coopmesh/internal/repo"
)

const (
	memberDID = "did:reg:member000000000000000000"
	coopDID   = "did:reg:coop0000000000000000000000"
)

func newTestIndexer(t *testing.T) (Indexer, repo.Repo) {
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
	return Indexer{Repo: r}, r
}

func requestEvent(seq int64, rkey string) domain.ChangeEvent {
	return domain.ChangeEvent{
		Seq:         seq,
		AuthorDID:   memberDID,
		Action:      domain.ActionCreate,
		LocationURI: firehose.LocationURI(memberDID, domain.CollectionMembershipRequest, rkey),
		Record: map[string]any{
			"$type": domain.CollectionMembershipRequest,
			"coop":  coopDID,
		},
		Time: time.Now().UTC().Format(time.RFC3339),
	}
}

func approvalEvent(seq int64, rkey string, roles ...string) domain.ChangeEvent {
	record := map[string]any{
		"$type":  domain.CollectionMembershipApproval,
		"member": memberDID,
	}
	if len(roles) > 0 {
		anyRoles := make([]any, len(roles))
		for i, r := range roles {
			anyRoles[i] = r
		}
		record["roles"] = anyRoles
	}
	return domain.ChangeEvent{
		Seq:         seq,
		AuthorDID:   coopDID,
		Action:      domain.ActionCreate,
		LocationURI: firehose.LocationURI(coopDID, domain.CollectionMembershipApproval, rkey),
		Record:      record,
		Time:        time.Now().UTC().Format(time.RFC3339),
	}
}

func deleteEvent(evt domain.ChangeEvent) domain.ChangeEvent {
	evt.Action = domain.ActionDelete
	evt.Record = nil
	return evt
}

func TestMembershipConvergesRequestThenApproval(t *testing.T) {
	ix, r := newTestIndexer(t)
	ctx := context.Background()

	if err := ix.Apply(ctx, requestEvent(1, "req1")); err != nil {
		t.Fatalf("apply request: %v", err)
	}
	m, err := r.GetOpenMembership(ctx, memberDID, coopDID)
	if err != nil {
		t.Fatalf("get membership: %v", err)
	}
	if m.Status != domain.MembershipPending {
		t.Fatalf("after one side status %q, want pending", m.Status)
	}

	if err := ix.Apply(ctx, approvalEvent(2, "app1", "member")); err != nil {
		t.Fatalf("apply approval: %v", err)
	}
	m, err = r.GetOpenMembership(ctx, memberDID, coopDID)
	if err != nil {
		t.Fatalf("get membership: %v", err)
	}
	if m.Status != domain.MembershipActive {
		t.Fatalf("status %q, want active", m.Status)
	}
	if len(m.Roles) != 1 || m.Roles[0] != "member" {
		t.Fatalf("roles %v, want [member]", m.Roles)
	}
	if m.RequestURI == nil || m.ApprovalURI == nil {
		t.Fatalf("both assertion URIs must be set: %+v", m)
	}
}

func TestMembershipConvergesApprovalThenRequest(t *testing.T) {
	ix, r := newTestIndexer(t)
	ctx := context.Background()

	if err := ix.Apply(ctx, approvalEvent(1, "app1")); err != nil {
		t.Fatalf("apply approval: %v", err)
	}
	if err := ix.Apply(ctx, requestEvent(2, "req1")); err != nil {
		t.Fatalf("apply request: %v", err)
	}
	m, err := r.GetOpenMembership(ctx, memberDID, coopDID)
	if err != nil {
		t.Fatalf("get membership: %v", err)
	}
	if m.Status != domain.MembershipActive {
		t.Fatalf("reverse order status %q, want active", m.Status)
	}
}

func TestMembershipApplyIsIdempotent(t *testing.T) {
	ix, r := newTestIndexer(t)
	ctx := context.Background()

	req := requestEvent(1, "req1")
	app := approvalEvent(2, "app1")
	for _, evt := range []domain.ChangeEvent{req, app, req, app, app} {
		if err := ix.Apply(ctx, evt); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	rows, err := r.ListMemberships(ctx, repo.MembershipFilters{MemberDID: memberDID, CoopDID: coopDID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("re-delivery created %d rows, want 1", len(rows))
	}
	if rows[0].Status != domain.MembershipActive {
		t.Fatalf("status %q, want active", rows[0].Status)
	}
}

func TestMembershipDeleteOfRequestDeparts(t *testing.T) {
	ix, r := newTestIndexer(t)
	ctx := context.Background()

	req := requestEvent(1, "req1")
	if err := ix.Apply(ctx, req); err != nil {
		t.Fatalf("apply request: %v", err)
	}
	if err := ix.Apply(ctx, approvalEvent(2, "app1")); err != nil {
		t.Fatalf("apply approval: %v", err)
	}
	if err := ix.Apply(ctx, deleteEvent(req)); err != nil {
		t.Fatalf("apply delete: %v", err)
	}

	// The open lookup no longer matches, but the row is retained.
	if _, err := r.GetOpenMembership(ctx, memberDID, coopDID); err == nil {
		t.Fatalf("invalidated membership still open")
	}
	rows, err := r.ListMemberships(ctx, repo.MembershipFilters{MemberDID: memberDID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("history row missing, got %d rows", len(rows))
	}
	if rows[0].Status != domain.MembershipDeparted {
		t.Fatalf("status %q, want departed", rows[0].Status)
	}
	if rows[0].InvalidatedAt == nil {
		t.Fatalf("invalidated_at not set")
	}

	// Replaying the delete is a no-op.
	if err := ix.Apply(ctx, deleteEvent(req)); err != nil {
		t.Fatalf("replayed delete: %v", err)
	}
}

func TestMembershipDeleteOfApprovalSuspends(t *testing.T) {
	ix, r := newTestIndexer(t)
	ctx := context.Background()

	app := approvalEvent(1, "app1")
	if err := ix.Apply(ctx, requestEvent(2, "req1")); err != nil {
		t.Fatalf("apply request: %v", err)
	}
	if err := ix.Apply(ctx, app); err != nil {
		t.Fatalf("apply approval: %v", err)
	}
	if err := ix.Apply(ctx, deleteEvent(app)); err != nil {
		t.Fatalf("apply delete: %v", err)
	}
	rows, err := r.ListMemberships(ctx, repo.MembershipFilters{MemberDID: memberDID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != domain.MembershipSuspended {
		t.Fatalf("rows %+v, want one suspended", rows)
	}
}

func TestMembershipActivationNotifies(t *testing.T) {
	ix, _ := newTestIndexer(t)
	ctx := context.Background()

	activated := make(chan domain.Membership, 1)
	ix.Notifier = NotifierFunc(func(m domain.Membership) {
		activated <- m
	})

	if err := ix.Apply(ctx, requestEvent(1, "req1")); err != nil {
		t.Fatalf("apply request: %v", err)
	}
	select {
	case <-activated:
		t.Fatalf("notified before both sides present")
	case <-time.After(50 * time.Millisecond):
	}

	if err := ix.Apply(ctx, approvalEvent(2, "app1")); err != nil {
		t.Fatalf("apply approval: %v", err)
	}
	select {
	case m := <-activated:
		if m.Status != domain.MembershipActive {
			t.Fatalf("notified with status %q", m.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("activation notification not delivered")
	}

	// Re-delivery of the approval must not notify again.
	if err := ix.Apply(ctx, approvalEvent(2, "app1")); err != nil {
		t.Fatalf("replay approval: %v", err)
	}
	select {
	case <-activated:
		t.Fatalf("replay triggered a second notification")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAgreementSignatureLifecycle(t *testing.T) {
	ix, r := newTestIndexer(t)
	ctx := context.Background()
	agreement := firehose.LocationURI(coopDID, "coop.agreement", "charter")

	request := domain.ChangeEvent{
		Seq:         1,
		AuthorDID:   coopDID,
		Action:      domain.ActionCreate,
		LocationURI: firehose.LocationURI(coopDID, domain.CollectionAgreementSignature, "sig-req"),
		Record: map[string]any{
			"agreement": agreement,
			"signer":    memberDID,
			"coop":      coopDID,
			"status":    domain.SignatureRequested,
		},
	}
	if err := ix.Apply(ctx, request); err != nil {
		t.Fatalf("apply request: %v", err)
	}
	sig, err := r.GetAgreementSignature(ctx, agreement, memberDID)
	if err != nil {
		t.Fatalf("get signature: %v", err)
	}
	if sig.Status != domain.SignatureRequested {
		t.Fatalf("status %q, want requested", sig.Status)
	}

	// The signer's record converges onto the same row.
	signed := domain.ChangeEvent{
		Seq:         2,
		AuthorDID:   memberDID,
		Action:      domain.ActionCreate,
		LocationURI: firehose.LocationURI(memberDID, domain.CollectionAgreementSignature, "sig1"),
		Record: map[string]any{
			"agreement": agreement,
			"coop":      coopDID,
			"status":    domain.SignatureSigned,
			"payload":   map[string]any{"hash": "sha256:deadbeef"},
		},
	}
	if err := ix.Apply(ctx, signed); err != nil {
		t.Fatalf("apply signature: %v", err)
	}
	sigs, err := r.ListAgreementSignatures(ctx, agreement)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sigs) != 1 {
		t.Fatalf("expected 1 converged row, got %d", len(sigs))
	}
	if sigs[0].Status != domain.SignatureSigned {
		t.Fatalf("status %q, want signed", sigs[0].Status)
	}
	if sigs[0].PayloadJSON == nil {
		t.Fatalf("payload not stored")
	}
}

func TestProfileUpsert(t *testing.T) {
	ix, r := newTestIndexer(t)
	ctx := context.Background()

	evt := domain.ChangeEvent{
		Seq:         1,
		AuthorDID:   coopDID,
		Action:      domain.ActionUpdate,
		LocationURI: firehose.LocationURI(coopDID, domain.CollectionProfile, "self"),
		Record: map[string]any{
			"handle":      "sunrise",
			"name":        "Sunrise Cooperative",
			"description": "worker-owned bakery",
		},
		Time: "2026-02-03T04:05:06Z",
	}
	if err := ix.Apply(ctx, evt); err != nil {
		t.Fatalf("apply profile: %v", err)
	}
	p, err := r.GetCoopProfile(ctx, coopDID)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if p.Name != "Sunrise Cooperative" || p.Handle != "sunrise" {
		t.Fatalf("unexpected profile %+v", p)
	}

	found, err := r.SearchCoopProfiles(ctx, "sunrise", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("search returned %d rows", len(found))
	}
}

func TestUnindexedCollectionsAreIgnored(t *testing.T) {
	ix, _ := newTestIndexer(t)
	evt := domain.ChangeEvent{
		AuthorDID:   coopDID,
		Action:      domain.ActionCreate,
		LocationURI: firehose.LocationURI(coopDID, "coop.proposal", "p1"),
		Record:      map[string]any{"title": "irrelevant"},
	}
	if err := ix.Apply(context.Background(), evt); err != nil {
		t.Fatalf("unknown collection must be ignored: %v", err)
	}
}
