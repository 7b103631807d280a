package indexer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"coopmesh/internal/domain"
	"coopmesh/internal/repo"
)

// A membership is the join of two independently authored assertions:
// the member's request (coop named in the record, author is the
// member) and the cooperative's approval (member named in the record,
// author is the cooperative). Either may arrive first; both applies
// merge into one row keyed on the open (member, coop) pair.

func (ix Indexer) applyMembershipRequest(ctx context.Context, evt domain.ChangeEvent) error {
	if evt.Action == domain.ActionDelete {
		return ix.withdrawAssertion(ctx, evt.LocationURI, domain.MembershipDeparted)
	}
	coopDID := recordString(evt.Record, "coop")
	if coopDID == "" {
		return fmt.Errorf("membership request %s names no cooperative", evt.LocationURI)
	}
	return ix.mergeAssertion(ctx, evt.AuthorDID, coopDID, assertion{
		uri:     evt.LocationURI,
		request: true,
		time:    evt.Time,
	})
}

func (ix Indexer) applyMembershipApproval(ctx context.Context, evt domain.ChangeEvent) error {
	if evt.Action == domain.ActionDelete {
		return ix.withdrawAssertion(ctx, evt.LocationURI, domain.MembershipSuspended)
	}
	memberDID := recordString(evt.Record, "member")
	if memberDID == "" {
		return fmt.Errorf("membership approval %s names no member", evt.LocationURI)
	}
	return ix.mergeAssertion(ctx, memberDID, evt.AuthorDID, assertion{
		uri:   evt.LocationURI,
		roles: recordStrings(evt.Record, "roles"),
		time:  evt.Time,
	})
}

type assertion struct {
	uri     string
	request bool
	roles   []string
	time    string
}

func setAssertion(m *domain.Membership, a assertion) {
	uri := a.uri
	if a.request {
		m.RequestURI = &uri
	} else {
		m.ApprovalURI = &uri
		if len(a.roles) > 0 {
			m.Roles = a.roles
		}
	}
}

func (ix Indexer) mergeAssertion(ctx context.Context, memberDID, coopDID string, a assertion) error {
	m, err := ix.Repo.GetOpenMembership(ctx, memberDID, coopDID)
	if errors.Is(err, repo.ErrNotFound) {
		m = domain.Membership{
			ID:        uuid.NewString(),
			MemberDID: memberDID,
			CoopDID:   coopDID,
			Status:    domain.MembershipPending,
			CreatedAt: a.time,
		}
		setAssertion(&m, a)
		return ix.Repo.InsertMembership(ctx, m)
	}
	if err != nil {
		return err
	}
	wasActive := m.Status == domain.MembershipActive
	setAssertion(&m, a)
	if m.RequestURI != nil && m.ApprovalURI != nil {
		m.Status = domain.MembershipActive
	}
	if err := ix.Repo.UpdateMembership(ctx, m); err != nil {
		return err
	}
	if !wasActive && m.Status == domain.MembershipActive {
		ix.logf("indexer: membership %s active (member=%s coop=%s)", m.ID, m.MemberDID, m.CoopDID)
		ix.notifyActivated(m)
	}
	return nil
}

// withdrawAssertion handles a delete of either side: the row moves to
// a terminal status and is invalidated, never removed. A delete for an
// assertion we never saw, or saw and already invalidated, is a replay
// and a no-op.
func (ix Indexer) withdrawAssertion(ctx context.Context, uri, terminal string) error {
	m, err := ix.Repo.GetMembershipByAssertion(ctx, uri)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	m.Status = terminal
	now := nowRFC3339()
	m.InvalidatedAt = &now
	return ix.Repo.UpdateMembership(ctx, m)
}
