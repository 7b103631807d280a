package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"coopmesh/internal/domain"
	"coopmesh/internal/firehose"
	"coopmesh/internal/repo"
)

// RequestMembership records the member's side of a membership: a
// request naming the cooperative, authored by the member. Returns the
// record location of the request.
func (s Service) RequestMembership(ctx context.Context, memberDID, coopDID string) (string, error) {
	if memberDID == "" || coopDID == "" {
		return "", fmt.Errorf("membership request needs member and cooperative identifiers")
	}
	m, err := s.Repo.GetOpenMembership(ctx, memberDID, coopDID)
	if err == nil && m.RequestURI != nil {
		// Re-requesting an open membership is a no-op, not a new record.
		return *m.RequestURI, nil
	}
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	record := map[string]any{
		"$type":     domain.CollectionMembershipRequest,
		"coop":      coopDID,
		"createdAt": s.now().UTC().Format(time.RFC3339),
	}
	return s.writeRecord(ctx, memberDID, domain.ActionCreate, domain.CollectionMembershipRequest, uuid.NewString(), record)
}

// ApproveMembership records the cooperative's side: an approval naming
// the member, optionally with roles.
func (s Service) ApproveMembership(ctx context.Context, coopDID, memberDID string, roles []string) (string, error) {
	if memberDID == "" || coopDID == "" {
		return "", fmt.Errorf("membership approval needs member and cooperative identifiers")
	}
	m, err := s.Repo.GetOpenMembership(ctx, memberDID, coopDID)
	if err == nil && m.ApprovalURI != nil {
		return *m.ApprovalURI, nil
	}
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	record := map[string]any{
		"$type":     domain.CollectionMembershipApproval,
		"member":    memberDID,
		"createdAt": s.now().UTC().Format(time.RFC3339),
	}
	if len(roles) > 0 {
		anyRoles := make([]any, len(roles))
		for i, r := range roles {
			anyRoles[i] = r
		}
		record["roles"] = anyRoles
	}
	return s.writeRecord(ctx, coopDID, domain.ActionCreate, domain.CollectionMembershipApproval, uuid.NewString(), record)
}

// LeaveCooperative withdraws the member's request: the open membership
// transitions to departed.
func (s Service) LeaveCooperative(ctx context.Context, memberDID, coopDID string) error {
	return s.withdraw(ctx, memberDID, coopDID, true)
}

// RevokeMembership withdraws the cooperative's approval: the open
// membership transitions to suspended.
func (s Service) RevokeMembership(ctx context.Context, coopDID, memberDID string) error {
	return s.withdraw(ctx, memberDID, coopDID, false)
}

func (s Service) withdraw(ctx context.Context, memberDID, coopDID string, request bool) error {
	m, err := s.Repo.GetOpenMembership(ctx, memberDID, coopDID)
	if err != nil {
		return err
	}
	var uri *string
	if request {
		uri = m.RequestURI
	} else {
		uri = m.ApprovalURI
	}
	if uri == nil {
		return fmt.Errorf("membership %s has no assertion to withdraw", m.ID)
	}
	did, collection, rkey, err := firehose.ParseLocationURI(*uri)
	if err != nil {
		return err
	}
	_, err = s.writeRecord(ctx, did, domain.ActionDelete, collection, rkey, nil)
	return err
}

// ListMemberships exposes the materialized read model.
func (s Service) ListMemberships(ctx context.Context, f repo.MembershipFilters) ([]domain.Membership, error) {
	return s.Repo.ListMemberships(ctx, f)
}
