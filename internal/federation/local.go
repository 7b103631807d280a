package federation

import (
	"context"

	"coopmesh/internal/domain"
	"coopmesh/internal/identity"
	"coopmesh/internal/service"
)

// Local dispatches every operation as a direct in-process mutation.
// Used in standalone topology, where this instance is the only
// instance: hub registration and notification are no-ops because
// there is no hub.
type Local struct {
	Service  service.Service
	Resolver identity.Resolver
}

var _ Client = Local{}

func (l Local) ResolveEntity(ctx context.Context, did string) (domain.IdentifierDocument, error) {
	return l.Resolver.Resolve(ctx, did)
}

func (l Local) RequestMembership(ctx context.Context, memberDID, coopDID string) error {
	_, err := l.Service.RequestMembership(ctx, memberDID, coopDID)
	return err
}

func (l Local) ApproveMembership(ctx context.Context, coopDID, memberDID string, roles []string) error {
	_, err := l.Service.ApproveMembership(ctx, coopDID, memberDID, roles)
	return err
}

func (l Local) RequestSignature(ctx context.Context, coopDID, agreementURI, signerDID string, payload map[string]any) error {
	_, err := l.Service.RequestSignature(ctx, coopDID, agreementURI, signerDID, payload)
	return err
}

func (l Local) SubmitSignature(ctx context.Context, signerDID, agreementURI, coopDID string, payload map[string]any) error {
	_, err := l.Service.SubmitSignature(ctx, signerDID, agreementURI, coopDID, payload)
	return err
}

func (l Local) RejectSignature(ctx context.Context, signerDID, agreementURI, coopDID string) error {
	_, err := l.Service.RejectSignature(ctx, signerDID, agreementURI, coopDID)
	return err
}

func (l Local) CancelSignatureRequest(ctx context.Context, coopDID, agreementURI, signerDID string) error {
	_, err := l.Service.CancelSignatureRequest(ctx, coopDID, agreementURI, signerDID)
	return err
}

func (l Local) RetractSignature(ctx context.Context, signerDID, agreementURI, coopDID string) error {
	_, err := l.Service.RetractSignature(ctx, signerDID, agreementURI, coopDID)
	return err
}

func (l Local) RegisterWithHub(ctx context.Context) error { return nil }

func (l Local) NotifyHub(ctx context.Context, kind string, payload map[string]any) error { return nil }

func (l Local) FetchCoopProfile(ctx context.Context, did string) (domain.CoopProfile, error) {
	return l.Service.GetProfile(ctx, did)
}

func (l Local) SearchCoopProfiles(ctx context.Context, query string) ([]domain.CoopProfile, error) {
	return l.Service.SearchProfiles(ctx, query, 50)
}
