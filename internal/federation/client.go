// Package federation is the topology-agnostic client for
// cross-instance operations. Standalone deployments dispatch directly
// into the local services; federated deployments resolve the
// counterparty's identifier document and issue signed HTTP requests to
// its federation service endpoint. Callers depend only on Client.
package federation

import (
	"context"
	"fmt"

	"coopmesh/internal/domain"
)

type Client interface {
	// ResolveEntity produces the identifier document for a DID.
	ResolveEntity(ctx context.Context, did string) (domain.IdentifierDocument, error)

	RequestMembership(ctx context.Context, memberDID, coopDID string) error
	ApproveMembership(ctx context.Context, coopDID, memberDID string, roles []string) error

	RequestSignature(ctx context.Context, coopDID, agreementURI, signerDID string, payload map[string]any) error
	SubmitSignature(ctx context.Context, signerDID, agreementURI, coopDID string, payload map[string]any) error
	RejectSignature(ctx context.Context, signerDID, agreementURI, coopDID string) error
	CancelSignatureRequest(ctx context.Context, coopDID, agreementURI, signerDID string) error
	RetractSignature(ctx context.Context, signerDID, agreementURI, coopDID string) error

	RegisterWithHub(ctx context.Context) error
	NotifyHub(ctx context.Context, kind string, payload map[string]any) error

	FetchCoopProfile(ctx context.Context, did string) (domain.CoopProfile, error)
	SearchCoopProfiles(ctx context.Context, query string) ([]domain.CoopProfile, error)
}

// DeliveryError is a non-2xx response from a remote instance.
type DeliveryError struct {
	Status int
	Body   string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("remote returned %d: %s", e.Status, e.Body)
}

// Wire bodies shared by the HTTP client and the receiving endpoints.

type MembershipRequestBody struct {
	MemberDID string `json:"memberDid"`
	CoopDID   string `json:"coopDid"`
}

type MembershipApprovalBody struct {
	CoopDID   string   `json:"coopDid"`
	MemberDID string   `json:"memberDid"`
	Roles     []string `json:"roles,omitempty"`
}

type SignatureRequestBody struct {
	CoopDID      string         `json:"coopDid"`
	AgreementURI string         `json:"agreementUri"`
	SignerDID    string         `json:"signerDid"`
	Payload      map[string]any `json:"payload,omitempty"`
}

type SignatureBody struct {
	SignerDID    string         `json:"signerDid"`
	AgreementURI string         `json:"agreementUri"`
	CoopDID      string         `json:"coopDid"`
	Status       string         `json:"status" enum:"signed,rejected,canceled,retracted"`
	Payload      map[string]any `json:"payload,omitempty"`
}

type HubRegisterBody struct {
	CoopDID string `json:"coopDid"`
	BaseURL string `json:"baseUrl"`
}

type HubNotifyBody struct {
	CoopDID string         `json:"coopDid"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Receiving paths. Fixed contract between instances.
const (
	PathMembershipRequest = "/federation/membership/request"
	PathMembershipApprove = "/federation/membership/approve"
	PathSignRequest       = "/federation/agreement/sign-request"
	PathSignature         = "/federation/agreement/signature"
	PathHubRegister       = "/federation/hub/register"
	PathHubNotify         = "/federation/hub/notify"
)
