package federation

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"coopmesh/internal/domain"
	"coopmesh/internal/httpsig"
	"coopmesh/internal/identity"
	"coopmesh/internal/repo"
)

const maxResponseBody = 4096

// HTTP delivers operations to remote instances: resolve the
// counterparty's identifier document, extract its federation service
// endpoint, sign, POST. Hub notifications go through the outbox
// instead of inline delivery so a hub outage never fails the local
// write.
type HTTP struct {
	Resolver identity.Resolver
	Client   *http.Client
	Repo     repo.Repo

	// InstanceDID and Key sign every outbound request.
	InstanceDID string
	Key         *ecdsa.PrivateKey

	// BaseURL is this instance's public URL, sent on hub registration.
	BaseURL string
	// HubURL is the hub's federation endpoint, when configured.
	HubURL string

	MaxAttempts int
	Now         func() time.Time
}

var _ Client = &HTTP{}

func (c *HTTP) ResolveEntity(ctx context.Context, did string) (domain.IdentifierDocument, error) {
	return c.Resolver.Resolve(ctx, did)
}

func (c *HTTP) RequestMembership(ctx context.Context, memberDID, coopDID string) error {
	return c.postTo(ctx, coopDID, PathMembershipRequest, MembershipRequestBody{MemberDID: memberDID, CoopDID: coopDID})
}

func (c *HTTP) ApproveMembership(ctx context.Context, coopDID, memberDID string, roles []string) error {
	return c.postTo(ctx, memberDID, PathMembershipApprove, MembershipApprovalBody{CoopDID: coopDID, MemberDID: memberDID, Roles: roles})
}

func (c *HTTP) RequestSignature(ctx context.Context, coopDID, agreementURI, signerDID string, payload map[string]any) error {
	return c.postTo(ctx, signerDID, PathSignRequest, SignatureRequestBody{
		CoopDID: coopDID, AgreementURI: agreementURI, SignerDID: signerDID, Payload: payload,
	})
}

func (c *HTTP) SubmitSignature(ctx context.Context, signerDID, agreementURI, coopDID string, payload map[string]any) error {
	return c.postTo(ctx, coopDID, PathSignature, SignatureBody{
		SignerDID: signerDID, AgreementURI: agreementURI, CoopDID: coopDID,
		Status: domain.SignatureSigned, Payload: payload,
	})
}

func (c *HTTP) RejectSignature(ctx context.Context, signerDID, agreementURI, coopDID string) error {
	return c.postTo(ctx, coopDID, PathSignature, SignatureBody{
		SignerDID: signerDID, AgreementURI: agreementURI, CoopDID: coopDID,
		Status: domain.SignatureRejected,
	})
}

func (c *HTTP) CancelSignatureRequest(ctx context.Context, coopDID, agreementURI, signerDID string) error {
	return c.postTo(ctx, signerDID, PathSignature, SignatureBody{
		SignerDID: signerDID, AgreementURI: agreementURI, CoopDID: coopDID,
		Status: domain.SignatureCanceled,
	})
}

func (c *HTTP) RetractSignature(ctx context.Context, signerDID, agreementURI, coopDID string) error {
	return c.postTo(ctx, coopDID, PathSignature, SignatureBody{
		SignerDID: signerDID, AgreementURI: agreementURI, CoopDID: coopDID,
		Status: domain.SignatureRetracted,
	})
}

// RegisterWithHub is synchronous: registration failures should surface
// to the operator immediately, not sit in the retry queue.
func (c *HTTP) RegisterWithHub(ctx context.Context) error {
	if c.HubURL == "" {
		return fmt.Errorf("no hub configured")
	}
	return c.post(ctx, c.HubURL, PathHubRegister, HubRegisterBody{CoopDID: c.InstanceDID, BaseURL: c.BaseURL})
}

// NotifyHub enqueues the notification on the outbox. Delivery is
// asynchronous with retry; the caller's write never waits on the hub.
func (c *HTTP) NotifyHub(ctx context.Context, kind string, payload map[string]any) error {
	if c.HubURL == "" {
		return fmt.Errorf("no hub configured")
	}
	body, err := json.Marshal(HubNotifyBody{CoopDID: c.InstanceDID, Kind: kind, Payload: payload})
	if err != nil {
		return err
	}
	maxAttempts := c.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return c.Repo.InsertOutbox(ctx, domain.OutboxMessage{
		ID:          uuid.NewString(),
		TargetURL:   c.HubURL,
		Endpoint:    PathHubNotify,
		Method:      http.MethodPost,
		Payload:     body,
		MaxAttempts: maxAttempts,
	})
}

func (c *HTTP) FetchCoopProfile(ctx context.Context, did string) (domain.CoopProfile, error) {
	var p domain.CoopProfile
	base, err := c.serviceEndpoint(ctx, did)
	if err != nil {
		return p, err
	}
	err = c.getJSON(ctx, base+"/federation/coop/"+url.PathEscape(did)+"/profile", &p)
	return p, err
}

func (c *HTTP) SearchCoopProfiles(ctx context.Context, query string) ([]domain.CoopProfile, error) {
	if c.HubURL == "" {
		return nil, fmt.Errorf("no hub configured")
	}
	var out struct {
		Profiles []domain.CoopProfile `json:"profiles"`
	}
	err := c.getJSON(ctx, c.HubURL+"/federation/coop/search?q="+url.QueryEscape(query), &out)
	return out.Profiles, err
}

// serviceEndpoint resolves a DID to its federation base URL.
func (c *HTTP) serviceEndpoint(ctx context.Context, did string) (string, error) {
	doc, err := c.Resolver.Resolve(ctx, did)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", did, err)
	}
	endpoint := doc.FindService(domain.FederationServiceType)
	if endpoint == "" {
		return "", fmt.Errorf("%s has no federation service endpoint", did)
	}
	return endpoint, nil
}

func (c *HTTP) postTo(ctx context.Context, did, path string, body any) error {
	base, err := c.serviceEndpoint(ctx, did)
	if err != nil {
		return err
	}
	return c.post(ctx, base, path, body)
}

func (c *HTTP) post(ctx context.Context, base, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	target := base + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	keyID := c.InstanceDID + "#coopmesh"
	if err := httpsig.Sign(req.Header, http.MethodPost, target, payload, c.Key, keyID, c.now()); err != nil {
		return err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		return &DeliveryError{Status: resp.StatusCode, Body: string(data)}
	}
	return nil
}

func (c *HTTP) getJSON(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		return &DeliveryError{Status: resp.StatusCode, Body: string(data)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTP) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (c *HTTP) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
