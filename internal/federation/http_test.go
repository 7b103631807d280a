package federation

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"coopmesh/internal/db"
	"coopmesh/internal/domain"
	"coopmesh/internal/httpsig"
	"coopmesh/internal/keystore"
	"coopmesh/internal/migrate"
	"coopmesh/internal/repo"
)

const (
	senderDID = "did:reg:sender000000000000000000"
	targetDID = "did:reg:target000000000000000000"
)

// endpointResolver serves fixed documents: the target carries a
// federation service endpoint, the sender a verification key.
type endpointResolver struct {
	endpoint  string
	senderKey *ecdsa.PublicKey
}

func (r endpointResolver) Resolve(_ context.Context, did string) (domain.IdentifierDocument, error) {
	doc := domain.IdentifierDocument{ID: did}
	switch did {
	case targetDID:
		doc.Service = []domain.ServiceEndpoint{{
			ID:              did + "#coop_federation",
			Type:            domain.FederationServiceType,
			ServiceEndpoint: r.endpoint,
		}}
	case senderDID:
		doc.VerificationMethod = []domain.VerificationMethod{{
			ID:                 did + "#coopmesh",
			Type:               "Multikey",
			Controller:         did,
			PublicKeyMultibase: keystore.EncodePublicMultibase(r.senderKey),
		}}
	default:
		return doc, fmt.Errorf("unknown identifier %s", did)
	}
	return doc, nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*HTTP, *httptest.Server, endpointResolver) {
	t.Helper()
	key, err := keystore.Generate()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	resolver := endpointResolver{endpoint: srv.URL, senderKey: &key.PublicKey}
	c := &HTTP{
		Resolver:    resolver,
		Client:      srv.Client(),
		InstanceDID: senderDID,
		Key:         key,
	}
	return c, srv, resolver
}

func TestRequestMembershipPostsSignedBody(t *testing.T) {
	var gotPath string
	var gotBody MembershipRequestBody
	var verified httpsig.Result
	var resolver endpointResolver

	c, _, res := newTestClient(t, func(w http.ResponseWriter, req *http.Request) {
		gotPath = req.URL.Path
		raw, _ := io.ReadAll(req.Body)
		json.Unmarshal(raw, &gotBody)
		v := httpsig.Verifier{Resolver: resolver}
		verified = v.Verify(req.Context(), req.Method, srvURL(req), req.Header, raw)
		w.WriteHeader(http.StatusCreated)
	})
	resolver = res

	if err := c.RequestMembership(context.Background(), senderDID, targetDID); err != nil {
		t.Fatalf("request membership: %v", err)
	}
	if gotPath != PathMembershipRequest {
		t.Fatalf("posted to %q, want %q", gotPath, PathMembershipRequest)
	}
	if gotBody.MemberDID != senderDID || gotBody.CoopDID != targetDID {
		t.Fatalf("body %+v", gotBody)
	}
	if !verified.Verified {
		t.Fatalf("receiver could not verify the signature: %s", verified.Reason)
	}
	if verified.SignerDID != senderDID {
		t.Fatalf("signer %q, want %q", verified.SignerDID, senderDID)
	}
}

// srvURL rebuilds the target URI the sender signed: scheme, host and
// path of the inbound request.
func srvURL(req *http.Request) string {
	return "http://" + req.Host + req.URL.RequestURI()
}

func TestDeliveryErrorCarriesStatus(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "who are you", http.StatusForbidden)
	})
	err := c.ApproveMembership(context.Background(), senderDID, targetDID, nil)
	if err == nil {
		t.Fatalf("expected delivery error")
	}
	var derr *DeliveryError
	if !errors.As(err, &derr) {
		t.Fatalf("error %T, want *DeliveryError", err)
	}
	if derr.Status != http.StatusForbidden {
		t.Fatalf("status %d, want 403", derr.Status)
	}
}

func TestPostToUnresolvableEntity(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	err := c.SubmitSignature(context.Background(), senderDID, "coop://x/coop.agreement/a", "did:reg:nobody", nil)
	if err == nil {
		t.Fatalf("expected resolution failure")
	}
}

func TestNotifyHubEnqueuesOutbox(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	c := &HTTP{
		Repo:        r,
		InstanceDID: senderDID,
		HubURL:      "https://hub.example",
		MaxAttempts: 3,
	}

	if err := c.NotifyHub(context.Background(), "membership.activated", map[string]any{"member": "did:reg:m"}); err != nil {
		t.Fatalf("notify hub: %v", err)
	}
	msgs, err := r.ListOutbox(context.Background(), domain.OutboxPending, 10)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d outbox rows, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.TargetURL != "https://hub.example" || msg.Endpoint != PathHubNotify {
		t.Fatalf("message %+v", msg)
	}
	if msg.MaxAttempts != 3 {
		t.Fatalf("max attempts %d, want 3", msg.MaxAttempts)
	}
	var body HubNotifyBody
	if err := json.Unmarshal(msg.Payload, &body); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if body.CoopDID != senderDID || body.Kind != "membership.activated" {
		t.Fatalf("payload %+v", body)
	}
}

func TestHubOpsRequireHubURL(t *testing.T) {
	c := &HTTP{InstanceDID: senderDID}
	if err := c.RegisterWithHub(context.Background()); err == nil {
		t.Fatalf("register without hub succeeded")
	}
	if err := c.NotifyHub(context.Background(), "x", nil); err == nil {
		t.Fatalf("notify without hub succeeded")
	}
	if _, err := c.SearchCoopProfiles(context.Background(), "x"); err == nil {
		t.Fatalf("search without hub succeeded")
	}
}

func TestFetchCoopProfile(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(domain.CoopProfile{DID: targetDID, Handle: "bakery", Name: "Sunrise"})
	})
	p, err := c.FetchCoopProfile(context.Background(), targetDID)
	if err != nil {
		t.Fatalf("fetch profile: %v", err)
	}
	if p.Name != "Sunrise" {
		t.Fatalf("profile %+v", p)
	}
}
