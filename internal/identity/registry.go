package identity

import (
	"context"
	"crypto/sha256"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"coopmesh/internal/domain"
	"coopmesh/internal/repo"
)

// suffixLength is the number of base32 characters of the genesis hash
// used as the identifier suffix.
const suffixLength = 24

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenesisParams are the inputs to a registry identifier's genesis
// operation. Identical params always derive the identical DID.
type GenesisParams struct {
	Handle       string   `json:"handle"`
	SigningKey   string   `json:"signingKey"`
	PDSURL       string   `json:"pdsUrl,omitempty"`
	RotationKeys []string `json:"rotationKeys,omitempty"`
}

// Registry is a locally hosted identifier registry: a single-authority
// emulation of a public append-only identifier ledger. Creation is
// content-derived and idempotent; updates rewrite the stored document
// rather than replaying an operation log.
type Registry struct {
	Repo repo.Repo
}

// Create derives the DID from the canonicalized genesis operation and
// persists genesis plus document. Re-submitting an identical genesis
// returns the same DID without creating a duplicate.
func (r Registry) Create(ctx context.Context, params GenesisParams) (string, error) {
	if params.Handle == "" {
		return "", fmt.Errorf("%w: handle required", ErrBadIdentifier)
	}
	if params.SigningKey == "" {
		return "", fmt.Errorf("%w: signing key required", ErrBadIdentifier)
	}
	genesis := map[string]any{
		"type":         "genesis",
		"handle":       params.Handle,
		"signingKey":   params.SigningKey,
		"rotationKeys": params.RotationKeys,
		"services":     genesisServices(params.PDSURL),
	}
	canonical, err := Canonicalize(genesis)
	if err != nil {
		return "", fmt.Errorf("canonicalize genesis: %w", err)
	}
	sum := sha256.Sum256(canonical)
	suffix := strings.ToLower(b32.EncodeToString(sum[:]))[:suffixLength]
	did := MethodRegistry + suffix

	doc := documentFromGenesis(did, params)
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	hash := fmt.Sprintf("%x", sum)
	if err := r.Repo.InsertIdentity(ctx, domain.Identity{
		DID:         did,
		Handle:      params.Handle,
		GenesisJSON: string(canonical),
		GenesisHash: hash,
		DocJSON:     string(docJSON),
	}); err != nil {
		return "", err
	}
	return did, nil
}

// Resolve returns the current document for a registry DID.
func (r Registry) Resolve(ctx context.Context, did string) (domain.IdentifierDocument, error) {
	var doc domain.IdentifierDocument
	ident, err := r.Repo.GetIdentity(ctx, did)
	if errors.Is(err, repo.ErrNotFound) {
		return doc, fmt.Errorf("resolve %s: %w", did, ErrNotRegistered)
	}
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal([]byte(ident.DocJSON), &doc); err != nil {
		return doc, fmt.Errorf("resolve %s: stored document corrupt: %w", did, err)
	}
	return doc, nil
}

// UpdateParams carries the mutable parts of a registry identity. Zero
// values leave the corresponding document entries untouched.
type UpdateParams struct {
	Handle     string
	SigningKey string
	PDSURL     string
}

// Update merges changed handle, signing key, or PDS endpoint into the
// document and rewrites it in full. This is a single-authority
// emulation; it does not append to an operation log.
func (r Registry) Update(ctx context.Context, did string, params UpdateParams) error {
	doc, err := r.Resolve(ctx, did)
	if err != nil {
		return err
	}
	handle := ""
	if params.Handle != "" {
		alias := "coop://" + params.Handle
		if !containsString(doc.AlsoKnownAs, alias) {
			doc.AlsoKnownAs = append(doc.AlsoKnownAs, alias)
		}
		handle = params.Handle
	}
	if params.SigningKey != "" {
		id := did + "#coopmesh"
		replaced := false
		for i := range doc.VerificationMethod {
			if doc.VerificationMethod[i].ID == id {
				doc.VerificationMethod[i].PublicKeyMultibase = params.SigningKey
				replaced = true
			}
		}
		if !replaced {
			doc.VerificationMethod = append(doc.VerificationMethod, verificationMethod(did, params.SigningKey))
		}
	}
	if params.PDSURL != "" {
		replaced := false
		for i := range doc.Service {
			if doc.Service[i].Type == domain.FederationServiceType {
				doc.Service[i].ServiceEndpoint = params.PDSURL
				replaced = true
			}
		}
		if !replaced {
			doc.Service = append(doc.Service, serviceEndpoint(did, params.PDSURL))
		}
	}
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return r.Repo.UpdateIdentityDoc(ctx, did, string(docJSON), handle)
}

func documentFromGenesis(did string, params GenesisParams) domain.IdentifierDocument {
	doc := domain.IdentifierDocument{
		Context:            []string{"https://www.w3.org/ns/did/v1"},
		ID:                 did,
		AlsoKnownAs:        []string{"coop://" + params.Handle},
		VerificationMethod: []domain.VerificationMethod{verificationMethod(did, params.SigningKey)},
	}
	if params.PDSURL != "" {
		doc.Service = []domain.ServiceEndpoint{serviceEndpoint(did, params.PDSURL)}
	}
	return doc
}

func verificationMethod(did, signingKey string) domain.VerificationMethod {
	return domain.VerificationMethod{
		ID:                 did + "#coopmesh",
		Type:               "Multikey",
		Controller:         did,
		PublicKeyMultibase: signingKey,
	}
}

func serviceEndpoint(did, pdsURL string) domain.ServiceEndpoint {
	return domain.ServiceEndpoint{
		ID:              did + "#coop_federation",
		Type:            domain.FederationServiceType,
		ServiceEndpoint: pdsURL,
	}
}

func genesisServices(pdsURL string) map[string]any {
	if pdsURL == "" {
		return map[string]any{}
	}
	return map[string]any{
		"coop_federation": map[string]any{
			"type":     domain.FederationServiceType,
			"endpoint": pdsURL,
		},
	}
}

// Canonicalize serializes v as JSON with all object keys recursively
// sorted, so logically equal operations hash identically.
func Canonicalize(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// normalize round-trips v through generic JSON types; encoding/json
// then emits map keys in sorted order at every level.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return sortKeys(generic), nil
}

func sortKeys(v any) any {
	switch value := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(value))
		for k := range value {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(value))
		for _, k := range keys {
			out[k] = sortKeys(value[k])
		}
		return out
	case []any:
		for i := range value {
			value[i] = sortKeys(value[i])
		}
		return value
	default:
		return v
	}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
