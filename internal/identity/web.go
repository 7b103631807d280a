package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"coopmesh/internal/domain"
)

// WebResolver fetches did:web documents over HTTPS. No local cache:
// authority lives at the remote domain, so every resolution re-fetches.
type WebResolver struct {
	Client *http.Client
}

func NewWebResolver() *WebResolver {
	return &WebResolver{Client: &http.Client{Timeout: 10 * time.Second}}
}

// DocumentURL derives the fetch URL for a did:web identifier. The
// method-specific id is colon-separated path segments with the first
// naming the host; an embedded port arrives percent-encoded. Plain
// http is used only for loopback and IP-literal hosts so local
// development instances can resolve each other.
func DocumentURL(did string) (string, error) {
	if !strings.HasPrefix(did, MethodWeb) {
		return "", fmt.Errorf("%w: %q is not did:web", ErrBadIdentifier, did)
	}
	segments := strings.Split(strings.TrimPrefix(did, MethodWeb), ":")
	if len(segments) == 0 || segments[0] == "" {
		return "", fmt.Errorf("%w: empty host in %q", ErrBadIdentifier, did)
	}
	host, err := url.PathUnescape(segments[0])
	if err != nil {
		return "", fmt.Errorf("%w: bad host encoding in %q", ErrBadIdentifier, did)
	}
	scheme := "https"
	if isLocalHost(host) {
		scheme = "http"
	}
	if len(segments) == 1 {
		return scheme + "://" + host + "/.well-known/did.json", nil
	}
	for i, seg := range segments[1:] {
		decoded, err := url.PathUnescape(seg)
		if err != nil || decoded == "" {
			return "", fmt.Errorf("%w: bad path segment in %q", ErrBadIdentifier, did)
		}
		segments[i+1] = decoded
	}
	return scheme + "://" + host + "/" + strings.Join(segments[1:], "/") + "/did.json", nil
}

func isLocalHost(host string) bool {
	name := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		name = h
	}
	if name == "localhost" {
		return true
	}
	return net.ParseIP(strings.Trim(name, "[]")) != nil
}

// FromDomain builds the did:web identifier for a host (with optional
// port, which gets percent-encoded).
func FromDomain(host string) string {
	return MethodWeb + strings.ReplaceAll(host, ":", "%3A")
}

func (r *WebResolver) Resolve(ctx context.Context, did string) (domain.IdentifierDocument, error) {
	var doc domain.IdentifierDocument
	docURL, err := DocumentURL(did)
	if err != nil {
		return doc, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return doc, err
	}
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	res, err := client.Do(req)
	if err != nil {
		return doc, fmt.Errorf("resolve %s: %w", did, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return doc, fmt.Errorf("resolve %s: %w", did, ErrNotRegistered)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return doc, fmt.Errorf("resolve %s: status %d", did, res.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("resolve %s: invalid document: %w", did, err)
	}
	if doc.ID == "" {
		doc.ID = did
	}
	return doc, nil
}
