package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"coopmesh/internal/domain"
)

// DID method prefixes understood by this instance.
const (
	MethodWeb      = "did:web:"
	MethodRegistry = "did:reg:"
)

var (
	ErrNotRegistered = errors.New("identifier not registered")
	ErrBadIdentifier = errors.New("malformed identifier")
)

// Resolver turns an identifier into its document. Implementations:
// WebResolver (fetch-over-HTTPS) and Registry (local ledger emulation).
type Resolver interface {
	Resolve(ctx context.Context, did string) (domain.IdentifierDocument, error)
}

// MultiResolver dispatches on the DID method. Registry is optional;
// web resolution always works.
type MultiResolver struct {
	Web      *WebResolver
	Registry *Registry
}

func (m MultiResolver) Resolve(ctx context.Context, did string) (domain.IdentifierDocument, error) {
	switch {
	case strings.HasPrefix(did, MethodWeb):
		if m.Web == nil {
			return domain.IdentifierDocument{}, fmt.Errorf("%w: web resolution not configured", ErrBadIdentifier)
		}
		return m.Web.Resolve(ctx, did)
	case strings.HasPrefix(did, MethodRegistry):
		if m.Registry == nil {
			return domain.IdentifierDocument{}, fmt.Errorf("%w: registry not configured", ErrBadIdentifier)
		}
		return m.Registry.Resolve(ctx, did)
	default:
		return domain.IdentifierDocument{}, fmt.Errorf("%w: unsupported method in %q", ErrBadIdentifier, did)
	}
}
