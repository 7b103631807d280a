// Package server exposes the federation receiving endpoints, the
// instance's identifier document and the firehose stream.
package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"coopmesh/internal/domain"
	"coopmesh/internal/firehose"
	"coopmesh/internal/identity"
	"coopmesh/internal/linkstate"
	"coopmesh/internal/repo"
	"coopmesh/internal/service"
)

// Config for the HTTP handler.
type Config struct {
	Service     service.Service
	Repo        repo.Repo
	Resolver    identity.Resolver
	Auth        AuthConfig
	InstanceDID string
	Firehose    firehose.Streamer
	// Links holds pending connection-linking tokens. Defaults to the
	// in-memory store; multi-process deployments inject a shared one.
	Links linkstate.Store
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"identifier not registered"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns the HTTP handler for one instance.
func New(cfg Config) (http.Handler, error) {
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	// Capture the raw body so signature verification sees the exact
	// bytes the sender digested, while huma still parses the request.
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(data))
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyBytesKey{}, data)))
		})
	})
	router.Use(newAuthMiddleware(cfg.Auth))

	hcfg := huma.DefaultConfig("CoopMesh Federation API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)

	registerHealth(api)
	registerEntity(api, cfg)
	registerProfiles(api, cfg)
	registerMembership(api, cfg)
	registerAgreements(api, cfg)
	registerHub(api, cfg)
	links := cfg.Links
	if links == nil {
		links = linkstate.NewMemoryStore()
	}
	registerLinks(api, cfg, links)

	router.Get("/.well-known/did.json", wellKnownHandler(cfg))
	router.Get("/federation/firehose", cfg.Firehose.ServeHTTP)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, identity.ErrNotRegistered) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, identity.ErrBadIdentifier) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "needs") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requireActor enforces that a signed request acts on its own behalf:
// the body may only name the signer as the acting party. JWT sessions
// are local and trusted for any local actor.
func requireActor(ctx context.Context, actorDID string) huma.StatusError {
	p, ok := principalFromContext(ctx)
	if !ok {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if p.Source == "signature" && p.DID != actorDID {
		return newAPIError(http.StatusForbidden, "forbidden", "signer does not match acting party", map[string]any{"signer": p.DID})
	}
	return nil
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerEntity(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "resolve-entity",
		Method:      http.MethodGet,
		Path:        "/federation/entity/{did}",
		Summary:     "Resolve an identifier document",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DID string `path:"did"`
	}) (*struct {
		Body domain.IdentifierDocument `json:"body"`
	}, error) {
		doc, err := cfg.Resolver.Resolve(ctx, input.DID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.IdentifierDocument `json:"body"`
		}{Body: doc}, nil
	})
}

func wellKnownHandler(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, err := cfg.Repo.GetIdentity(r.Context(), cfg.InstanceDID)
		if err != nil {
			http.Error(w, "identifier document not available", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, ident.DocJSON)
	}
}
