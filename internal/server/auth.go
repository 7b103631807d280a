package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"coopmesh/internal/httpsig"
)

// AuthConfig controls how inbound federation writes are
// authenticated: a valid HTTP message signature from a resolvable DID,
// or a local JWT session (the standalone shortcut, where the caller is
// this instance's own UI or CLI).
type AuthConfig struct {
	JWTSecret string
	Verifier  httpsig.Verifier
	// BaseURL is this instance's public URL; signatures cover the full
	// target URI, so verification must rebuild it the way the sender
	// saw it.
	BaseURL string
	Logger  *log.Logger
}

type Principal struct {
	DID    string
	Source string // "signature" or "jwt"
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

type jwtClaims struct {
	jwt.RegisteredClaims
	DID string `json:"did,omitempty"`
}

func authenticateJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	did := claims.DID
	if did == "" {
		did = claims.Subject
	}
	if did == "" {
		return Principal{}, errors.New("token carries no identifier")
	}
	return Principal{DID: did, Source: "jwt"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware authenticates writes under /federation/. GETs,
// did.json and the firehose are public.
func newAuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Method == http.MethodGet || !strings.HasPrefix(req.URL.Path, "/federation/") {
				next.ServeHTTP(w, req)
				return
			}

			if req.Header.Get("Signature-Input") != "" {
				target := strings.TrimSuffix(cfg.BaseURL, "/") + req.URL.RequestURI()
				result := cfg.Verifier.Verify(req.Context(), req.Method, target, req.Header, bodyBytes(req.Context()))
				if result.Verified {
					next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), Principal{DID: result.SignerDID, Source: "signature"})))
					return
				}
				cfg.logger().Printf("server: rejected signature on %s %s: %s", req.Method, req.URL.Path, result.Reason)
				writeUnauthorized(w, result.Reason)
				return
			}

			if token, ok := bearerToken(req.Header.Get("Authorization")); ok {
				p, err := authenticateJWT(token, cfg.JWTSecret)
				if err == nil {
					next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
					return
				}
				cfg.logger().Printf("server: rejected token on %s %s: %v", req.Method, req.URL.Path, err)
				writeUnauthorized(w, "invalid token")
				return
			}

			writeUnauthorized(w, "signed request or bearer token required")
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]any{
		"error": apiErrorBody{Code: "unauthorized", Message: reason},
	})
}

// IssueToken mints a local session token. Used by the CLI against its
// own instance.
func IssueToken(secret, did string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   did,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		DID: did,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
