package app

import (
	"context"
	"encoding/json"
	"testing"

	"coopmesh/internal/config"
	"coopmesh/internal/db"
	"coopmesh/internal/domain"
	"coopmesh/internal/migrate"
	"coopmesh/internal/repo"
)

func newTestWorkspace(t *testing.T) (*config.Config, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return config.Default("coop.test"), repo.Repo{DB: conn}
}

func TestResolveInstanceMintsOnce(t *testing.T) {
	cfg, r := newTestWorkspace(t)
	ctx := context.Background()

	first, err := ResolveInstance(ctx, cfg, r)
	if err != nil {
		t.Fatalf("resolve instance: %v", err)
	}
	if first.DID == "" || first.Key.PublicMultibase == "" {
		t.Fatalf("incomplete instance: %+v", first)
	}

	second, err := ResolveInstance(ctx, cfg, r)
	if err != nil {
		t.Fatalf("re-resolve: %v", err)
	}
	if second.DID != first.DID {
		t.Fatalf("second run minted a new identity: %q vs %q", second.DID, first.DID)
	}
	if second.Key.PublicMultibase != first.Key.PublicMultibase {
		t.Fatalf("second run rotated the key")
	}
}

func TestOpenSigningKeyRoundTrip(t *testing.T) {
	cfg, r := newTestWorkspace(t)
	ctx := context.Background()

	inst, err := ResolveInstance(ctx, cfg, r)
	if err != nil {
		t.Fatalf("resolve instance: %v", err)
	}
	priv, err := OpenSigningKey(cfg, inst.Key)
	if err != nil {
		t.Fatalf("open signing key: %v", err)
	}
	if priv == nil || priv.PublicKey.X == nil {
		t.Fatalf("decrypted key is empty")
	}
}

func TestRotateSigningKey(t *testing.T) {
	cfg, r := newTestWorkspace(t)
	ctx := context.Background()

	inst, err := ResolveInstance(ctx, cfg, r)
	if err != nil {
		t.Fatalf("resolve instance: %v", err)
	}
	rotated, err := RotateSigningKey(ctx, cfg, r, inst.DID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.PublicMultibase == inst.Key.PublicMultibase {
		t.Fatalf("rotation kept the old public key")
	}
	if _, err := OpenSigningKey(cfg, rotated); err != nil {
		t.Fatalf("open rotated key: %v", err)
	}

	after, err := ResolveInstance(ctx, cfg, r)
	if err != nil {
		t.Fatalf("re-resolve: %v", err)
	}
	if after.Key.PublicMultibase != rotated.PublicMultibase {
		t.Fatalf("stored key not rotated")
	}

	// The identifier document advertises the new key.
	var doc domain.IdentifierDocument
	if err := json.Unmarshal([]byte(after.Identity.DocJSON), &doc); err != nil {
		t.Fatalf("unmarshal document: %v", err)
	}
	found := false
	for _, vm := range doc.VerificationMethod {
		if vm.PublicKeyMultibase == rotated.PublicMultibase {
			found = true
		}
	}
	if !found {
		t.Fatalf("document does not carry the rotated key: %s", after.Identity.DocJSON)
	}
}
