// Package app wires an instance together: it resolves the instance
// identity and signing key from the workspace, creating them on first
// run. Every CLI command and the server share this bootstrap.
package app

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"coopmesh/internal/config"
	"coopmesh/internal/domain"
	"coopmesh/internal/identity"
	"coopmesh/internal/keystore"
	"coopmesh/internal/repo"
)

// Instance is the resolved local identity material.
type Instance struct {
	DID      string
	Handle   string
	Identity domain.Identity
	Key      domain.SigningKey
}

// ResolveInstance returns the instance identity for the configured
// handle, minting the identifier and keypair on first run. Idempotent:
// the genesis derivation is content-addressed, so re-running with the
// same handle and key converges on the same DID.
func ResolveInstance(ctx context.Context, cfg *config.Config, r repo.Repo) (Instance, error) {
	var inst Instance
	inst.Handle = cfg.Instance.Handle
	reg := identity.Registry{Repo: r}

	ident, err := r.GetIdentityByHandle(ctx, cfg.Instance.Handle)
	if err == nil {
		key, err := r.GetSigningKey(ctx, ident.DID)
		if err != nil {
			return inst, fmt.Errorf("identity %s exists but has no signing key", ident.DID)
		}
		inst.DID = ident.DID
		inst.Identity = ident
		inst.Key = key
		return inst, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return inst, err
	}

	instanceKey, err := cfg.InstanceKey()
	if err != nil {
		return inst, err
	}
	priv, err := keystore.Generate()
	if err != nil {
		return inst, fmt.Errorf("generate instance key: %w", err)
	}
	public := keystore.EncodePublicMultibase(&priv.PublicKey)
	did, err := reg.Create(ctx, identity.GenesisParams{
		Handle:     cfg.Instance.Handle,
		SigningKey: public,
		PDSURL:     cfg.Server.BaseURL,
	})
	if err != nil {
		return inst, err
	}
	sealed, err := keystore.SealPrivateKey(priv, instanceKey)
	if err != nil {
		return inst, fmt.Errorf("seal instance key: %w", err)
	}
	key := domain.SigningKey{DID: did, PrivateKeyEnc: sealed, PublicMultibase: public}
	if err := r.UpsertSigningKey(ctx, key); err != nil {
		return inst, err
	}
	ident, err = r.GetIdentity(ctx, did)
	if err != nil {
		return inst, err
	}
	inst.DID = did
	inst.Identity = ident
	inst.Key = key
	return inst, nil
}

// RotateSigningKey mints a fresh keypair for an existing instance,
// publishes the new public key in the identifier document and reseals
// the private key. Outstanding requests signed with the old key fail
// verification once the document is rewritten.
func RotateSigningKey(ctx context.Context, cfg *config.Config, r repo.Repo, did string) (domain.SigningKey, error) {
	var key domain.SigningKey
	instanceKey, err := cfg.InstanceKey()
	if err != nil {
		return key, err
	}
	priv, err := keystore.Generate()
	if err != nil {
		return key, fmt.Errorf("generate signing key: %w", err)
	}
	public := keystore.EncodePublicMultibase(&priv.PublicKey)
	reg := identity.Registry{Repo: r}
	if err := reg.Update(ctx, did, identity.UpdateParams{SigningKey: public}); err != nil {
		return key, err
	}
	sealed, err := keystore.SealPrivateKey(priv, instanceKey)
	if err != nil {
		return key, fmt.Errorf("seal signing key: %w", err)
	}
	key = domain.SigningKey{DID: did, PrivateKeyEnc: sealed, PublicMultibase: public}
	if err := r.UpsertSigningKey(ctx, key); err != nil {
		return key, err
	}
	return key, nil
}

// OpenSigningKey decrypts the instance's private key for signing.
func OpenSigningKey(cfg *config.Config, key domain.SigningKey) (*ecdsa.PrivateKey, error) {
	instanceKey, err := cfg.InstanceKey()
	if err != nil {
		return nil, err
	}
	return keystore.OpenPrivateKey(key.PrivateKeyEnc, instanceKey)
}
