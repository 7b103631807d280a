package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"coopmesh/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// InsertIdentity persists a registry identity. Inserting the same
// genesis twice is a no-op: creation is keyed on the genesis hash, so
// identifier creation stays idempotent.
func (r Repo) InsertIdentity(ctx context.Context, ident domain.Identity) error {
	now := nowRFC3339()
	_, err := r.DB.ExecContext(ctx, `INSERT INTO identities(did,handle,genesis_json,genesis_hash,doc_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(genesis_hash) DO NOTHING`,
		ident.DID, nullable(ident.Handle), ident.GenesisJSON, ident.GenesisHash, ident.DocJSON, now, now)
	return err
}

func (r Repo) GetIdentity(ctx context.Context, did string) (domain.Identity, error) {
	var ident domain.Identity
	var handle sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT did,handle,genesis_json,genesis_hash,doc_json,created_at,updated_at FROM identities WHERE did=?`, did).
		Scan(&ident.DID, &handle, &ident.GenesisJSON, &ident.GenesisHash, &ident.DocJSON, &ident.CreatedAt, &ident.UpdatedAt)
	if err == sql.ErrNoRows {
		return ident, ErrNotFound
	}
	if handle.Valid {
		ident.Handle = handle.String
	}
	return ident, err
}

func (r Repo) GetIdentityByHandle(ctx context.Context, handle string) (domain.Identity, error) {
	var ident domain.Identity
	err := r.DB.QueryRowContext(ctx, `SELECT did,handle,genesis_json,genesis_hash,doc_json,created_at,updated_at FROM identities WHERE handle=?`, handle).
		Scan(&ident.DID, &ident.Handle, &ident.GenesisJSON, &ident.GenesisHash, &ident.DocJSON, &ident.CreatedAt, &ident.UpdatedAt)
	if err == sql.ErrNoRows {
		return ident, ErrNotFound
	}
	return ident, err
}

// UpdateIdentityDoc rewrites the stored document. handle is optional;
// empty leaves the stored handle alone.
func (r Repo) UpdateIdentityDoc(ctx context.Context, did, docJSON, handle string) error {
	var res sql.Result
	var err error
	if handle != "" {
		res, err = r.DB.ExecContext(ctx, `UPDATE identities SET doc_json=?, handle=?, updated_at=? WHERE did=?`, docJSON, handle, nowRFC3339(), did)
	} else {
		res, err = r.DB.ExecContext(ctx, `UPDATE identities SET doc_json=?, updated_at=? WHERE did=?`, docJSON, nowRFC3339(), did)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListIdentities(ctx context.Context) ([]domain.Identity, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT did,handle,genesis_json,genesis_hash,doc_json,created_at,updated_at FROM identities ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Identity
	for rows.Next() {
		var ident domain.Identity
		var handle sql.NullString
		if err := rows.Scan(&ident.DID, &handle, &ident.GenesisJSON, &ident.GenesisHash, &ident.DocJSON, &ident.CreatedAt, &ident.UpdatedAt); err != nil {
			return nil, err
		}
		if handle.Valid {
			ident.Handle = handle.String
		}
		res = append(res, ident)
	}
	return res, nil
}

// UpsertSigningKey stores the instance keypair for a DID.
func (r Repo) UpsertSigningKey(ctx context.Context, key domain.SigningKey) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO signing_keys(did,private_key_enc,public_multibase,created_at) VALUES (?,?,?,?)
ON CONFLICT(did) DO UPDATE SET private_key_enc=excluded.private_key_enc, public_multibase=excluded.public_multibase`,
		key.DID, key.PrivateKeyEnc, key.PublicMultibase, nowRFC3339())
	return err
}

func (r Repo) GetSigningKey(ctx context.Context, did string) (domain.SigningKey, error) {
	var key domain.SigningKey
	err := r.DB.QueryRowContext(ctx, `SELECT did,private_key_enc,public_multibase,created_at FROM signing_keys WHERE did=?`, did).
		Scan(&key.DID, &key.PrivateKeyEnc, &key.PublicMultibase, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return key, ErrNotFound
	}
	return key, err
}

// EventsAfter returns firehose events with seq greater than the cursor
// in ascending order.
func (r Repo) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT seq,did,action,collection,rkey,record,content_hash,ts FROM events WHERE seq > ? ORDER BY seq ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var record []byte
		var hash sql.NullString
		if err := rows.Scan(&e.Seq, &e.DID, &e.Action, &e.Collection, &e.RKey, &record, &hash, &e.TS); err != nil {
			return nil, err
		}
		e.Record = record
		if hash.Valid {
			e.ContentHash = hash.String
		}
		res = append(res, e)
	}
	return res, nil
}

// GetIndexCursor returns the persisted replay position for a named
// index, zero when the index has never advanced.
func (r Repo) GetIndexCursor(ctx context.Context, name string) (int64, error) {
	var seq int64
	err := r.DB.QueryRowContext(ctx, `SELECT seq FROM index_cursors WHERE name=?`, name).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

// AdvanceIndexCursor moves a named cursor forward. Cursors never move
// backwards, so a slow concurrent advancer cannot undo a faster one.
func (r Repo) AdvanceIndexCursor(ctx context.Context, name string, seq int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO index_cursors(name,seq,updated_at) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET seq=excluded.seq, updated_at=excluded.updated_at WHERE excluded.seq > index_cursors.seq`,
		name, seq, nowRFC3339())
	return err
}

// LatestSeq returns the most recent event sequence number.
func (r Repo) LatestSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM events`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}
