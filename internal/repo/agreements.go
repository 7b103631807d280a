package repo

import (
	"context"
	"database/sql"

	"coopmesh/internal/domain"
)

// GetAgreementSignature looks up a signature row for an agreement and
// signer pair.
func (r Repo) GetAgreementSignature(ctx context.Context, agreementURI, signerDID string) (domain.AgreementSignature, error) {
	return scanSignature(r.DB.QueryRowContext(ctx, `SELECT id,agreement_uri,signer_did,coop_did,status,payload_json,created_at,updated_at
FROM agreement_signatures WHERE agreement_uri=? AND signer_did=?`, agreementURI, signerDID))
}

// UpsertAgreementSignature inserts or rewrites the signature row for an
// (agreement, signer) pair. The request and the signature are authored
// by different parties at different record locations, so the pair is
// the convergence key and the row keeps the id of whichever record was
// seen first. Re-applying the same event converges on the same row.
func (r Repo) UpsertAgreementSignature(ctx context.Context, s domain.AgreementSignature) error {
	now := nowRFC3339()
	if s.CreatedAt == "" {
		s.CreatedAt = now
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO agreement_signatures(id,agreement_uri,signer_did,coop_did,status,payload_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(agreement_uri,signer_did) DO UPDATE SET status=excluded.status, payload_json=excluded.payload_json, updated_at=excluded.updated_at`,
		s.ID, s.AgreementURI, s.SignerDID, s.CoopDID, s.Status, nullableStringPtr(s.PayloadJSON), s.CreatedAt, now)
	return err
}

// UpdateAgreementSignatureStatus transitions an existing signature.
func (r Repo) UpdateAgreementSignatureStatus(ctx context.Context, agreementURI, signerDID, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE agreement_signatures SET status=?, updated_at=? WHERE agreement_uri=? AND signer_did=?`,
		status, nowRFC3339(), agreementURI, signerDID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAgreementSignatureStatusByID transitions a signature addressed
// by its record location.
func (r Repo) UpdateAgreementSignatureStatusByID(ctx context.Context, id, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE agreement_signatures SET status=?, updated_at=? WHERE id=?`,
		status, nowRFC3339(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListAgreementSignatures(ctx context.Context, agreementURI string) ([]domain.AgreementSignature, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,agreement_uri,signer_did,coop_did,status,payload_json,created_at,updated_at
FROM agreement_signatures WHERE agreement_uri=? ORDER BY created_at ASC`, agreementURI)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgreementSignature
	for rows.Next() {
		var s domain.AgreementSignature
		var payload sql.NullString
		if err := rows.Scan(&s.ID, &s.AgreementURI, &s.SignerDID, &s.CoopDID, &s.Status, &payload, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			s.PayloadJSON = &payload.String
		}
		res = append(res, s)
	}
	return res, nil
}

func scanSignature(row *sql.Row) (domain.AgreementSignature, error) {
	var s domain.AgreementSignature
	var payload sql.NullString
	err := row.Scan(&s.ID, &s.AgreementURI, &s.SignerDID, &s.CoopDID, &s.Status, &payload, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if payload.Valid {
		s.PayloadJSON = &payload.String
	}
	return s, err
}
