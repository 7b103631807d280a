package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"coopmesh/internal/domain"
)

// GetOpenMembership returns the not-yet-invalidated membership row for
// a (member, coop) pair. Invalidated rows are history and never match.
func (r Repo) GetOpenMembership(ctx context.Context, memberDID, coopDID string) (domain.Membership, error) {
	return scanMembership(r.DB.QueryRowContext(ctx, `SELECT id,member_did,coop_did,status,roles_json,request_uri,approval_uri,created_at,updated_at,invalidated_at
FROM memberships WHERE member_did=? AND coop_did=? AND invalidated_at IS NULL`, memberDID, coopDID))
}

// GetMembershipByAssertion finds the open row holding the given
// assertion URI on either side. Deletes on the firehose carry only the
// record location, so this is the lookup path for withdrawals.
func (r Repo) GetMembershipByAssertion(ctx context.Context, uri string) (domain.Membership, error) {
	return scanMembership(r.DB.QueryRowContext(ctx, `SELECT id,member_did,coop_did,status,roles_json,request_uri,approval_uri,created_at,updated_at,invalidated_at
FROM memberships WHERE (request_uri=? OR approval_uri=?) AND invalidated_at IS NULL`, uri, uri))
}

func (r Repo) GetMembership(ctx context.Context, id string) (domain.Membership, error) {
	return scanMembership(r.DB.QueryRowContext(ctx, `SELECT id,member_did,coop_did,status,roles_json,request_uri,approval_uri,created_at,updated_at,invalidated_at
FROM memberships WHERE id=?`, id))
}

func (r Repo) InsertMembership(ctx context.Context, m domain.Membership) error {
	now := nowRFC3339()
	if m.CreatedAt == "" {
		m.CreatedAt = now
	}
	rolesJSON, err := marshalRoles(m.Roles)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO memberships(id,member_did,coop_did,status,roles_json,request_uri,approval_uri,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID, m.MemberDID, m.CoopDID, m.Status, rolesJSON, nullableStringPtr(m.RequestURI), nullableStringPtr(m.ApprovalURI), m.CreatedAt, now)
	return err
}

// UpdateMembership rewrites the mutable columns of a membership row.
func (r Repo) UpdateMembership(ctx context.Context, m domain.Membership) error {
	rolesJSON, err := marshalRoles(m.Roles)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE memberships SET status=?, roles_json=?, request_uri=?, approval_uri=?, invalidated_at=?, updated_at=? WHERE id=?`,
		m.Status, rolesJSON, nullableStringPtr(m.RequestURI), nullableStringPtr(m.ApprovalURI), nullableStringPtr(m.InvalidatedAt), nowRFC3339(), m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type MembershipFilters struct {
	MemberDID string
	CoopDID   string
	Status    string
	Limit     int
}

func (r Repo) ListMemberships(ctx context.Context, f MembershipFilters) ([]domain.Membership, error) {
	query := `SELECT id,member_did,coop_did,status,roles_json,request_uri,approval_uri,created_at,updated_at,invalidated_at FROM memberships WHERE 1=1`
	var args []any
	if f.MemberDID != "" {
		query += ` AND member_did=?`
		args = append(args, f.MemberDID)
	}
	if f.CoopDID != "" {
		query += ` AND coop_did=?`
		args = append(args, f.CoopDID)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Membership
	for rows.Next() {
		m, err := scanMembershipRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}

func scanMembership(row *sql.Row) (domain.Membership, error) {
	var m domain.Membership
	var rolesJSON, requestURI, approvalURI, invalidatedAt sql.NullString
	err := row.Scan(&m.ID, &m.MemberDID, &m.CoopDID, &m.Status, &rolesJSON, &requestURI, &approvalURI, &m.CreatedAt, &m.UpdatedAt, &invalidatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	return fillMembership(m, rolesJSON, requestURI, approvalURI, invalidatedAt)
}

func scanMembershipRows(rows *sql.Rows) (domain.Membership, error) {
	var m domain.Membership
	var rolesJSON, requestURI, approvalURI, invalidatedAt sql.NullString
	if err := rows.Scan(&m.ID, &m.MemberDID, &m.CoopDID, &m.Status, &rolesJSON, &requestURI, &approvalURI, &m.CreatedAt, &m.UpdatedAt, &invalidatedAt); err != nil {
		return m, err
	}
	return fillMembership(m, rolesJSON, requestURI, approvalURI, invalidatedAt)
}

func fillMembership(m domain.Membership, rolesJSON, requestURI, approvalURI, invalidatedAt sql.NullString) (domain.Membership, error) {
	if rolesJSON.Valid && rolesJSON.String != "" {
		if err := json.Unmarshal([]byte(rolesJSON.String), &m.Roles); err != nil {
			return m, err
		}
	}
	if requestURI.Valid {
		m.RequestURI = &requestURI.String
	}
	if approvalURI.Valid {
		m.ApprovalURI = &approvalURI.String
	}
	if invalidatedAt.Valid {
		m.InvalidatedAt = &invalidatedAt.String
	}
	return m, nil
}

func marshalRoles(roles []string) (any, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(roles)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
