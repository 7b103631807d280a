package repo

import (
	"context"
	"database/sql"

	"coopmesh/internal/domain"
)

// UpsertCoopProfile materializes a cooperative's public profile.
func (r Repo) UpsertCoopProfile(ctx context.Context, p domain.CoopProfile) error {
	updatedAt := p.UpdatedAt
	if updatedAt == "" {
		updatedAt = nowRFC3339()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO coop_profiles(did,handle,name,description,profile_json,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(did) DO UPDATE SET handle=excluded.handle, name=excluded.name, description=excluded.description, profile_json=excluded.profile_json, updated_at=excluded.updated_at`,
		p.DID, p.Handle, p.Name, nullable(p.Description), nullable(p.ProfileJSON), updatedAt)
	return err
}

func (r Repo) GetCoopProfile(ctx context.Context, did string) (domain.CoopProfile, error) {
	var p domain.CoopProfile
	var description, profileJSON sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT did,handle,name,description,profile_json,updated_at FROM coop_profiles WHERE did=?`, did).
		Scan(&p.DID, &p.Handle, &p.Name, &description, &profileJSON, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if description.Valid {
		p.Description = description.String
	}
	if profileJSON.Valid {
		p.ProfileJSON = profileJSON.String
	}
	return p, err
}

// SearchCoopProfiles matches handle or name, case-insensitively.
func (r Repo) SearchCoopProfiles(ctx context.Context, query string, limit int) ([]domain.CoopProfile, error) {
	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + query + "%"
	rows, err := r.DB.QueryContext(ctx, `SELECT did,handle,name,description,profile_json,updated_at FROM coop_profiles
WHERE handle LIKE ? COLLATE NOCASE OR name LIKE ? COLLATE NOCASE ORDER BY updated_at DESC LIMIT ?`, pattern, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CoopProfile
	for rows.Next() {
		var p domain.CoopProfile
		var description, profileJSON sql.NullString
		if err := rows.Scan(&p.DID, &p.Handle, &p.Name, &description, &profileJSON, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if description.Valid {
			p.Description = description.String
		}
		if profileJSON.Valid {
			p.ProfileJSON = profileJSON.String
		}
		res = append(res, p)
	}
	return res, nil
}

// UpsertHubRegistration records a member co-op registering with this
// hub instance.
func (r Repo) UpsertHubRegistration(ctx context.Context, reg domain.HubRegistration) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO hub_registrations(coop_did,base_url,created_at) VALUES (?,?,?)
ON CONFLICT(coop_did) DO UPDATE SET base_url=excluded.base_url`,
		reg.CoopDID, reg.BaseURL, nowRFC3339())
	return err
}

func (r Repo) ListHubRegistrations(ctx context.Context) ([]domain.HubRegistration, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT coop_did,base_url,created_at,last_notified_at FROM hub_registrations ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HubRegistration
	for rows.Next() {
		var reg domain.HubRegistration
		var lastNotified sql.NullString
		if err := rows.Scan(&reg.CoopDID, &reg.BaseURL, &reg.CreatedAt, &lastNotified); err != nil {
			return nil, err
		}
		if lastNotified.Valid {
			reg.LastNotifiedAt = &lastNotified.String
		}
		res = append(res, reg)
	}
	return res, nil
}

// InsertHubNotification records an event reported by a member co-op.
func (r Repo) InsertHubNotification(ctx context.Context, n domain.HubNotification) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO hub_notifications(id,coop_did,kind,payload,created_at) VALUES (?,?,?,?,?)`,
		n.ID, n.CoopDID, n.Kind, nullable(n.Payload), nowRFC3339())
	if err == nil {
		_, _ = r.DB.ExecContext(ctx, `UPDATE hub_registrations SET last_notified_at=? WHERE coop_did=?`, nowRFC3339(), n.CoopDID)
	}
	return err
}
