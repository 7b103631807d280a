package service

import (
	"context"
	"time"

	"coopmesh/internal/domain"
)

// profileRKey: one profile record per cooperative, updated in place.
const profileRKey = "self"

// PublishProfile writes or rewrites the cooperative's self-published
// profile record.
func (s Service) PublishProfile(ctx context.Context, did string, profile map[string]any) (string, error) {
	record := map[string]any{
		"$type":     domain.CollectionProfile,
		"createdAt": s.now().UTC().Format(time.RFC3339),
	}
	for k, v := range profile {
		record[k] = v
	}
	return s.writeRecord(ctx, did, domain.ActionUpdate, domain.CollectionProfile, profileRKey, record)
}

func (s Service) GetProfile(ctx context.Context, did string) (domain.CoopProfile, error) {
	return s.Repo.GetCoopProfile(ctx, did)
}

func (s Service) SearchProfiles(ctx context.Context, query string, limit int) ([]domain.CoopProfile, error) {
	return s.Repo.SearchCoopProfiles(ctx, query, limit)
}
