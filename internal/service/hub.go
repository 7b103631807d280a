package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"coopmesh/internal/domain"
)

// Hub-side operations: a hub instance keeps a registry of member
// cooperatives and a log of the notifications they push.

// RegisterCoop records or refreshes a cooperative's registration with
// this hub.
func (s Service) RegisterCoop(ctx context.Context, coopDID, baseURL string) error {
	if coopDID == "" || baseURL == "" {
		return fmt.Errorf("hub registration needs a cooperative identifier and base URL")
	}
	return s.Repo.UpsertHubRegistration(ctx, domain.HubRegistration{
		CoopDID: coopDID,
		BaseURL: baseURL,
	})
}

// RecordNotification logs an inbound notification from a registered
// cooperative and stamps its last-notified time.
func (s Service) RecordNotification(ctx context.Context, coopDID, kind, payload string) error {
	if coopDID == "" || kind == "" {
		return fmt.Errorf("hub notification needs a cooperative identifier and kind")
	}
	return s.Repo.InsertHubNotification(ctx, domain.HubNotification{
		ID:      uuid.NewString(),
		CoopDID: coopDID,
		Kind:    kind,
		Payload: payload,
	})
}

func (s Service) ListHubRegistrations(ctx context.Context) ([]domain.HubRegistration, error) {
	return s.Repo.ListHubRegistrations(ctx)
}
