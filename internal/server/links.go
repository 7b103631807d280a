package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"coopmesh/internal/linkstate"
)

// linkTTL bounds how long a started link handshake stays redeemable.
const linkTTL = 10 * time.Minute

// registerLinks wires the connection-linking handshake: a member
// starts a link and hands the token to a cooperative out of band; the
// cooperative completes it, which files the membership request on the
// member's behalf. Tokens are one-shot and expire unredeemed.
func registerLinks(api huma.API, cfg Config, links linkstate.Store) {
	huma.Register(api, huma.Operation{
		OperationID:   "link-start",
		Method:        http.MethodPost,
		Path:          "/federation/link/start",
		Summary:       "Start a connection-linking handshake",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body struct {
			MemberDID string `json:"memberDid"`
		} `json:"body"`
	}) (*struct {
		Body struct {
			Token string `json:"token"`
		} `json:"body"`
	}, error) {
		if input.Body.MemberDID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "link start needs a member identifier", nil)
		}
		if err := requireActor(ctx, input.Body.MemberDID); err != nil {
			return nil, err
		}
		token := uuid.NewString()
		links.Put(token, input.Body.MemberDID, linkTTL)
		resp := &struct {
			Body struct {
				Token string `json:"token"`
			} `json:"body"`
		}{}
		resp.Body.Token = token
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "link-complete",
		Method:        http.MethodPost,
		Path:          "/federation/link/complete",
		Summary:       "Complete a connection-linking handshake",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Token   string `json:"token"`
			CoopDID string `json:"coopDid"`
		} `json:"body"`
	}) (*acceptedResponse, error) {
		if input.Body.Token == "" || input.Body.CoopDID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "link completion needs token and cooperative identifier", nil)
		}
		if err := requireActor(ctx, input.Body.CoopDID); err != nil {
			return nil, err
		}
		memberDID, ok := links.Take(input.Body.Token)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "link token unknown or expired", nil)
		}
		uri, err := cfg.Service.RequestMembership(ctx, memberDID, input.Body.CoopDID)
		if err != nil {
			return nil, handleError(err)
		}
		return accepted(uri), nil
	})
}
