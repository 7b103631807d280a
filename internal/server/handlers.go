package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"coopmesh/internal/domain"
	"coopmesh/internal/federation"
)

type acceptedResponse struct {
	Body struct {
		Status string `json:"status" example:"ok"`
		URI    string `json:"uri,omitempty"`
	} `json:"body"`
}

func accepted(uri string) *acceptedResponse {
	resp := &acceptedResponse{}
	resp.Body.Status = "ok"
	resp.Body.URI = uri
	return resp
}

func registerProfiles(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-coop-profile",
		Method:      http.MethodGet,
		Path:        "/federation/coop/{did}/profile",
		Summary:     "Fetch a cooperative's profile",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DID string `path:"did"`
	}) (*struct {
		Body domain.CoopProfile `json:"body"`
	}, error) {
		p, err := cfg.Service.GetProfile(ctx, input.DID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CoopProfile `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "search-coop-profiles",
		Method:      http.MethodGet,
		Path:        "/federation/coop/search",
		Summary:     "Search cooperative profiles",
	}, func(ctx context.Context, input *struct {
		Query string `query:"q"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body struct {
			Profiles []domain.CoopProfile `json:"profiles"`
		} `json:"body"`
	}, error) {
		profiles, err := cfg.Service.SearchProfiles(ctx, input.Query, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Profiles []domain.CoopProfile `json:"profiles"`
			} `json:"body"`
		}{}
		resp.Body.Profiles = profiles
		return resp, nil
	})
}

func registerMembership(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "membership-request",
		Method:        http.MethodPost,
		Path:          federation.PathMembershipRequest,
		Summary:       "Receive a membership request",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body federation.MembershipRequestBody `json:"body"`
	}) (*acceptedResponse, error) {
		if err := requireActor(ctx, input.Body.MemberDID); err != nil {
			return nil, err
		}
		uri, err := cfg.Service.RequestMembership(ctx, input.Body.MemberDID, input.Body.CoopDID)
		if err != nil {
			return nil, handleError(err)
		}
		return accepted(uri), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "membership-approve",
		Method:        http.MethodPost,
		Path:          federation.PathMembershipApprove,
		Summary:       "Receive a membership approval",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body federation.MembershipApprovalBody `json:"body"`
	}) (*acceptedResponse, error) {
		if err := requireActor(ctx, input.Body.CoopDID); err != nil {
			return nil, err
		}
		uri, err := cfg.Service.ApproveMembership(ctx, input.Body.CoopDID, input.Body.MemberDID, input.Body.Roles)
		if err != nil {
			return nil, handleError(err)
		}
		return accepted(uri), nil
	})
}

func registerAgreements(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "agreement-sign-request",
		Method:        http.MethodPost,
		Path:          federation.PathSignRequest,
		Summary:       "Receive an agreement signature request",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body federation.SignatureRequestBody `json:"body"`
	}) (*acceptedResponse, error) {
		if err := requireActor(ctx, input.Body.CoopDID); err != nil {
			return nil, err
		}
		uri, err := cfg.Service.RequestSignature(ctx, input.Body.CoopDID, input.Body.AgreementURI, input.Body.SignerDID, input.Body.Payload)
		if err != nil {
			return nil, handleError(err)
		}
		return accepted(uri), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "agreement-signature",
		Method:        http.MethodPost,
		Path:          federation.PathSignature,
		Summary:       "Receive an agreement signature or a lifecycle transition",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body federation.SignatureBody `json:"body"`
	}) (*acceptedResponse, error) {
		// Cancel is authored by the cooperative; everything else by
		// the signer.
		actor := input.Body.SignerDID
		if input.Body.Status == domain.SignatureCanceled {
			actor = input.Body.CoopDID
		}
		if err := requireActor(ctx, actor); err != nil {
			return nil, err
		}
		var uri string
		var err error
		switch input.Body.Status {
		case domain.SignatureSigned:
			uri, err = cfg.Service.SubmitSignature(ctx, input.Body.SignerDID, input.Body.AgreementURI, input.Body.CoopDID, input.Body.Payload)
		case domain.SignatureRejected:
			uri, err = cfg.Service.RejectSignature(ctx, input.Body.SignerDID, input.Body.AgreementURI, input.Body.CoopDID)
		case domain.SignatureCanceled:
			uri, err = cfg.Service.CancelSignatureRequest(ctx, input.Body.CoopDID, input.Body.AgreementURI, input.Body.SignerDID)
		case domain.SignatureRetracted:
			uri, err = cfg.Service.RetractSignature(ctx, input.Body.SignerDID, input.Body.AgreementURI, input.Body.CoopDID)
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown signature status", nil)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return accepted(uri), nil
	})
}

func registerHub(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "hub-register",
		Method:        http.MethodPost,
		Path:          federation.PathHubRegister,
		Summary:       "Register a cooperative with this hub",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body federation.HubRegisterBody `json:"body"`
	}) (*acceptedResponse, error) {
		if err := requireActor(ctx, input.Body.CoopDID); err != nil {
			return nil, err
		}
		if err := cfg.Service.RegisterCoop(ctx, input.Body.CoopDID, input.Body.BaseURL); err != nil {
			return nil, handleError(err)
		}
		return accepted(""), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "hub-notify",
		Method:        http.MethodPost,
		Path:          federation.PathHubNotify,
		Summary:       "Receive a notification from a registered cooperative",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body federation.HubNotifyBody `json:"body"`
	}) (*acceptedResponse, error) {
		if err := requireActor(ctx, input.Body.CoopDID); err != nil {
			return nil, err
		}
		var payload string
		if input.Body.Payload != nil {
			data, err := json.Marshal(input.Body.Payload)
			if err != nil {
				return nil, handleError(err)
			}
			payload = string(data)
		}
		if err := cfg.Service.RecordNotification(ctx, input.Body.CoopDID, input.Body.Kind, payload); err != nil {
			return nil, handleError(err)
		}
		return accepted(""), nil
	})
}
