package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"coopmesh/internal/domain"
	"coopmesh/internal/repo"
)

// applyAgreementSignature upserts the signature row for an agreement.
// One record per (agreement, signer); status changes arrive as updates
// of the same record, a delete retracts it.
func (ix Indexer) applyAgreementSignature(ctx context.Context, evt domain.ChangeEvent) error {
	if evt.Action == domain.ActionDelete {
		return ix.retractSignature(ctx, evt)
	}
	agreementURI := recordString(evt.Record, "agreement")
	signerDID := recordString(evt.Record, "signer")
	if signerDID == "" {
		signerDID = evt.AuthorDID
	}
	if agreementURI == "" {
		return fmt.Errorf("agreement signature %s names no agreement", evt.LocationURI)
	}
	status := recordString(evt.Record, "status")
	if status == "" {
		status = domain.SignatureRequested
	}
	sig := domain.AgreementSignature{
		ID:           evt.LocationURI,
		AgreementURI: agreementURI,
		SignerDID:    signerDID,
		CoopDID:      recordString(evt.Record, "coop"),
		Status:       status,
		CreatedAt:    evt.Time,
	}
	if payload, ok := evt.Record["payload"]; ok {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("agreement signature payload: %w", err)
		}
		s := string(data)
		sig.PayloadJSON = &s
	}
	return ix.Repo.UpsertAgreementSignature(ctx, sig)
}

func (ix Indexer) retractSignature(ctx context.Context, evt domain.ChangeEvent) error {
	err := ix.Repo.UpdateAgreementSignatureStatusByID(ctx, evt.LocationURI, domain.SignatureRetracted)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	return err
}
