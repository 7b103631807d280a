package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"coopmesh/internal/domain"
)

// Agreement signatures converge per (agreement, signer) pair. The
// cooperative authors the request and the cancel; the signer authors
// the signature, the rejection and the retraction. All of them are
// records in the same collection carrying a status, so each side's
// writes flow through the firehose and the indexer like any other.

func (s Service) RequestSignature(ctx context.Context, coopDID, agreementURI, signerDID string, payload map[string]any) (string, error) {
	return s.writeSignatureRecord(ctx, coopDID, agreementURI, signerDID, coopDID, domain.SignatureRequested, payload)
}

func (s Service) SubmitSignature(ctx context.Context, signerDID, agreementURI, coopDID string, payload map[string]any) (string, error) {
	return s.writeSignatureRecord(ctx, signerDID, agreementURI, signerDID, coopDID, domain.SignatureSigned, payload)
}

func (s Service) RejectSignature(ctx context.Context, signerDID, agreementURI, coopDID string) (string, error) {
	return s.writeSignatureRecord(ctx, signerDID, agreementURI, signerDID, coopDID, domain.SignatureRejected, nil)
}

func (s Service) CancelSignatureRequest(ctx context.Context, coopDID, agreementURI, signerDID string) (string, error) {
	return s.writeSignatureRecord(ctx, coopDID, agreementURI, signerDID, coopDID, domain.SignatureCanceled, nil)
}

func (s Service) RetractSignature(ctx context.Context, signerDID, agreementURI, coopDID string) (string, error) {
	return s.writeSignatureRecord(ctx, signerDID, agreementURI, signerDID, coopDID, domain.SignatureRetracted, nil)
}

func (s Service) writeSignatureRecord(ctx context.Context, authorDID, agreementURI, signerDID, coopDID, status string, payload map[string]any) (string, error) {
	if agreementURI == "" || signerDID == "" {
		return "", fmt.Errorf("agreement signature needs agreement and signer identifiers")
	}
	record := map[string]any{
		"$type":     domain.CollectionAgreementSignature,
		"agreement": agreementURI,
		"signer":    signerDID,
		"coop":      coopDID,
		"status":    status,
		"createdAt": s.now().UTC().Format(time.RFC3339),
	}
	if payload != nil {
		record["payload"] = payload
	}
	return s.writeRecord(ctx, authorDID, domain.ActionCreate, domain.CollectionAgreementSignature, uuid.NewString(), record)
}

func (s Service) ListAgreementSignatures(ctx context.Context, agreementURI string) ([]domain.AgreementSignature, error) {
	return s.Repo.ListAgreementSignatures(ctx, agreementURI)
}
