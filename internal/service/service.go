// Package service holds the business operations behind both the HTTP
// receiving endpoints and the in-process federation client. Every
// write appends a firehose event row in the same transaction as the
// state change, then applies the resulting change event to the local
// read models, so a local mutation is materialized exactly like a
// remote one.
package service

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"coopmesh/internal/domain"
	"coopmesh/internal/events"
	"coopmesh/internal/firehose"
	"coopmesh/internal/indexer"
	"coopmesh/internal/repo"
)

type Service struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Indexer indexer.Indexer
	Logger  *log.Logger
	Now     func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Service) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

// writeRecord commits one record operation to the event log, then
// feeds the change event through the indexer. Indexing happens after
// commit: the event row is the source of truth and indexing is
// idempotent, so a crash between the two is healed by replay.
func (s Service) writeRecord(ctx context.Context, did, action, collection, rkey string, record map[string]any) (string, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	seq, err := s.Events.Append(ctx, tx, did, action, collection, rkey, record)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	uri := firehose.LocationURI(did, collection, rkey)
	evt := domain.ChangeEvent{
		Seq:         seq,
		AuthorDID:   did,
		Action:      action,
		LocationURI: uri,
		Record:      record,
		Time:        s.now().UTC().Format(time.RFC3339),
	}
	if record != nil {
		if _, hash, err := firehose.MarshalRecord(record); err == nil {
			evt.ContentHash = hash
		}
	}
	if err := s.Indexer.Apply(ctx, evt); err != nil {
		return uri, fmt.Errorf("index %s: %w", uri, err)
	}
	// The cursor only moves once both the event row and its read-model
	// projection exist; a crash before this point is healed by CatchUp.
	if err := s.Repo.AdvanceIndexCursor(ctx, indexer.ReadModelCursor, seq); err != nil {
		s.logf("advance index cursor: %v", err)
	}
	return uri, nil
}
