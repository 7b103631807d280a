package indexer

import (
	"context"
	"fmt"

	"coopmesh/internal/domain"
	"coopmesh/internal/firehose"
)

// ReadModelCursor names the persisted replay position of the local
// read models over the event log.
const ReadModelCursor = "read_models"

const catchupBatch = 100

// CatchUp replays event-log rows the read models have not seen yet,
// starting after the persisted cursor. Writes index synchronously, so
// normally there is nothing to replay; after a crash between an event
// commit and its indexing this is the healing path. Returns the number
// of rows replayed.
func (ix Indexer) CatchUp(ctx context.Context) (int, error) {
	cursor, err := ix.Repo.GetIndexCursor(ctx, ReadModelCursor)
	if err != nil {
		return 0, err
	}
	replayed := 0
	for {
		rows, err := ix.Repo.EventsAfter(ctx, cursor, catchupBatch)
		if err != nil {
			return replayed, err
		}
		if len(rows) == 0 {
			return replayed, nil
		}
		for _, row := range rows {
			evt, err := changeEvent(row)
			if err != nil {
				return replayed, err
			}
			if err := ix.Apply(ctx, evt); err != nil {
				return replayed, err
			}
			cursor = row.Seq
			replayed++
		}
		if err := ix.Repo.AdvanceIndexCursor(ctx, ReadModelCursor, cursor); err != nil {
			return replayed, err
		}
		if len(rows) < catchupBatch {
			return replayed, nil
		}
	}
}

// changeEvent rebuilds the decoded change event an event-log row
// stands for.
func changeEvent(row domain.Event) (domain.ChangeEvent, error) {
	evt := domain.ChangeEvent{
		Seq:         row.Seq,
		AuthorDID:   row.DID,
		Action:      row.Action,
		LocationURI: firehose.LocationURI(row.DID, row.Collection, row.RKey),
		ContentHash: row.ContentHash,
		Time:        row.TS,
	}
	if len(row.Record) > 0 {
		record, err := firehose.UnmarshalRecord(row.Record)
		if err != nil {
			return evt, fmt.Errorf("event %d: %w", row.Seq, err)
		}
		evt.Record = record
	}
	return evt, nil
}
