package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"coopmesh/internal/firehose"
)

// Writer appends rows to the local firehose source log. Every local
// state change that must be visible to other instances goes through
// Append inside the same transaction as the write itself.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append records one record operation and returns its sequence
// number. record may be nil for deletes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, did, action, collection, rkey string, record map[string]any) (int64, error) {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	var blob any
	var hash any
	if record != nil {
		data, contentHash, err := firehose.MarshalRecord(record)
		if err != nil {
			return 0, fmt.Errorf("marshal event record: %w", err)
		}
		blob = data
		hash = contentHash
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(did,action,collection,rkey,record,content_hash,ts) VALUES (?,?,?,?,?,?,?)`,
		did, action, collection, rkey, blob, hash, ts)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
