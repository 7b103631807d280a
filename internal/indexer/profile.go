package indexer

import (
	"context"
	"encoding/json"

	"coopmesh/internal/domain"
)

// applyProfile mirrors a cooperative's self-published profile record.
// Profiles are single-sided and keyed by the author DID, so a plain
// upsert is already idempotent. Deletes empty the row rather than
// removing it so search stops matching but history stays.
func (ix Indexer) applyProfile(ctx context.Context, evt domain.ChangeEvent) error {
	p := domain.CoopProfile{
		DID:       evt.AuthorDID,
		UpdatedAt: evt.Time,
	}
	if evt.Action != domain.ActionDelete {
		p.Handle = recordString(evt.Record, "handle")
		p.Name = recordString(evt.Record, "name")
		p.Description = recordString(evt.Record, "description")
		if evt.Record != nil {
			data, err := json.Marshal(evt.Record)
			if err != nil {
				return err
			}
			p.ProfileJSON = string(data)
		}
	}
	return ix.Repo.UpsertCoopProfile(ctx, p)
}
