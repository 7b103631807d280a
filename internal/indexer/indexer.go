// Package indexer materializes local read models from decoded change
// events. Every apply path is idempotent: the firehose is at-least-once
// and events for the same record may be re-delivered in any order.
package indexer

import (
	"context"
	"fmt"
	"log"
	"time"

	"coopmesh/internal/domain"
	"coopmesh/internal/firehose"
	"coopmesh/internal/repo"
)

// Notifier receives best-effort local notifications for downstream
// consumers. Calls run outside the indexing transaction and must never
// be able to fail it.
type Notifier interface {
	MembershipActivated(m domain.Membership)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(domain.Membership)

func (f NotifierFunc) MembershipActivated(m domain.Membership) { f(m) }

type Indexer struct {
	Repo     repo.Repo
	Logger   *log.Logger
	Notifier Notifier
}

// Apply routes one change event to the read model its collection
// belongs to. Events for collections this instance does not index are
// ignored, not errors: the firehose carries more than we materialize.
func (ix Indexer) Apply(ctx context.Context, evt domain.ChangeEvent) error {
	_, collection, _, err := firehose.ParseLocationURI(evt.LocationURI)
	if err != nil {
		return fmt.Errorf("apply event: %w", err)
	}
	switch collection {
	case domain.CollectionMembershipRequest:
		return ix.applyMembershipRequest(ctx, evt)
	case domain.CollectionMembershipApproval:
		return ix.applyMembershipApproval(ctx, evt)
	case domain.CollectionAgreementSignature:
		return ix.applyAgreementSignature(ctx, evt)
	case domain.CollectionProfile:
		return ix.applyProfile(ctx, evt)
	default:
		return nil
	}
}

func (ix Indexer) logf(format string, args ...any) {
	if ix.Logger != nil {
		ix.Logger.Printf(format, args...)
	}
}

func (ix Indexer) notifyActivated(m domain.Membership) {
	if ix.Notifier == nil {
		return
	}
	// Fire and forget: a slow or panicking consumer must not stall or
	// fail indexing.
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ix.logf("indexer: membership notifier panicked: %v", r)
			}
		}()
		ix.Notifier.MembershipActivated(m)
	}()
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func recordString(record map[string]any, key string) string {
	if record == nil {
		return ""
	}
	s, _ := record[key].(string)
	return s
}

func recordStrings(record map[string]any, key string) []string {
	raw, ok := record[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
