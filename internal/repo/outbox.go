package repo

import (
	"context"
	"database/sql"
	"time"

	"coopmesh/internal/domain"
)

// InsertOutbox enqueues a message, due immediately.
func (r Repo) InsertOutbox(ctx context.Context, msg domain.OutboxMessage) error {
	now := nowRFC3339()
	if msg.NextAttemptAt == "" {
		msg.NextAttemptAt = now
	}
	if msg.Status == "" {
		msg.Status = domain.OutboxPending
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO outbox(id,target_url,endpoint,method,payload,status,attempts,max_attempts,next_attempt_at,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		msg.ID, msg.TargetURL, msg.Endpoint, msg.Method, msg.Payload, msg.Status, msg.Attempts, msg.MaxAttempts, msg.NextAttemptAt, now)
	return err
}

// InsertOutboxTx is InsertOutbox inside an existing transaction, so a
// business write and its outgoing notification commit atomically.
func (r Repo) InsertOutboxTx(ctx context.Context, tx *sql.Tx, msg domain.OutboxMessage) error {
	now := nowRFC3339()
	if msg.NextAttemptAt == "" {
		msg.NextAttemptAt = now
	}
	if msg.Status == "" {
		msg.Status = domain.OutboxPending
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO outbox(id,target_url,endpoint,method,payload,status,attempts,max_attempts,next_attempt_at,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		msg.ID, msg.TargetURL, msg.Endpoint, msg.Method, msg.Payload, msg.Status, msg.Attempts, msg.MaxAttempts, msg.NextAttemptAt, now)
	return err
}

// ClaimDueOutbox atomically transitions up to limit due messages to
// "sending" and returns them. The UPDATE is the concurrency boundary:
// a row claimed here cannot be claimed by another cycle. Rows stuck in
// "sending" longer than grace (a crashed previous cycle) are
// reclaimed the same way.
func (r Repo) ClaimDueOutbox(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]domain.OutboxMessage, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	staleStr := now.Add(-grace).UTC().Format(time.RFC3339)
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM outbox
WHERE (status IN ('pending','failed') AND next_attempt_at <= ?)
   OR (status = 'sending' AND next_attempt_at <= ?)
ORDER BY next_attempt_at ASC LIMIT ?`, nowStr, staleStr, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	var claimed []domain.OutboxMessage
	for _, id := range ids {
		// Stamping next_attempt_at marks when the claim happened, so
		// the stale-sending check above measures grace from the claim,
		// not from the original due time.
		res, err := r.DB.ExecContext(ctx, `UPDATE outbox SET status='sending', attempts=attempts+1, next_attempt_at=?
WHERE id=? AND ((status IN ('pending','failed') AND next_attempt_at <= ?) OR (status='sending' AND next_attempt_at <= ?))`,
			nowStr, id, nowStr, staleStr)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		msg, err := r.GetOutbox(ctx, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, msg)
	}
	return claimed, nil
}

// MarkOutboxSent finalizes a successful delivery.
func (r Repo) MarkOutboxSent(ctx context.Context, id string) error {
	now := nowRFC3339()
	_, err := r.DB.ExecContext(ctx, `UPDATE outbox SET status='sent', last_error=NULL, sent_at=?, completed_at=? WHERE id=? AND status='sending'`, now, now, id)
	return err
}

// MarkOutboxFailed records a delivery failure and schedules the retry.
func (r Repo) MarkOutboxFailed(ctx context.Context, id, lastError string, nextAttemptAt time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE outbox SET status='failed', last_error=?, next_attempt_at=? WHERE id=? AND status='sending'`,
		lastError, nextAttemptAt.UTC().Format(time.RFC3339), id)
	return err
}

// MarkOutboxDead moves a message to the terminal state after its retry
// budget is exhausted. Dead messages are never auto-resurrected.
func (r Repo) MarkOutboxDead(ctx context.Context, id, lastError string) error {
	now := nowRFC3339()
	_, err := r.DB.ExecContext(ctx, `UPDATE outbox SET status='dead', last_error=?, completed_at=? WHERE id=? AND status='sending'`, lastError, now, id)
	return err
}

// RetryOutbox resurrects a dead message to pending. Manual
// intervention path only.
func (r Repo) RetryOutbox(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE outbox SET status='pending', attempts=0, next_attempt_at=?, completed_at=NULL WHERE id=? AND status='dead'`, nowRFC3339(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetOutbox(ctx context.Context, id string) (domain.OutboxMessage, error) {
	return scanOutbox(r.DB.QueryRowContext(ctx, `SELECT id,target_url,endpoint,method,payload,status,attempts,max_attempts,next_attempt_at,last_error,created_at,sent_at,completed_at FROM outbox WHERE id=?`, id))
}

func (r Repo) ListOutbox(ctx context.Context, status string, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,target_url,endpoint,method,payload,status,attempts,max_attempts,next_attempt_at,last_error,created_at,sent_at,completed_at FROM outbox`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutboxMessage
	for rows.Next() {
		var msg domain.OutboxMessage
		var lastError, sentAt, completedAt sql.NullString
		if err := rows.Scan(&msg.ID, &msg.TargetURL, &msg.Endpoint, &msg.Method, &msg.Payload, &msg.Status, &msg.Attempts, &msg.MaxAttempts, &msg.NextAttemptAt, &lastError, &msg.CreatedAt, &sentAt, &completedAt); err != nil {
			return nil, err
		}
		if lastError.Valid {
			msg.LastError = lastError.String
		}
		if sentAt.Valid {
			msg.SentAt = &sentAt.String
		}
		if completedAt.Valid {
			msg.CompletedAt = &completedAt.String
		}
		res = append(res, msg)
	}
	return res, nil
}

func scanOutbox(row *sql.Row) (domain.OutboxMessage, error) {
	var msg domain.OutboxMessage
	var lastError, sentAt, completedAt sql.NullString
	err := row.Scan(&msg.ID, &msg.TargetURL, &msg.Endpoint, &msg.Method, &msg.Payload, &msg.Status, &msg.Attempts, &msg.MaxAttempts, &msg.NextAttemptAt, &lastError, &msg.CreatedAt, &sentAt, &completedAt)
	if err == sql.ErrNoRows {
		return msg, ErrNotFound
	}
	if lastError.Valid {
		msg.LastError = lastError.String
	}
	if sentAt.Valid {
		msg.SentAt = &sentAt.String
	}
	if completedAt.Valid {
		msg.CompletedAt = &completedAt.String
	}
	return msg, err
}
