// Package outbox drains the durable queue of outbound federation
// messages: claim due rows, sign, deliver, and walk each message
// through the retry/backoff/dead-letter state machine.
package outbox

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"coopmesh/internal/domain"
	"coopmesh/internal/httpsig"
	"coopmesh/internal/repo"
)

const maxErrorLen = 4096

// Poller periodically claims due outbox messages and delivers them.
// Safe to run alongside inbound request handling: the atomic claim in
// the storage layer is the concurrency boundary, the processing guard
// only prevents overlapping cycles of this poller.
type Poller struct {
	Repo   repo.Repo
	Client *http.Client
	Logger *log.Logger

	Interval     time.Duration
	Batch        int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	SendingGrace time.Duration

	// SignerDID and Key identify this instance on outbound requests.
	SignerDID string
	Key       *ecdsa.PrivateKey

	Now func() time.Time

	processing atomic.Bool
}

// Run polls until ctx is canceled. The first cycle runs immediately so
// messages queued before startup are not delayed by a full interval.
func (p *Poller) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	p.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll runs one delivery cycle. Returns the number of messages
// processed; 0 when another cycle is still running.
func (p *Poller) Poll(ctx context.Context) int {
	if !p.processing.CompareAndSwap(false, true) {
		return 0
	}
	defer p.processing.Store(false)

	batch := p.Batch
	if batch <= 0 {
		batch = 20
	}
	grace := p.SendingGrace
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	msgs, err := p.Repo.ClaimDueOutbox(ctx, p.now(), grace, batch)
	if err != nil {
		p.logf("outbox: claim cycle failed: %v", err)
		return 0
	}
	for _, msg := range msgs {
		p.process(ctx, msg)
	}
	return len(msgs)
}

func (p *Poller) process(ctx context.Context, msg domain.OutboxMessage) {
	err := p.deliver(ctx, msg)
	if err == nil {
		if err := p.Repo.MarkOutboxSent(ctx, msg.ID); err != nil {
			p.logf("outbox: mark sent %s: %v", msg.ID, err)
		}
		return
	}

	reason := truncate(err.Error(), maxErrorLen)
	if msg.Attempts >= msg.MaxAttempts {
		p.logf("outbox: message %s dead after %d attempts: %s", msg.ID, msg.Attempts, reason)
		if err := p.Repo.MarkOutboxDead(ctx, msg.ID, reason); err != nil {
			p.logf("outbox: mark dead %s: %v", msg.ID, err)
		}
		return
	}
	next := p.now().Add(p.backoff(msg.Attempts))
	p.logf("outbox: message %s attempt %d/%d failed, retry at %s: %s",
		msg.ID, msg.Attempts, msg.MaxAttempts, next.UTC().Format(time.RFC3339), reason)
	if err := p.Repo.MarkOutboxFailed(ctx, msg.ID, reason, next); err != nil {
		p.logf("outbox: mark failed %s: %v", msg.ID, err)
	}
}

func (p *Poller) deliver(ctx context.Context, msg domain.OutboxMessage) error {
	url := msg.TargetURL + msg.Endpoint
	req, err := http.NewRequestWithContext(ctx, msg.Method, url, bytes.NewReader(msg.Payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if len(msg.Payload) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.Key != nil {
		keyID := p.SignerDID + "#coopmesh"
		if err := httpsig.Sign(req.Header, msg.Method, url, msg.Payload, p.Key, keyID, p.now()); err != nil {
			return err
		}
	}
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorLen))
		return fmt.Errorf("remote returned %d: %s", resp.StatusCode, body)
	}
	return nil
}

// backoff returns base * 2^(attempts-1) capped at BackoffMax. attempts
// is the count already spent, always >= 1 for a claimed message.
func (p *Poller) backoff(attempts int) time.Duration {
	base := p.BackoffBase
	if base <= 0 {
		base = 30 * time.Second
	}
	max := p.BackoffMax
	if max <= 0 {
		max = time.Hour
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (p *Poller) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Poller) logf(format string, args ...any) {
	if p.Logger != nil {
		p.Logger.Printf(format, args...)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
