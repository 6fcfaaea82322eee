package audit

import (
	"context"
	crand "crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/signalfx/maestro-ng/internal/logging"
)

// Retry settings (can be tuned in tests)
var sinkMaxRetries = 3
var sinkBaseBackoff = 100 * time.Millisecond

// sinkBackoffJitter adds up to this random duration to backoff (to avoid thundering herd)
var sinkBackoffJitter = 0 * time.Millisecond

// sleepHook is used in tests to avoid sleeping for real
var sleepHook = time.Sleep

type sinkEntry struct {
	sink Sink
	// ignoreErrors makes delivery best-effort: a failing sink is logged
	// and never fails the play.
	ignoreErrors bool
}

// Trail fans audit events out to every registered sink, retrying transient
// delivery failures with exponential backoff. Sinks registered with
// ignoreErrors only ever log their failures; for the others the first
// delivery error is returned to the caller.
type Trail struct {
	mu    sync.Mutex
	sinks []sinkEntry
}

// NewTrail returns an empty Trail. A Trail with no sinks accepts every
// event as a no-op, so callers never need to nil-check.
func NewTrail() *Trail {
	return &Trail{}
}

// Add registers a sink.
func (t *Trail) Add(s Sink, ignoreErrors bool) {
	if s == nil {
		return
	}
	t.mu.Lock()
	t.sinks = append(t.sinks, sinkEntry{sink: s, ignoreErrors: ignoreErrors})
	t.mu.Unlock()
}

// Len returns the number of registered sinks.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sinks)
}

func (t *Trail) entries() []sinkEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sinkEntry(nil), t.sinks...)
}

// PlayStart delivers the play-start event to every sink.
func (t *Trail) PlayStart(ctx context.Context, ev PlayEvent) error {
	return t.deliver(ctx, func(ctx context.Context, s Sink) error { return s.PlayStart(ctx, ev) })
}

// ContainerActionStart delivers a per-container action-start event.
func (t *Trail) ContainerActionStart(ctx context.Context, ev ContainerEvent) error {
	return t.deliver(ctx, func(ctx context.Context, s Sink) error { return s.ContainerActionStart(ctx, ev) })
}

// ContainerActionEnd delivers a per-container terminal result.
func (t *Trail) ContainerActionEnd(ctx context.Context, res ContainerResult) error {
	return t.deliver(ctx, func(ctx context.Context, s Sink) error { return s.ContainerActionEnd(ctx, res) })
}

// PlayEnd delivers the play summary.
func (t *Trail) PlayEnd(ctx context.Context, sum Summary) error {
	return t.deliver(ctx, func(ctx context.Context, s Sink) error { return s.PlayEnd(ctx, sum) })
}

func (t *Trail) deliver(ctx context.Context, send func(context.Context, Sink) error) error {
	var firstErr error
	for _, e := range t.entries() {
		err := t.sendWithRetries(ctx, e.sink, send)
		if err == nil {
			continue
		}
		if e.ignoreErrors {
			logging.Get().Warn().Err(err).Str("sink", e.sink.Name()).Msg("audit sink delivery failed (ignored)")
			continue
		}
		logging.Get().Error().Err(err).Str("sink", e.sink.Name()).Msg("audit sink delivery failed")
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// sendWithRetries attempts delivery with retries and backoff, returning the
// last error if every attempt failed.
func (t *Trail) sendWithRetries(ctx context.Context, s Sink, send func(context.Context, Sink) error) error {
	var lastErr error
	for attempt := 1; attempt <= sinkMaxRetries; attempt++ {
		if err := send(ctx, s); err != nil {
			lastErr = err
			logging.Get().Warn().Err(err).Str("sink", s.Name()).Int("attempt", attempt).Msg("audit delivery attempt failed")
			if attempt < sinkMaxRetries {
				d := backoffDuration(attempt)
				done := make(chan struct{})
				go func() {
					sleepHook(d)
					close(done)
				}()
				select {
				case <-done:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			continue
		}
		return nil
	}
	return lastErr
}

// backoffDuration returns the computed backoff including optional jitter for the given attempt
func backoffDuration(attempt int) time.Duration {
	d := sinkBaseBackoff * time.Duration(1<<uint(attempt-1))
	if sinkBackoffJitter > 0 {
		max := big.NewInt(int64(sinkBackoffJitter))
		if n, err := crand.Int(crand.Reader, max); err == nil {
			d += time.Duration(n.Int64())
		}
	}
	return d
}
