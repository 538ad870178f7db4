package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/kozaktomas/ppe-monitor/internal/ppe"
)

// EventWriter is the write side of the persistence boundary.
type EventWriter interface {
	ViolationWriter
	SessionWriter
}

// RetryOptions configures RetryingWriter.
type RetryOptions struct {
	Retries   int           // attempts after the first one
	Backoff   time.Duration // initial backoff, doubled per attempt
	BufferCap int           // max buffered writes before dropping the oldest
}

// pendingWrite is a buffered violation or session write.
type pendingWrite struct {
	violation *ppe.Event
	session   *ppe.SessionStats
}

func (p pendingWrite) same(q pendingWrite) bool {
	return p.violation == q.violation && p.session == q.session
}

func (p pendingWrite) apply(ctx context.Context, w EventWriter) error {
	if p.violation != nil {
		return w.AppendViolation(ctx, *p.violation)
	}
	return w.AppendSessionSummary(ctx, *p.session)
}

// RetryingWriter wraps an EventWriter with bounded retries and an in-memory backlog.
// Writes that exhaust their retries are buffered and replayed, in order, before
// the next write. Safe for concurrent use by multiple streams: while one write is
// being retried, writes from other streams are buffered instead of waiting.
type RetryingWriter struct {
	next EventWriter
	opts RetryOptions

	send sync.Mutex // serializes calls to next

	mu       sync.Mutex
	backlog  []pendingWrite
	retrying bool
	dropped  int64
}

// NewRetryingWriter creates a retrying writer around next.
func NewRetryingWriter(next EventWriter, opts RetryOptions) *RetryingWriter {
	if opts.BufferCap < 1 {
		opts.BufferCap = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 100 * time.Millisecond
	}
	return &RetryingWriter{next: next, opts: opts}
}

// AppendViolation writes a violation event.
func (w *RetryingWriter) AppendViolation(ctx context.Context, e ppe.Event) error {
	return w.write(ctx, pendingWrite{violation: &e})
}

// AppendSessionSummary writes a session summary.
func (w *RetryingWriter) AppendSessionSummary(ctx context.Context, s ppe.SessionStats) error {
	return w.write(ctx, pendingWrite{session: &s})
}

// Flush retries every buffered write. Returns an error if any remain buffered.
func (w *RetryingWriter) Flush(ctx context.Context) error {
	w.send.Lock()
	if !w.startRetrying() {
		w.send.Unlock()
		return fmt.Errorf("%w: %d writes still buffered: store is being retried", ErrPersistenceWrite, w.Pending())
	}
	w.send.Unlock()
	defer w.stopRetrying()

	for {
		head, ok := w.head()
		if !ok {
			return nil
		}
		if err := w.attempt(ctx, head); err != nil {
			if rerr := w.retry(ctx, head, err); rerr != nil {
				return fmt.Errorf("%w: %d writes still buffered: %w", ErrPersistenceWrite, w.Pending(), rerr)
			}
		}
		w.pop(head)
	}
}

// Pending returns the number of buffered writes.
func (w *RetryingWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.backlog)
}

// Dropped returns the number of writes lost to buffer overflow.
func (w *RetryingWriter) Dropped() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

func (w *RetryingWriter) write(ctx context.Context, p pendingWrite) error {
	w.send.Lock()
	if w.isRetrying() {
		w.send.Unlock()
		w.buffer(p)
		return fmt.Errorf("%w: store is being retried, write buffered", ErrPersistenceWrite)
	}

	// Replay the backlog first so a close never lands before its open.
	for {
		head, ok := w.head()
		if !ok {
			break
		}
		if err := head.apply(ctx, w.next); err != nil {
			w.send.Unlock()
			w.buffer(p)
			return fmt.Errorf("%w: backlog not drained, write buffered: %w", ErrPersistenceWrite, err)
		}
		w.pop(head)
	}

	err := p.apply(ctx, w.next)
	if err == nil {
		w.send.Unlock()
		return nil
	}
	w.startRetrying()
	w.send.Unlock()

	err = w.retry(ctx, p, err)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.retrying = false
	if err != nil {
		// Writes buffered during the retry came later than p.
		w.backlog = append([]pendingWrite{p}, w.backlog...)
		w.trim()
		return fmt.Errorf("%w: %w", ErrPersistenceWrite, err)
	}
	return nil
}

// retry repeats a failed write with exponential backoff. The store lock is
// only held for each attempt.
func (w *RetryingWriter) retry(ctx context.Context, p pendingWrite, err error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = w.opts.Backoff
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(max(w.opts.Retries, 0))), ctx)

	for {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if err = w.attempt(ctx, p); err == nil {
			return nil
		}
	}
}

func (w *RetryingWriter) attempt(ctx context.Context, p pendingWrite) error {
	w.send.Lock()
	defer w.send.Unlock()
	return p.apply(ctx, w.next)
}

func (w *RetryingWriter) isRetrying() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.retrying
}

// startRetrying marks the writer as retrying. Returns false if it already was.
func (w *RetryingWriter) startRetrying() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.retrying {
		return false
	}
	w.retrying = true
	return true
}

func (w *RetryingWriter) stopRetrying() {
	w.mu.Lock()
	w.retrying = false
	w.mu.Unlock()
}

func (w *RetryingWriter) head() (pendingWrite, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.backlog) == 0 {
		return pendingWrite{}, false
	}
	return w.backlog[0], true
}

// pop removes p from the front of the backlog unless overflow already dropped it.
func (w *RetryingWriter) pop(p pendingWrite) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.backlog) > 0 && w.backlog[0].same(p) {
		w.backlog = w.backlog[1:]
	}
}

func (w *RetryingWriter) buffer(p pendingWrite) {
	w.mu.Lock()
	w.enqueue(p)
	w.mu.Unlock()
}

// enqueue must be called with mu held.
func (w *RetryingWriter) enqueue(p pendingWrite) {
	w.backlog = append(w.backlog, p)
	w.trim()
}

// trim drops the oldest writes beyond the buffer cap. mu must be held.
func (w *RetryingWriter) trim() {
	if over := len(w.backlog) - w.opts.BufferCap; over > 0 {
		w.backlog = w.backlog[over:]
		w.dropped += int64(over)
		log.Warn().
			Int("dropped", over).
			Int64("dropped_total", w.dropped).
			Int("buffer_cap", w.opts.BufferCap).
			Msg("Persistence buffer full, oldest events lost")
	}
}
