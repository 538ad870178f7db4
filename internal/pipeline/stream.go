package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/kozaktomas/ppe-monitor/internal/database"
	"github.com/kozaktomas/ppe-monitor/internal/logging"
	"github.com/kozaktomas/ppe-monitor/internal/ppe"
	"github.com/kozaktomas/ppe-monitor/internal/session"
	"github.com/kozaktomas/ppe-monitor/internal/violation"
)

// ErrStopped is returned when a stream is run a second time.
var ErrStopped = errors.New("stream already stopped")

// ReconnectMode decides what happens to tracker state when a source reconnects.
type ReconnectMode string

const (
	ReconnectDiscard ReconnectMode = "discard" // drop state without closing events
	ReconnectClose   ReconnectMode = "close"   // close open events as worker_lost
)

const (
	defaultQueueDepth     = 4
	defaultExpiryInterval = 500 * time.Millisecond
	defaultFlushTimeout   = 10 * time.Second
)

// Detector turns encoded frames into filtered detections.
type Detector interface {
	Detect(ctx context.Context, frame []byte) ([]ppe.Detection, error)
}

// Fuser turns one frame's detections into per-person observations.
type Fuser interface {
	Fuse(ctx context.Context, frame *ppe.Frame, dets []ppe.Detection) ([]ppe.Observation, error)
	Reset()
}

// EvidenceSaver stores the frame that opened a violation.
type EvidenceSaver interface {
	Save(img image.Image, ev ppe.Event, person ppe.BBox) (string, error)
}

type flusher interface {
	Flush(ctx context.Context) error
}

// Options configures a stream.
type Options struct {
	ID             string
	QueueDepth     int
	ExpiryInterval time.Duration
	ReconnectMode  ReconnectMode
	GraceTimeout   time.Duration
	ResolveFrames  int
	AlertThreshold int
	FlushTimeout   time.Duration

	Now func() time.Time
}

// Deps are the collaborators of a stream. Evidence may be nil.
type Deps struct {
	Detector Detector
	Fuser    Fuser
	Writer   database.EventWriter
	Evidence EvidenceSaver
}

// Stream is one camera pipeline: frames are detected, fused and fed to the
// violation tracker strictly one at a time and in arrival order.
type Stream struct {
	Broadcaster

	opts Options
	deps Deps
	log  zerolog.Logger

	queue   *FrameQueue
	tracker *violation.Tracker
	agg     *session.Aggregator
	resetCh chan ReconnectMode

	// owned by the processing goroutine
	current  *ppe.Frame
	alerting bool

	clockMu    sync.Mutex
	streamTime time.Time // timestamp of the newest processed frame
	wallAt     time.Time // wall clock when streamTime was recorded

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	srcErr  error
}

// NewStream creates a stream. Its session starts immediately.
func NewStream(opts Options, deps Deps) *Stream {
	if opts.QueueDepth < 1 {
		opts.QueueDepth = defaultQueueDepth
	}
	if opts.ExpiryInterval <= 0 {
		opts.ExpiryInterval = defaultExpiryInterval
	}
	if opts.ReconnectMode == "" {
		opts.ReconnectMode = ReconnectClose
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = defaultFlushTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Stream{
		opts:    opts,
		deps:    deps,
		log:     logging.Stream(opts.ID),
		queue:   NewFrameQueue(opts.QueueDepth),
		resetCh: make(chan ReconnectMode, 1),
		done:    make(chan struct{}),
	}
	s.tracker = violation.NewTracker(violation.Options{
		StreamID:      opts.ID,
		GraceTimeout:  opts.GraceTimeout,
		ResolveFrames: opts.ResolveFrames,
		Evidence:      s.saveEvidence,
	})
	s.agg = session.New(session.Options{
		StreamID:       opts.ID,
		AlertThreshold: opts.AlertThreshold,
		Now:            s.now,
	})
	return s
}

// ID returns the stream identifier.
func (s *Stream) ID() string {
	return s.opts.ID
}

// Stats returns a snapshot of the session counters.
func (s *Stream) Stats() ppe.SessionStats {
	return s.agg.Snapshot()
}

// Registry returns the stream's metrics registry.
func (s *Stream) Registry() *prometheus.Registry {
	return s.agg.Registry()
}

// Running reports whether Run has started and not yet returned.
func (s *Stream) Running() bool {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Run reads frames from src until it is exhausted, fails permanently, or ctx
// is cancelled. Before returning, open violations are closed with
// session_ended and the session summary is written.
func (s *Stream) Run(ctx context.Context, src Source) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrStopped
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	cancel := s.cancel
	s.mu.Unlock()
	defer close(s.done)
	defer cancel()

	s.log.Info().Str("session", s.agg.SessionID().String()).Msg("Stream started")
	go s.produce(ctx, src)

	ticker := time.NewTicker(s.opts.ExpiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.finish()
			return nil

		case mode := <-s.resetCh:
			s.reset(ctx, mode)

		case <-ticker.C:
			s.apply(ctx, s.tracker.Expire(s.now()))

		case <-s.queue.Ready():
			for ctx.Err() == nil {
				f, ok := s.queue.TryPop()
				if !ok {
					break
				}
				s.process(ctx, f)
			}
			if s.queue.Drained() {
				s.finish()
				return s.sourceErr()
			}
		}
	}
}

// Stop cancels a running stream and waits until its session is closed.
func (s *Stream) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}
	cancel()
	<-s.done
}

// Done is closed when Run returns.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// ResetState asks the processing loop to reset tracker state. A reset already
// pending is not queued twice.
func (s *Stream) ResetState(mode ReconnectMode) {
	select {
	case s.resetCh <- mode:
	default:
	}
}

func (s *Stream) produce(ctx context.Context, src Source) {
	defer s.queue.Close()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	connected := true
	for {
		f, err := src.Next(ctx)
		switch {
		case err == nil:
			if !connected {
				s.log.Info().Msg("Source reconnected")
				connected = true
			}
			bo.Reset()
			if n := s.queue.Push(f); n > 0 {
				s.agg.OnDropped(int64(n))
			}
			continue

		case errors.Is(err, io.EOF), ctx.Err() != nil:
			return

		case errors.Is(err, ErrSourceUnavailable):
			if connected {
				connected = false
				s.log.Warn().Err(err).Msg("Source disconnected")
				s.SendEvent(Event{Type: EventError, StreamID: s.opts.ID, Message: err.Error()})
				s.ResetState(s.opts.ReconnectMode)
			}

		default:
			s.log.Error().Err(err).Msg("Source failed")
			s.mu.Lock()
			s.srcErr = fmt.Errorf("stream %s: %w", s.opts.ID, err)
			s.mu.Unlock()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (s *Stream) process(ctx context.Context, f *ppe.Frame) {
	dets, err := s.deps.Detector.Detect(ctx, f.Data)
	if err != nil {
		s.frameFailed(ctx, f, "detection", err)
		return
	}
	obs, err := s.deps.Fuser.Fuse(ctx, f, dets)
	if err != nil {
		s.frameFailed(ctx, f, "fusion", err)
		return
	}

	s.advance(f.Timestamp)
	s.current = f
	for _, o := range obs {
		s.apply(ctx, s.tracker.Observe(o))
	}
	s.current = nil
	s.apply(ctx, s.tracker.Expire(f.Timestamp))
	s.agg.OnFrame(len(dets), obs)

	s.log.Trace().Int64("frame", f.ID).Int("detections", len(dets)).Int("observations", len(obs)).Msg("Frame processed")
}

func (s *Stream) frameFailed(ctx context.Context, f *ppe.Frame, stage string, err error) {
	if ctx.Err() != nil {
		return
	}
	s.agg.OnFailed()
	s.log.Warn().Err(err).Int64("frame", f.ID).Str("stage", stage).Msg("Frame dropped")
	s.SendEvent(Event{Type: EventError, StreamID: s.opts.ID, Message: fmt.Sprintf("frame %d: %s: %v", f.ID, stage, err)})
}

// apply records transitions in the aggregator, persists them and notifies listeners.
func (s *Stream) apply(ctx context.Context, trs []violation.Transition) {
	for _, tr := range trs {
		s.agg.OnTransition(tr)

		if err := s.deps.Writer.AppendViolation(ctx, tr.Event); err != nil {
			s.log.Warn().Err(err).Str("violation", tr.Event.ID.String()).Msg("Violation write deferred")
		}

		ev := s.log.Info()
		if tr.Kind == violation.Updated {
			ev = s.log.Debug()
		}
		ev.Str("violation", tr.Event.ID.String()).
			Str("worker", tr.Event.WorkerID).
			Uint64("handle", tr.Event.Handle).
			Stringer("missing", tr.Event.Missing).
			Str("reason", string(tr.Event.Reason)).
			Msgf("Violation %s", tr.Kind)

		s.SendEvent(Event{Type: eventType(tr.Kind), StreamID: s.opts.ID, Data: tr})

		if tr.Kind == violation.Opened {
			s.checkAlert()
		}
	}
}

func (s *Stream) checkAlert() {
	alert, n := s.agg.Alert(s.now())
	if alert && !s.alerting {
		msg := fmt.Sprintf("%d violations in the last minute", n)
		s.log.Warn().Int("count", n).Msg("Violation alert")
		s.SendEvent(Event{Type: EventAlert, StreamID: s.opts.ID, Message: msg, Data: n})
	}
	s.alerting = alert
}

func (s *Stream) reset(ctx context.Context, mode ReconnectMode) {
	switch mode {
	case ReconnectDiscard:
		s.log.Info().Int("open", s.tracker.Len()).Msg("Discarding tracker state")
		s.tracker.Reset()
	default:
		s.log.Info().Int("open", s.tracker.Len()).Msg("Closing tracker state")
		s.apply(ctx, s.tracker.CloseAll(s.now(), ppe.ReasonWorkerLost))
	}
	s.deps.Fuser.Reset()
}

// finish closes the session. It runs on a fresh context so that persistence
// still happens after the run context is cancelled.
func (s *Stream) finish() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.FlushTimeout)
	defer cancel()

	end := s.now()
	s.apply(ctx, s.tracker.CloseAll(end, ppe.ReasonSessionEnded))
	s.agg.End(end)

	summary := s.agg.Snapshot()
	if err := s.deps.Writer.AppendSessionSummary(ctx, summary); err != nil {
		s.log.Warn().Err(err).Msg("Session summary write deferred")
	}
	if f, ok := s.deps.Writer.(flusher); ok {
		if err := f.Flush(ctx); err != nil {
			s.log.Error().Err(err).Msg("Flushing pending writes failed")
		}
	}

	s.log.Info().
		Int64("frames", summary.FrameCount).
		Int64("dropped", summary.DroppedFrames).
		Int64("violations", summary.ViolationsOpened).
		Dur("duration", summary.Duration(end)).
		Msg("Stream stopped")
	s.SendEvent(Event{Type: EventStopped, StreamID: s.opts.ID, Data: summary})
}

func (s *Stream) saveEvidence(e ppe.Event, obs ppe.Observation) string {
	if s.deps.Evidence == nil || s.current == nil {
		return ""
	}
	img, err := s.current.Image()
	if err != nil {
		s.log.Warn().Err(err).Int64("frame", s.current.ID).Msg("Decoding evidence frame failed")
		return ""
	}
	path, err := s.deps.Evidence.Save(img, e, obs.PersonBox)
	if err != nil {
		s.log.Warn().Err(err).Str("violation", e.ID.String()).Msg("Saving evidence failed")
		return ""
	}
	return path
}

func (s *Stream) sourceErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srcErr
}

// advance moves the stream clock to a frame timestamp.
func (s *Stream) advance(ts time.Time) {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	if ts.After(s.streamTime) {
		s.streamTime = ts
	}
	s.wallAt = s.opts.Now()
}

// now returns stream time: the newest frame timestamp plus the wall time
// elapsed since it was processed. Before the first frame it is the wall clock.
func (s *Stream) now() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	wall := s.opts.Now()
	if s.streamTime.IsZero() {
		return wall
	}
	return s.streamTime.Add(wall.Sub(s.wallAt))
}

func eventType(k violation.Kind) string {
	switch k {
	case violation.Opened:
		return EventOpened
	case violation.Updated:
		return EventUpdated
	default:
		return EventClosed
	}
}
