// Package violation holds the per-stream violation state machine.
package violation

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/ppe-monitor/internal/ppe"
)

// Kind is the type of a state transition.
type Kind int

const (
	Opened Kind = iota + 1
	Updated
	Closed
)

func (k Kind) String() string {
	switch k {
	case Opened:
		return "opened"
	case Updated:
		return "updated"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// MarshalJSON encodes the kind as its name.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Transition is emitted whenever an event opens, changes its missing set, or closes.
// Event is a copy; mutating it does not affect the tracker.
type Transition struct {
	Kind    Kind        `json:"kind"`
	Event   ppe.Event   `json:"event"`
	Added   ppe.ItemSet `json:"added,omitempty"`
	Removed ppe.ItemSet `json:"removed,omitempty"`
}

// Options configures a tracker.
type Options struct {
	StreamID      string
	GraceTimeout  time.Duration
	ResolveFrames int // consecutive compliant observations needed to close (default 1)

	// Evidence is called when an event opens and returns the evidence reference to store on it.
	Evidence func(e ppe.Event, obs ppe.Observation) string
	// NewID generates violation IDs (default uuid.New).
	NewID func() uuid.UUID
}

type state struct {
	event        ppe.Event
	lastSeen     time.Time
	compliantRun int
}

// Tracker keeps one violation state per tracked key (worker ID or unknown handle).
// It is owned by a single stream pipeline and is not safe for concurrent use.
type Tracker struct {
	opts   Options
	states map[string]*state
}

// NewTracker creates a tracker.
func NewTracker(opts Options) *Tracker {
	if opts.ResolveFrames < 1 {
		opts.ResolveFrames = 1
	}
	if opts.NewID == nil {
		opts.NewID = uuid.New
	}
	return &Tracker{opts: opts, states: make(map[string]*state)}
}

// Observe applies one observation. Observations of a stream must arrive in time order.
func (t *Tracker) Observe(obs ppe.Observation) []Transition {
	key := obs.Key()
	missing := obs.Missing()
	st, ok := t.states[key]

	var out []Transition

	// A subject seen again after the grace window starts a fresh interval.
	if ok && obs.Timestamp.Sub(st.lastSeen) > t.opts.GraceTimeout {
		out = append(out, t.close(key, st, st.lastSeen, ppe.ReasonWorkerLost))
		st, ok = nil, false
	}

	switch {
	case !missing.Empty() && !ok:
		out = append(out, t.open(key, obs, missing))

	case !missing.Empty():
		st.lastSeen = later(st.lastSeen, obs.Timestamp)
		st.compliantRun = 0
		if missing != st.event.Missing {
			added, removed := st.event.Missing.Diff(missing)
			st.event.Missing = missing
			out = append(out, Transition{Kind: Updated, Event: st.event, Added: added, Removed: removed})
		}

	case ok:
		st.lastSeen = later(st.lastSeen, obs.Timestamp)
		st.compliantRun++
		if st.compliantRun >= t.opts.ResolveFrames {
			out = append(out, t.close(key, st, obs.Timestamp, ppe.ReasonResolved))
		}
	}
	return out
}

// Expire closes every state not seen for longer than the grace timeout as worker_lost.
// The close time is the last time the subject was seen.
func (t *Tracker) Expire(now time.Time) []Transition {
	var out []Transition
	for _, key := range t.keys() {
		st := t.states[key]
		if now.Sub(st.lastSeen) > t.opts.GraceTimeout {
			out = append(out, t.close(key, st, st.lastSeen, ppe.ReasonWorkerLost))
		}
	}
	return out
}

// CloseAll closes every open state with reason. worker_lost closes at the last
// sighting; any other reason closes at now.
func (t *Tracker) CloseAll(now time.Time, reason ppe.CloseReason) []Transition {
	var out []Transition
	for _, key := range t.keys() {
		st := t.states[key]
		at := now
		if reason == ppe.ReasonWorkerLost {
			at = st.lastSeen
		}
		out = append(out, t.close(key, st, at, reason))
	}
	return out
}

// Reset drops every state without emitting closures.
func (t *Tracker) Reset() {
	t.states = make(map[string]*state)
}

// Open returns copies of the open events ordered by open time.
func (t *Tracker) Open() []ppe.Event {
	events := make([]ppe.Event, 0, len(t.states))
	for _, key := range t.keys() {
		events = append(events, t.states[key].event)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].OpenedAt.Before(events[j].OpenedAt) })
	return events
}

// Len returns the number of open states.
func (t *Tracker) Len() int {
	return len(t.states)
}

func (t *Tracker) open(key string, obs ppe.Observation, missing ppe.ItemSet) Transition {
	ev := ppe.Event{
		ID:          t.opts.NewID(),
		StreamID:    t.opts.StreamID,
		WorkerID:    obs.WorkerID,
		Missing:     missing,
		OpenedAt:    obs.Timestamp,
		Score:       obs.Score,
		NeedsReview: !obs.Known(),
	}
	if !obs.Known() {
		ev.Handle = obs.Handle
	}
	if t.opts.Evidence != nil {
		ev.EvidencePath = t.opts.Evidence(ev, obs)
	}
	t.states[key] = &state{event: ev, lastSeen: obs.Timestamp}
	return Transition{Kind: Opened, Event: ev, Added: missing}
}

func (t *Tracker) close(key string, st *state, at time.Time, reason ppe.CloseReason) Transition {
	ev := st.event
	closedAt := later(at, ev.OpenedAt)
	ev.ClosedAt = &closedAt
	ev.Reason = reason
	delete(t.states, key)
	return Transition{Kind: Closed, Event: ev}
}

func (t *Tracker) keys() []string {
	keys := make([]string, 0, len(t.states))
	for k := range t.states {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
