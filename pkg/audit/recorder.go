package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Unrecorded is the ID returned by Record when the store rejected the event.
const Unrecorded = "unrecorded"

// Recorder wraps a Store with best-effort writes and in-process fan-out.
// A store failure never reaches the caller: the event is logged instead and
// counted in Fallbacks.
type Recorder struct {
	store     Store
	log       *slog.Logger
	fallbacks atomic.Int64

	mu   sync.RWMutex
	subs map[chan *Event]struct{}
}

// NewRecorder creates a Recorder over store.
func NewRecorder(store Store, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		store: store,
		log:   log.With("component", "audit"),
		subs:  make(map[chan *Event]struct{}),
	}
}

// Record appends an event and returns its ID, or Unrecorded on failure.
func (r *Recorder) Record(ctx context.Context, e Event) string {
	stored, err := r.store.Append(ctx, &e)
	if err != nil {
		r.fallbacks.Add(1)
		r.log.Warn("audit write failed",
			"action", e.Action,
			"task_id", e.TaskID,
			"user_id", e.UserID,
			"source", e.Source,
			"details", e.Details,
			"error", err,
		)
		return Unrecorded
	}

	r.mu.RLock()
	for ch := range r.subs {
		select {
		case ch <- stored:
		default:
			// subscriber is behind; drop to avoid blocking Record
		}
	}
	r.mu.RUnlock()

	return stored.ID
}

// Fallbacks returns how many events were logged instead of stored.
func (r *Recorder) Fallbacks() int64 {
	return r.fallbacks.Load()
}

// Query passes through to the underlying store.
func (r *Recorder) Query(ctx context.Context, f Filter) ([]Event, error) {
	return r.store.Query(ctx, f)
}

// Count passes through to the underlying store.
func (r *Recorder) Count(ctx context.Context, f Filter) (int, error) {
	return r.store.Count(ctx, f)
}

// VerifyChain passes through to the underlying store.
func (r *Recorder) VerifyChain(ctx context.Context) error {
	return r.store.VerifyChain(ctx)
}

// Subscribe returns a buffered channel that receives every recorded event.
func (r *Recorder) Subscribe() chan *Event {
	ch := make(chan *Event, 64)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (r *Recorder) Unsubscribe(ch chan *Event) {
	r.mu.Lock()
	delete(r.subs, ch)
	r.mu.Unlock()
	close(ch)
}
