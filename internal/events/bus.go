package events

import (
	"errors"
	"sync"
	"time"

	"github.com/reelworks/orchestrator/internal/metrics"
	"github.com/rs/zerolog"
)

// ErrReplayGap is returned when a subscriber's last-seen sequence predates
// the replay buffer. The subscriber must fall back to a full state fetch
// instead of receiving a silently incomplete stream.
var ErrReplayGap = errors.New("requested sequence predates replay buffer")

// DefaultReplayBuffer is the per-job replay ring size.
const DefaultReplayBuffer = 1024

// DefaultSubscriberBuffer is the per-subscriber channel buffer.
const DefaultSubscriberBuffer = 64

// Bus fans out job and item events to subscribers scoped by job. Delivery
// is at-least-once while a subscriber is connected; ordering is guaranteed
// per job and not across jobs. A subscriber that cannot drain its buffer is
// closed and flagged lagged, forcing a reconnect-with-replay.
type Bus struct {
	mu      sync.Mutex
	streams map[string]*stream

	replayBuffer     int
	subscriberBuffer int
	logger           zerolog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithReplayBuffer sets the per-job replay ring size.
func WithReplayBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.replayBuffer = n
		}
	}
}

// WithSubscriberBuffer sets the per-subscriber channel buffer.
func WithSubscriberBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.subscriberBuffer = n
		}
	}
}

// New creates an event bus.
func New(logger zerolog.Logger, opts ...Option) *Bus {
	b := &Bus{
		streams:          make(map[string]*stream),
		replayBuffer:     DefaultReplayBuffer,
		subscriberBuffer: DefaultSubscriberBuffer,
		logger:           logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type stream struct {
	mu   sync.Mutex
	seq  uint64
	buf  []Envelope
	cap  int
	subs map[*Subscription]struct{}
}

// Subscription receives one job's events in sequence order.
type Subscription struct {
	ch     chan Envelope
	jobID  string
	stream *stream

	closeOnce sync.Once
	lagged    bool
}

// C returns the receive channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Envelope { return s.ch }

// Lagged reports whether the subscription was closed because the consumer
// fell too far behind. The consumer should reconnect with its last-seen
// sequence to replay what it missed.
func (s *Subscription) Lagged() bool {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	return s.lagged
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	s.detachLocked()
}

func (s *Subscription) detachLocked() {
	s.closeOnce.Do(func() {
		delete(s.stream.subs, s)
		close(s.ch)
		metrics.EventSubscribers.Dec()
	})
}

func (b *Bus) stream(jobID string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[jobID]
	if !ok {
		st = &stream{cap: b.replayBuffer, subs: make(map[*Subscription]struct{})}
		b.streams[jobID] = st
	}
	return st
}

// Publish stamps env with the job's next sequence number, appends it to the
// replay ring, and fans it out. The stamped envelope is returned.
func (b *Bus) Publish(env Envelope) Envelope {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	st := b.stream(env.JobID)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.seq++
	env.Sequence = st.seq

	st.buf = append(st.buf, env)
	if len(st.buf) > st.cap {
		st.buf = st.buf[len(st.buf)-st.cap:]
	}
	metrics.EventsPublishedTotal.WithLabelValues(env.Type).Inc()

	for sub := range st.subs {
		select {
		case sub.ch <- env:
		default:
			// Consumer is not draining. Cut it loose rather than block
			// or silently drop; it reconnects and replays from its
			// last-seen sequence.
			sub.lagged = true
			sub.detachLocked()
			b.logger.Warn().Str("job_id", env.JobID).Uint64("seq", env.Sequence).Msg("dropped lagging subscriber")
		}
	}
	return env
}

// SubscribeLive attaches from the job's current position: only events
// published after the call are delivered.
func (b *Bus) SubscribeLive(jobID string) *Subscription {
	st := b.stream(jobID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return b.attachLocked(st, jobID, nil)
}

// SubscribeFrom attaches with catch-up: buffered events with sequence
// greater than since are replayed first, then delivery continues live with
// no gap. When since predates the ring, ErrReplayGap is returned and the
// caller must do a full state fetch.
func (b *Bus) SubscribeFrom(jobID string, since uint64) (*Subscription, error) {
	st := b.stream(jobID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if since > st.seq {
		metrics.EventReplayGapsTotal.Inc()
		return nil, ErrReplayGap
	}

	oldest := st.seq - uint64(len(st.buf)) // sequence before the first buffered event
	if since < oldest {
		metrics.EventReplayGapsTotal.Inc()
		return nil, ErrReplayGap
	}

	replay := st.buf[len(st.buf)-int(st.seq-since):]
	return b.attachLocked(st, jobID, replay), nil
}

func (b *Bus) attachLocked(st *stream, jobID string, replay []Envelope) *Subscription {
	sub := &Subscription{
		ch:     make(chan Envelope, b.subscriberBuffer+len(replay)),
		jobID:  jobID,
		stream: st,
	}
	for _, env := range replay {
		sub.ch <- env
	}
	st.subs[sub] = struct{}{}
	metrics.EventSubscribers.Inc()
	return sub
}

// Sequence returns the last assigned sequence for a job, 0 when none.
func (b *Bus) Sequence(jobID string) uint64 {
	st := b.stream(jobID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.seq
}

// Release drops a job's stream, closing any remaining subscriptions. Called
// when a terminal job's retention lapses and on shutdown.
func (b *Bus) Release(jobID string) {
	b.mu.Lock()
	st, ok := b.streams[jobID]
	if ok {
		delete(b.streams, jobID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for sub := range st.subs {
		sub.detachLocked()
	}
}

// Shutdown releases every stream.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	streams := b.streams
	b.streams = make(map[string]*stream)
	b.mu.Unlock()

	for _, st := range streams {
		st.mu.Lock()
		for sub := range st.subs {
			sub.detachLocked()
		}
		st.mu.Unlock()
	}
}
