// Package dispatch fans admitted submissions out to the worker pool.
//
// One producer (intake) broadcasts to every subscriber; each worker
// subscribes once and filters for its own thread id, so exactly one worker
// acts on a given message. Per-subscriber order follows publish order; no
// order is promised across workers.
//
// Publish never blocks. When a subscriber's buffer is full the oldest
// message is dropped to make room - a dropped submission is not lost, its
// row is still Pending in the ledger and the fallback reconciler picks it
// up once it ages past the threshold.
package dispatch

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/availproject/turbo-da/internal/metrics"
)

// Message is one admitted submission on its way to a worker.
type Message struct {
	SubmissionID string
	ThreadID     int
	AppAccountID string
	UserID       string
	ChainAppID   int32
	Payload      []byte
}

// Broadcaster is the single dispatch channel.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[int]chan Message
	nextID  int
	bufSize int
	log     zerolog.Logger
}

// NewBroadcaster sizes every subscriber buffer at bufSize
// (BROADCAST_CHANNEL_SIZE).
func NewBroadcaster(bufSize int, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		subs:    make(map[int]chan Message),
		bufSize: bufSize,
		log:     logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Subscription is one subscriber's receive side.
type Subscription struct {
	C      <-chan Message
	id     int
	parent *Broadcaster
}

// Cancel detaches the subscription. Pending buffered messages are
// abandoned; the reconciler covers them.
func (s *Subscription) Cancel() {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	delete(s.parent.subs, s.id)
}

// Subscribe registers a new receiver.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, b.bufSize)
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return &Subscription{C: ch, id: id, parent: b}
}

// Publish delivers msg to every subscriber without blocking. A full
// subscriber drops its oldest message first; if the buffer is still full
// (a racing receiver refilled it) the new message is dropped for that
// subscriber instead.
func (b *Broadcaster) Publish(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- msg:
			continue
		default:
		}

		// Buffer full: evict the oldest and retry once.
		select {
		case old := <-ch:
			metrics.DispatchDropped.Inc()
			b.log.Warn().
				Int("subscriber", id).
				Str("dropped_submission_id", old.SubmissionID).
				Msg("dispatch buffer full, dropped oldest message")
		default:
		}

		select {
		case ch <- msg:
		default:
			metrics.DispatchDropped.Inc()
			b.log.Warn().
				Int("subscriber", id).
				Str("submission_id", msg.SubmissionID).
				Msg("dispatch buffer still full, message dropped")
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
