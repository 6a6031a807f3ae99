package atlas

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultBacklogSize is the capacity of the replay ring. Events published
// with no subscribers, or diverted from an evicted subscriber, land here and
// are replayed to the next subscriber in insertion order.
const defaultBacklogSize = 500

// defaultSubscriberBuffer is the per-subscriber queue capacity. A subscriber
// whose queue fills up is evicted; producers never block on subscribers.
const defaultSubscriberBuffer = 256

// defaultChatQueueBuffer is the per-chat content queue capacity.
const defaultChatQueueBuffer = 1024

// Subscriber is one registered consumer of the global broadcast.
type Subscriber struct {
	// C delivers events in publish order until the subscriber is evicted
	// or unsubscribed, at which point it is closed.
	C chan Event

	bus *Bus
}

// Close unsubscribes from the owning bus. Idempotent.
func (s *Subscriber) Close() {
	if s.bus != nil {
		s.bus.Unsubscribe(s)
	}
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusLogger sets a structured logger for the bus.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

// WithBacklogSize overrides the replay ring capacity.
func WithBacklogSize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.backlogCap = n
		}
	}
}

// Bus fans out every state change, content chunk, and telemetry event to
// (a) a per-chat content queue consumed by the turn's streaming HTTP
// response, and (b) a global subscriber set feeding /chat/stream/all.
type Bus struct {
	mu         sync.Mutex
	subs       map[*Subscriber]struct{}
	backlog    []Event
	backlogCap int
	chats      map[string]*chatQueue
	logger     *slog.Logger
}

type chatQueue struct {
	ch chan Event
	// refs counts open consumers; the queue is dropped at zero.
	refs int
}

// NewBus creates an event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:       make(map[*Subscriber]struct{}),
		backlogCap: defaultBacklogSize,
		chats:      make(map[string]*chatQueue),
		logger:     nopLogger,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// PublishState publishes a chat_state event to the chat's content queue and
// the global subscriber set.
func (b *Bus) PublishState(chatID string, state ChatState) {
	b.Publish(StateEvent(chatID, state))
}

// PublishContent publishes a content event to the chat's content queue and
// the global subscriber set.
func (b *Bus) PublishContent(chatID string, typ EventType, content any) {
	b.Publish(ContentEvent(chatID, typ, content))
}

// Publish delivers ev to the per-chat queue (when ev.ChatID is set) and
// broadcasts it to every subscriber. Subscribers with full queues are
// evicted and the event is diverted to the backlog; a full queue never
// blocks the producer.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	if ev.ChatID != "" {
		if q, ok := b.chats[ev.ChatID]; ok {
			select {
			case q.ch <- ev:
			default:
				// Content consumer has fallen hopelessly behind; drop rather
				// than stall every other chat.
				b.logger.Warn("bus: chat queue full, dropping event",
					"chat_id", ev.ChatID, "type", ev.Type)
			}
		}
	}

	if len(b.subs) == 0 {
		b.pushBacklogLocked(ev)
		b.mu.Unlock()
		return
	}

	// Snapshot so sends happen outside the lock.
	targets := make([]*Subscriber, 0, len(b.subs))
	for s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	var evicted []*Subscriber
	for _, s := range targets {
		select {
		case s.C <- ev:
		default:
			evicted = append(evicted, s)
		}
	}
	if len(evicted) == 0 {
		return
	}

	b.mu.Lock()
	for _, s := range evicted {
		if _, ok := b.subs[s]; ok {
			delete(b.subs, s)
			close(s.C)
			b.logger.Warn("bus: subscriber evicted (queue full)", "type", ev.Type)
		}
	}
	b.pushBacklogLocked(ev)
	b.mu.Unlock()
}

// Subscribe registers a bounded subscriber queue. Any buffered backlog is
// delivered into the queue immediately, in insertion order; only the
// delivered prefix leaves the backlog.
func (b *Bus) Subscribe() *Subscriber {
	s := &Subscriber{C: make(chan Event, defaultSubscriberBuffer), bus: b}
	b.mu.Lock()
	defer b.mu.Unlock()
	delivered := 0
	for _, ev := range b.backlog {
		select {
		case s.C <- ev:
			delivered++
		default:
			// Backlog larger than the queue; the remainder stays buffered
			// for the next subscriber.
		}
	}
	b.backlog = append(b.backlog[:0], b.backlog[delivered:]...)
	b.subs[s] = struct{}{}
	return s
}

// Unsubscribe removes a subscriber. Idempotent.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.C)
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// BacklogLen returns the number of buffered backlog events.
func (b *Bus) BacklogLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.backlog)
}

// OpenChatQueue returns the chat's content queue channel, creating it on
// first use. Callers must pair with CloseChatQueue.
func (b *Bus) OpenChatQueue(chatID string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.chats[chatID]
	if !ok {
		q = &chatQueue{ch: make(chan Event, defaultChatQueueBuffer)}
		b.chats[chatID] = q
	}
	q.refs++
	return q.ch
}

// CloseChatQueue releases one consumer reference; the queue is dropped when
// the last consumer leaves.
func (b *Bus) CloseChatQueue(chatID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.chats[chatID]
	if !ok {
		return
	}
	q.refs--
	if q.refs <= 0 {
		delete(b.chats, chatID)
	}
}

// WaitForQueueDrain blocks until the chat's content queue has been empty
// continuously for idleGrace, or until timeout elapses. It returns true on
// a clean drain. Used before emitting terminal events so slow SSE consumers
// observe complete/error last.
func (b *Bus) WaitForQueueDrain(ctx context.Context, chatID string, timeout, idleGrace time.Duration) bool {
	deadline := time.Now().Add(timeout)
	var emptySince time.Time

	for {
		b.mu.Lock()
		q, ok := b.chats[chatID]
		empty := !ok || len(q.ch) == 0
		b.mu.Unlock()

		now := time.Now()
		if empty {
			if emptySince.IsZero() {
				emptySince = now
			}
			if now.Sub(emptySince) >= idleGrace {
				return true
			}
		} else {
			emptySince = time.Time{}
		}
		if now.After(deadline) {
			return false
		}

		timer := time.NewTimer(10 * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// pushBacklogLocked appends to the ring, discarding the oldest event when
// the ring is at capacity. Caller holds b.mu.
func (b *Bus) pushBacklogLocked(ev Event) {
	if len(b.backlog) >= b.backlogCap {
		copy(b.backlog, b.backlog[1:])
		b.backlog = b.backlog[:len(b.backlog)-1]
	}
	b.backlog = append(b.backlog, ev)
}
