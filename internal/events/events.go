package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/openbatch/ft-sender/internal/types"

	"github.com/google/uuid"
)

type Kind string

const (
	KindPushed         Kind = "pushed"
	KindPeeked         Kind = "peeked"
	KindSuccess        Kind = "success"
	KindFailed         Kind = "failed"
	KindBatchProcessed Kind = "batchProcessed"
	KindBatchFailed    Kind = "batchFailed"
	KindLoopCompleted  Kind = "loopCompleted"
)

// Event is a best-effort lifecycle notification. Which fields are set
// depends on the kind: Item for pushed/success/failed, Items for
// peeked, Count and OK for batchProcessed/batchFailed.
type Event struct {
	Kind   Kind
	At     time.Time
	Item   *types.Item
	Items  []types.Item
	TxHash string
	Error  string
	Count  int
	OK     bool
}

// Bus fans events out to in-process subscribers. Delivery is
// best-effort: a subscriber that doesn't drain its channel loses
// events, it never blocks the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]chan Event
	buffer int
	log    *slog.Logger
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}

	return &Bus{
		subs:   make(map[uuid.UUID]chan Event),
		buffer: buffer,
		log:    slog.With("component", "events"),
	}
}

// Subscribe registers a new subscriber and returns its id and channel.
func (b *Bus) Subscribe() (uuid.UUID, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New()
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch

	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.log.Debug("subscriber is lagging, dropping event",
				"subscriber", id, "kind", event.Kind)
		}
	}
}
