// Package broadcast pushes committed wallet changes to live connections.
// Delivery is at most once with no replay: a client that needs the truth
// reads the ledger.
package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/Nzyazin/ledger/internal/core/logger"
	"github.com/Nzyazin/ledger/internal/core/metrics"
	"github.com/Nzyazin/ledger/internal/core/models"
)

const DefaultBuffer = 16

var ErrHubClosed = errors.New("event hub is closed")

// Subscription is one live connection. Events arrive on C until the
// subscription is removed or the hub closes, after which C is closed.
type Subscription struct {
	C      <-chan models.WalletEvent
	ch     chan models.WalletEvent
	id     uint64
	userID string
}

type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*Subscription
	nextID uint64
	buffer int
	closed bool

	log     logger.Logger
	metrics *metrics.Ledger
}

func NewHub(buffer int, m *metrics.Ledger, log logger.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:    make(map[string]map[uint64]*Subscription),
		buffer:  buffer,
		log:     log,
		metrics: m,
	}
}

func (h *Hub) Subscribe(userID string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}

	h.nextID++
	ch := make(chan models.WalletEvent, h.buffer)
	sub := &Subscription{C: ch, ch: ch, id: h.nextID, userID: userID}
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[uint64]*Subscription)
	}
	h.subs[userID][sub.id] = sub
	h.metrics.SubscriberDelta(1)
	return sub, nil
}

// Unsubscribe removes sub and closes its channel. Calling it twice, or after
// Close, is a no-op.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.subs[sub.userID]
	if !ok {
		return
	}
	if _, ok := conns[sub.id]; !ok {
		return
	}
	delete(conns, sub.id)
	if len(conns) == 0 {
		delete(h.subs, sub.userID)
	}
	close(sub.ch)
	h.metrics.SubscriberDelta(-1)
}

// Publish hands event to every connection of userID without blocking. A
// connection whose buffer is full misses the event.
func (h *Hub) Publish(ctx context.Context, userID string, event models.WalletEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}

	for _, sub := range h.subs[userID] {
		select {
		case sub.ch <- event:
		default:
			h.metrics.ObserveDroppedEvent()
			h.log.Warn("Subscriber buffer full, event dropped",
				logger.StringField("user_id", userID),
				logger.StringField("event", string(event.Type)))
		}
	}
	return nil
}

func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

// Close ends every subscription. Later Publish and Subscribe calls fail with
// ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for userID, conns := range h.subs {
		for _, sub := range conns {
			close(sub.ch)
			h.metrics.SubscriberDelta(-1)
		}
		delete(h.subs, userID)
	}
	h.log.Info("Event hub closed")
}
