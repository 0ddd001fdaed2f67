// Package notify delivers user-facing messages outside the request path.
// Delivery is best effort: nothing here can fail a ledger operation.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/Nzyazin/ledger/internal/core/logger"
	"github.com/Nzyazin/ledger/internal/core/metrics"
)

type Message struct {
	UserID  string `json:"user_id"`
	Contact string `json:"contact"`
	Text    string `json:"text"`
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Dispatcher queues messages and hands them to a Sender from a fixed pool
// of workers. Notify never blocks; a full queue drops the message.
type Dispatcher struct {
	jobs    chan Message
	sender  Sender
	timeout time.Duration
	log     logger.Logger
	metrics *metrics.Ledger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(sender Sender, queueSize int, timeout time.Duration, m *metrics.Ledger, log logger.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Dispatcher{
		jobs:    make(chan Message, queueSize),
		sender:  sender,
		timeout: timeout,
		log:     log,
		metrics: m,
	}
}

func (d *Dispatcher) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for msg := range d.jobs {
		d.deliver(msg)
	}
}

func (d *Dispatcher) deliver(msg Message) {
	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	err := d.sender.Send(ctx, msg)
	d.metrics.ObserveSideEffect("notification", err)
	if err != nil {
		d.log.Warn("Notification delivery failed",
			logger.StringField("kind", "dependency"),
			logger.StringField("user_id", msg.UserID),
			logger.ErrorField("error", err))
	}
}

func (d *Dispatcher) Notify(userID, contact, text string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.jobs <- Message{UserID: userID, Contact: contact, Text: text}:
	default:
		d.metrics.ObserveSideEffect("notification", ErrQueueFull)
		d.log.Warn("Notification queue full, message dropped",
			logger.StringField("kind", "dependency"),
			logger.StringField("user_id", userID))
	}
}

// Shutdown stops accepting messages and waits for queued ones to be sent.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()
	d.wg.Wait()
}
