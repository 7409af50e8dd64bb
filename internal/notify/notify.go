// Package notify delivers user-facing messages: OTP codes, transfer
// outcomes, and rollback alerts. Delivery is fire-and-forget from the
// caller's perspective; a dead notification gateway must never block or
// fail a money movement.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fortressbank/transfers/internal/metrics"
	"github.com/fortressbank/transfers/internal/retry"
)

// Kind classifies a notification.
type Kind string

const (
	KindOTPCode          Kind = "OTP_CODE"
	KindTransferComplete Kind = "TRANSFER_COMPLETE"
	KindTransferFailed   Kind = "TRANSFER_FAILED"
	KindRollbackAlert    Kind = "ROLLBACK_ALERT"
)

// Message is one notification to deliver.
type Message struct {
	UserID        string
	Kind          Kind
	TransactionID string
	Body          string
}

// Sender performs the actual delivery (SMS gateway, push service).
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Dispatcher queues messages and delivers them from a background worker
// with retries. A full queue drops the message rather than blocking the
// saga; OTP codes can be re-requested via resend.
type Dispatcher struct {
	sender    Sender
	queue     chan Message
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// NewDispatcher creates and starts a dispatcher with the given queue depth.
func NewDispatcher(sender Sender, depth int) *Dispatcher {
	if depth <= 0 {
		depth = 256
	}
	d := &Dispatcher{
		sender: sender,
		queue:  make(chan Message, depth),
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
	go d.run()
	return d
}

// WithLogger sets a structured logger.
func (d *Dispatcher) WithLogger(l *slog.Logger) *Dispatcher {
	d.logger = l
	return d
}

// Enqueue queues a message for delivery. It never blocks; if the queue is
// full the message is dropped and counted.
func (d *Dispatcher) Enqueue(msg Message) {
	select {
	case d.queue <- msg:
	default:
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		d.logger.Warn("notification queue full, dropping message",
			"kind", msg.Kind, "transaction_id", msg.TransactionID)
	}
}

// Close stops the worker after draining queued messages. Safe to call
// more than once, but Enqueue must not race with it.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.queue) })
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for msg := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
			return d.sender.Send(ctx, msg)
		})
		cancel()

		if err != nil {
			metrics.NotificationsTotal.WithLabelValues("failed").Inc()
			d.logger.Error("notification delivery failed",
				"kind", msg.Kind,
				"transaction_id", msg.TransactionID,
				"error", err)
			continue
		}
		metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
	}
}
