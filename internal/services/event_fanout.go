// Package services connects the ledger to persistence and messaging.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"genspese/internal/amqp"
	"genspese/internal/ledger"
	"genspese/internal/storage"
)

// EventStore persists ledger events and their outbox rows.
type EventStore interface {
	ApplyEvent(ctx context.Context, ev ledger.Event, entry *storage.OutboxEntry) (int64, error)
}

// Publisher sends ledger event messages to the broker.
type Publisher interface {
	Publish(ctx context.Context, msg *amqp.LedgerEventMessage) error
}

// Waker is told that new outbox rows exist.
type Waker interface {
	Wake()
}

const (
	persistTimeout = 5 * time.Second
	publishTimeout = 10 * time.Second
	publishBuffer  = 256
)

// EventFanout observes the ledger: every event is saved locally first and
// then handed to the broker on a best-effort basis.
//
// With a store, broker messages go through the outbox and the relay is woken.
// Without one, messages are published in order from an in-memory queue and
// dropped if the broker stays unreachable.
type EventFanout struct {
	store     EventStore
	publisher Publisher
	waker     Waker
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan *amqp.LedgerEventMessage
	done   chan struct{}
}

// NewEventFanout wires the optional store and publisher.
func NewEventFanout(store EventStore, publisher Publisher, waker Waker, logger *slog.Logger) *EventFanout {
	if logger == nil {
		logger = slog.Default()
	}
	f := &EventFanout{
		store:     store,
		publisher: publisher,
		waker:     waker,
		logger:    logger.With("component", "fanout"),
		done:      make(chan struct{}),
	}
	if store == nil && publisher != nil {
		f.queue = make(chan *amqp.LedgerEventMessage, publishBuffer)
	} else {
		close(f.done)
	}
	return f
}

// Attach subscribes the fan-out to l.
func (f *EventFanout) Attach(l *ledger.Ledger) (detach func()) {
	return l.Subscribe(f.Handle)
}

// Handle is a ledger.Observer.
func (f *EventFanout) Handle(ev ledger.Event) {
	var msg *amqp.LedgerEventMessage
	if f.publisher != nil {
		msg = amqp.NewLedgerEventMessage(ev)
	}

	if f.store != nil {
		if err := f.persist(ev, msg); err != nil {
			// The in-memory ledger already holds the change.
			f.logger.Error("Failed to persist ledger event", "type", ev.Type, "error", err)
			return
		}
		if msg != nil && f.waker != nil {
			f.waker.Wake()
		}
		return
	}

	if f.queue != nil {
		f.enqueue(msg)
	}
}

func (f *EventFanout) enqueue(msg *amqp.LedgerEventMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.queue <- msg:
	default:
		f.logger.Warn("Publish queue full, event dropped",
			"type", msg.Type,
			"message_id", msg.MessageID)
	}
}

func (f *EventFanout) persist(ev ledger.Event, msg *amqp.LedgerEventMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	var entry *storage.OutboxEntry
	if msg != nil {
		body, err := msg.ToJSON()
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		entry = &storage.OutboxEntry{MessageID: msg.MessageID, Payload: body}
	}
	_, err := f.store.ApplyEvent(ctx, ev, entry)
	return err
}

// Run publishes queued messages until ctx ends or Close is called. It
// returns immediately when no in-memory queue is used.
func (f *EventFanout) Run(ctx context.Context) error {
	if f.queue == nil {
		return nil
	}
	defer close(f.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-f.queue:
			if !ok {
				return nil
			}
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			if err := f.publisher.Publish(pctx, msg); err != nil {
				f.logger.ErrorContext(ctx, "Failed to publish ledger event",
					"message_id", msg.MessageID,
					"type", msg.Type,
					"error", err)
			}
			cancel()
		}
	}
}

// Close stops accepting messages; Run drains what is queued and exits.
func (f *EventFanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed && f.queue != nil {
		close(f.queue)
	}
	f.closed = true
}

// Done is closed when Run has returned.
func (f *EventFanout) Done() <-chan struct{} {
	return f.done
}
