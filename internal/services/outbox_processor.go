package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"genspese/internal/amqp"
	"genspese/internal/storage"
)

// OutboxProcessorConfig holds configuration for the outbox processor
type OutboxProcessorConfig struct {
	// PollInterval is how often to check for pending rows (default: 10s)
	PollInterval time.Duration

	// BatchSize is the max number of rows to publish per cycle (default: 10)
	BatchSize int

	// MaxRetries is the number of attempts before a row is marked failed (default: 3)
	MaxRetries int

	// CleanupInterval is how often published rows are purged (default: 1h)
	CleanupInterval time.Duration

	// CleanupAge is how old published rows must be before purge (default: 24h)
	CleanupAge time.Duration
}

// DefaultOutboxProcessorConfig returns sensible defaults
func DefaultOutboxProcessorConfig() OutboxProcessorConfig {
	return OutboxProcessorConfig{
		PollInterval:    10 * time.Second,
		BatchSize:       10,
		MaxRetries:      3,
		CleanupInterval: 1 * time.Hour,
		CleanupAge:      24 * time.Hour,
	}
}

// OutboxStore is the outbox side of the SQLite repository.
type OutboxStore interface {
	DequeueOutbox(ctx context.Context, limit int) ([]storage.OutboxEvent, error)
	MarkOutboxProcessing(ctx context.Context, id int64) error
	MarkOutboxPublished(ctx context.Context, id int64) error
	RecordOutboxFailure(ctx context.Context, id int64, cause error, failed bool) error
	ResetStaleProcessing(ctx context.Context) error
	RetryFailedOutbox(ctx context.Context) (int64, error)
	CleanupPublishedOutbox(ctx context.Context, cutoff time.Time) (int64, error)
	OutboxStats(ctx context.Context) (storage.OutboxStats, error)
}

// OutboxProcessor relays persisted ledger events to the broker in order.
type OutboxProcessor struct {
	store     OutboxStore
	publisher Publisher
	config    OutboxProcessorConfig
	logger    *slog.Logger
	wake      chan struct{}

	// Lifecycle management
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewOutboxProcessor creates a new outbox processor
func NewOutboxProcessor(store OutboxStore, publisher Publisher, config OutboxProcessorConfig, logger *slog.Logger) *OutboxProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxProcessor{
		store:     store,
		publisher: publisher,
		config:    config,
		logger:    logger.With("component", "outbox"),
		wake:      make(chan struct{}, 1),
	}
}

// Wake asks for an immediate cycle. It never blocks.
func (p *OutboxProcessor) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Start begins the processing loop. Returns an error if already running.
func (p *OutboxProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("outbox processor is already running")
	}
	if p.store == nil || p.publisher == nil {
		p.mu.Unlock()
		return errors.New("outbox processor needs a store and a publisher")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	// Rows claimed by a crashed run go back to pending.
	if err := p.store.ResetStaleProcessing(ctx); err != nil {
		p.logger.WarnContext(ctx, "Failed to reset stale outbox rows", "error", err)
	}

	go p.runLoop(ctx)

	p.logger.InfoContext(ctx, "Outbox processor started",
		"poll_interval", p.config.PollInterval,
		"batch_size", p.config.BatchSize)

	return nil
}

// Stop gracefully stops the processor and waits for completion.
func (p *OutboxProcessor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	close(p.stopCh)

	select {
	case <-p.doneCh:
		p.logger.InfoContext(ctx, "Outbox processor stopped gracefully")
	case <-ctx.Done():
		p.logger.WarnContext(ctx, "Outbox processor stop timed out")
		return ctx.Err()
	}

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	return nil
}

// IsRunning returns whether the processor is currently running
func (p *OutboxProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *OutboxProcessor) runLoop(ctx context.Context) {
	defer close(p.doneCh)

	pollTicker := time.NewTicker(p.config.PollInterval)
	defer pollTicker.Stop()

	cleanupTicker := time.NewTicker(p.config.CleanupInterval)
	defer cleanupTicker.Stop()

	p.processBatch(ctx)

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-p.wake:
			p.processBatch(ctx)
		case <-pollTicker.C:
			p.processBatch(ctx)
		case <-cleanupTicker.C:
			p.cleanupPublished(ctx)
		}
	}
}

// processBatch publishes one batch. It stops at the first failure so later
// events never overtake an earlier one.
func (p *OutboxProcessor) processBatch(ctx context.Context) {
	items, err := p.store.DequeueOutbox(ctx, p.config.BatchSize)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to dequeue outbox batch", "error", err)
		return
	}
	if len(items) == 0 {
		return
	}

	p.logger.DebugContext(ctx, "Processing outbox batch", "count", len(items))

	for _, item := range items {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := p.store.MarkOutboxProcessing(ctx, item.ID); err != nil {
			p.logger.ErrorContext(ctx, "Failed to claim outbox row", "id", item.ID, "error", err)
			return
		}

		if err := p.publish(ctx, item); err != nil {
			if !p.handleFailure(ctx, item, err) {
				return
			}
			continue
		}
		p.handleSuccess(ctx, item)
	}
}

func (p *OutboxProcessor) publish(ctx context.Context, item storage.OutboxEvent) error {
	msg, err := amqp.LedgerEventMessageFromJSON(item.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", errUndeliverable, err)
	}
	return p.publisher.Publish(ctx, msg)
}

var errUndeliverable = errors.New("undeliverable outbox payload")

func (p *OutboxProcessor) handleSuccess(ctx context.Context, item storage.OutboxEvent) {
	if err := p.store.MarkOutboxPublished(ctx, item.ID); err != nil {
		p.logger.ErrorContext(ctx, "Failed to mark outbox row published",
			"id", item.ID, "error", err)
	}
}

// handleFailure records the attempt and reports whether the batch may
// continue past this row.
func (p *OutboxProcessor) handleFailure(ctx context.Context, item storage.OutboxEvent, cause error) bool {
	attempt := item.Attempts + 1
	p.logger.WarnContext(ctx, "Outbox publish failed",
		"id", item.ID,
		"message_id", item.MessageID,
		"type", item.EventType,
		"attempt", attempt,
		"error", cause)

	failed := errors.Is(cause, errUndeliverable) || attempt >= int64(p.config.MaxRetries)
	if err := p.store.RecordOutboxFailure(ctx, item.ID, cause, failed); err != nil {
		p.logger.ErrorContext(ctx, "Failed to record outbox failure", "id", item.ID, "error", err)
	}
	return failed
}

func (p *OutboxProcessor) cleanupPublished(ctx context.Context) {
	cutoff := time.Now().Add(-p.config.CleanupAge)
	if _, err := p.store.CleanupPublishedOutbox(ctx, cutoff); err != nil {
		p.logger.ErrorContext(ctx, "Failed to cleanup published outbox rows", "error", err)
	}
}

// Stats returns current outbox statistics
func (p *OutboxProcessor) Stats(ctx context.Context) (storage.OutboxStats, error) {
	return p.store.OutboxStats(ctx)
}

// RetryFailed resets all failed rows for retry
func (p *OutboxProcessor) RetryFailed(ctx context.Context) (int64, error) {
	n, err := p.store.RetryFailedOutbox(ctx)
	if err == nil && n > 0 {
		p.Wake()
	}
	return n, err
}
