package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"genspese/internal/amqp"
	"genspese/internal/ledger"
	applog "genspese/internal/log"
	"genspese/internal/services"
	"genspese/internal/storage"
)

const restoreTimeout = 30 * time.Second

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *slog.Logger

	// dial is replaced in tests to avoid a broker.
	dial func(url, exchange, queue string, logger *slog.Logger) (services.Publisher, func() error, error)
}

// NewFactory creates a new backend factory
func NewFactory(logger *slog.Logger) *DefaultFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultFactory{
		logger: logger.With(applog.FieldComponent, applog.ComponentBackend),
		dial:   dialAMQP,
	}
}

var _ Factory = (*DefaultFactory)(nil)

func dialAMQP(url, exchange, queue string, logger *slog.Logger) (services.Publisher, func() error, error) {
	c, err := amqp.NewClient(url, exchange, queue, logger)
	if err != nil {
		return nil, nil, err
	}
	return c, c.Close, nil
}

// BackendResult holds the running pieces of a backend.
type BackendResult struct {
	Config Config
	Fanout *services.EventFanout
	// Store and Outbox are nil for the memory backend.
	Store  *storage.SQLiteRepository
	Outbox *services.OutboxProcessor
	// Publisher is nil when publishing is disabled or the broker was
	// unreachable at startup.
	Publisher services.Publisher
	Restored  int
	StartedAt time.Time

	detach  func()
	cleanup []CleanupFunc
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config, l *ledger.Ledger) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if l == nil {
		return nil, errors.New("nil ledger")
	}

	res := &BackendResult{Config: config, StartedAt: time.Now()}

	if config.Type == SQLiteBackend {
		repo, err := storage.NewSQLiteRepository(config.SQLiteDBPath, f.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
		}
		res.Store = repo
		res.cleanup = append(res.cleanup, repo.Close)

		rctx, cancel := context.WithTimeout(ctx, restoreTimeout)
		categories, expenses, err := repo.Load(rctx)
		cancel()
		if err != nil {
			_ = res.Close()
			return nil, fmt.Errorf("restore ledger: %w", err)
		}
		l.Restore(categories, expenses)
		res.Restored = len(categories) + len(expenses)
	}

	if config.AMQPURL != "" {
		pub, closeFn, err := f.dial(config.AMQPURL, config.AMQPExchange, config.AMQPQueue, f.logger)
		if err != nil {
			f.logger.Warn("Failed to initialize AMQP client, continuing without publishing", "error", err)
		} else {
			res.Publisher = pub
			res.cleanup = append(res.cleanup, closeFn)
			f.logger.Info("Initialized AMQP client",
				"exchange", config.AMQPExchange,
				"queue", config.AMQPQueue)
		}
	}

	var store services.EventStore
	var waker services.Waker
	if res.Store != nil {
		store = res.Store
		if res.Publisher != nil {
			res.Outbox = services.NewOutboxProcessor(res.Store, res.Publisher, config.Outbox, f.logger)
			waker = res.Outbox
		}
	}
	res.Fanout = services.NewEventFanout(store, res.Publisher, waker, f.logger)
	res.detach = res.Fanout.Attach(l)

	f.logger.Info("Initialized backend",
		"type", config.Type,
		"db_path", config.SQLiteDBPath,
		"restored", res.Restored,
		"amqp_enabled", res.Publisher != nil)

	return res, nil
}

// Run drives the background parts until ctx ends: the outbox relay for the
// sqlite backend, the in-memory publish queue otherwise.
func (b *BackendResult) Run(ctx context.Context) error {
	if b.Outbox != nil {
		if err := b.Outbox.Start(ctx); err != nil {
			return fmt.Errorf("start outbox processor: %w", err)
		}
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return b.Outbox.Stop(stopCtx)
	}
	return b.Fanout.Run(ctx)
}

// Ping reports whether the store is reachable. Memory backends are always
// ready.
func (b *BackendResult) Ping(ctx context.Context) error {
	if b.Store == nil {
		return nil
	}
	return b.Store.Ping(ctx)
}

// Stats reads outbox counters when a store is configured.
func (b *BackendResult) Stats(ctx context.Context) Stats {
	s := Stats{
		Type:       b.Config.Type,
		Publishing: b.Publisher != nil,
		Restored:   b.Restored,
		StartedAt:  b.StartedAt,
	}
	if b.Store != nil {
		if st, err := b.Store.OutboxStats(ctx); err == nil {
			s.OutboxPending = st.Pending
			s.OutboxFailed = st.Failed
		}
	}
	return s
}

// Close detaches from the ledger and releases resources in reverse order.
func (b *BackendResult) Close() error {
	if b.detach != nil {
		b.detach()
		b.detach = nil
	}
	if b.Fanout != nil {
		b.Fanout.Close()
	}
	var errs []error
	for i := len(b.cleanup) - 1; i >= 0; i-- {
		if err := b.cleanup[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.cleanup = nil
	return errors.Join(errs...)
}
