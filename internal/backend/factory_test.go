package backend

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"genspese/internal/amqp"
	"genspese/internal/config"
	"genspese/internal/ledger"
	"genspese/internal/services"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*amqp.LedgerEventMessage
}

func (p *recordingPublisher) Publish(_ context.Context, msg *amqp.LedgerEventMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func factoryWith(pub services.Publisher, dialErr error) *DefaultFactory {
	f := NewFactory(nil)
	f.dial = func(string, string, string, *slog.Logger) (services.Publisher, func() error, error) {
		if dialErr != nil {
			return nil, nil, dialErr
		}
		return pub, func() error { return nil }, nil
	}
	return f
}

func TestBackendType(t *testing.T) {
	for _, bt := range GetBackendTypes() {
		if !bt.IsValid() {
			t.Errorf("%s should be valid", bt)
		}
	}
	if BackendType("sheets").IsValid() {
		t.Error("sheets is no longer a ledger backend")
	}
}

func TestFromAppConfig(t *testing.T) {
	cfg := &config.Config{
		DataBackend:        "sqlite",
		SQLiteDBPath:       "x.db",
		OutboxBatchSize:    25,
		OutboxPollInterval: 3 * time.Second,
	}
	bc, err := FromAppConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if bc.Type != SQLiteBackend || bc.Outbox.BatchSize != 25 || bc.Outbox.PollInterval != 3*time.Second {
		t.Errorf("unexpected backend config: %+v", bc)
	}
	if bc.Outbox.MaxRetries != services.DefaultOutboxProcessorConfig().MaxRetries {
		t.Errorf("defaults should be kept for unset fields")
	}

	if _, err := FromAppConfig(nil); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := FromAppConfig(&config.Config{DataBackend: "nope"}); err == nil {
		t.Error("expected error for invalid backend")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"memory", Config{Type: MemoryBackend}, false},
		{"sqlite without path", Config{Type: SQLiteBackend}, true},
		{"amqp without queue", Config{Type: MemoryBackend, AMQPURL: "amqp://x/", AMQPExchange: "e"}, true},
		{"unknown", Config{Type: "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreateBackend_SQLiteRestores(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Type: SQLiteBackend, SQLiteDBPath: filepath.Join(t.TempDir(), "ledger.db")}
	f := factoryWith(nil, nil)

	l1 := ledger.New()
	b1, err := f.CreateBackend(ctx, cfg, l1)
	if err != nil {
		t.Fatalf("CreateBackend: %v", err)
	}
	cat := l1.AddCategory("Food & Drink", "#4CAF50")
	l1.AddExpense("Coffee", decimal.NewFromInt(5), cat.ID)
	if err := b1.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := b1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2 := ledger.New()
	b2, err := f.CreateBackend(ctx, cfg, l2)
	if err != nil {
		t.Fatalf("CreateBackend: %v", err)
	}
	defer b2.Close()

	if b2.Restored != 2 {
		t.Errorf("Restored = %d, want 2", b2.Restored)
	}
	if !l2.Total().Equal(decimal.NewFromInt(5)) {
		t.Errorf("restored total = %s", l2.Total())
	}
	if _, ok := l2.FindCategoryByName("food & drink"); !ok {
		t.Error("restored category not found")
	}
	if b2.Outbox != nil || b2.Publisher != nil {
		t.Error("no outbox relay without a broker")
	}
}

func TestCreateBackend_SQLiteWithBrokerUsesOutbox(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub := &recordingPublisher{}
	cfg := Config{
		Type:         SQLiteBackend,
		SQLiteDBPath: filepath.Join(t.TempDir(), "ledger.db"),
		AMQPURL:      "amqp://localhost/",
		AMQPExchange: "genspese",
		AMQPQueue:    "ledger_events",
		Outbox:       services.DefaultOutboxProcessorConfig(),
	}
	l := ledger.New()
	b, err := factoryWith(pub, nil).CreateBackend(ctx, cfg, l)
	if err != nil {
		t.Fatalf("CreateBackend: %v", err)
	}
	defer b.Close()
	if b.Outbox == nil {
		t.Fatal("expected outbox processor")
	}

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	l.AddCategory("Food", "#00FF00")
	deadline := time.Now().Add(2 * time.Second)
	for pub.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if pub.count() != 1 {
		t.Fatalf("expected 1 published message, got %d", pub.count())
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestCreateBackend_MemoryPublishesFromQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub := &recordingPublisher{}
	cfg := Config{Type: MemoryBackend, AMQPURL: "amqp://localhost/", AMQPExchange: "e", AMQPQueue: "q"}
	l := ledger.New()
	b, err := factoryWith(pub, nil).CreateBackend(ctx, cfg, l)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	cat := l.AddCategory("Food", "")
	l.AddExpense("Tea", decimal.NewFromInt(2), cat.ID)

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if pub.count() != 2 {
		t.Fatalf("expected 2 published messages, got %d", pub.count())
	}
	if s := b.Stats(ctx); !s.Publishing || s.Type != MemoryBackend {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestCreateBackend_BrokerUnavailable(t *testing.T) {
	cfg := Config{Type: MemoryBackend, AMQPURL: "amqp://localhost/", AMQPExchange: "e", AMQPQueue: "q"}
	b, err := factoryWith(nil, errors.New("connection refused")).CreateBackend(context.Background(), cfg, ledger.New())
	if err != nil {
		t.Fatalf("broker failures must not abort startup: %v", err)
	}
	defer b.Close()
	if b.Publisher != nil {
		t.Error("publisher should be nil")
	}
	// Run returns at once without a queue.
	if err := b.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestCreateBackend_NilLedger(t *testing.T) {
	if _, err := NewFactory(nil).CreateBackend(context.Background(), Config{Type: MemoryBackend}, nil); err == nil {
		t.Fatal("expected error")
	}
}
