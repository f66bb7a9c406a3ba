// Package backend wires the ledger to the configured persistence and
// messaging stack.
package backend

import (
	"context"
	"time"

	"genspese/internal/ledger"
	"genspese/internal/services"
)

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// Factory creates backends based on configuration
type Factory interface {
	// CreateBackend restores l from storage when configured and attaches
	// the event fan-out to it.
	CreateBackend(ctx context.Context, config Config, l *ledger.Ledger) (*BackendResult, error)
}

// Config holds configuration for backend creation
type Config struct {
	Type BackendType

	// SQLite specific
	SQLiteDBPath string

	// Broker; empty URL disables publishing
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	Outbox services.OutboxProcessorConfig
}

// BackendType represents the type of backend
type BackendType string

const (
	SQLiteBackend BackendType = "sqlite"
	MemoryBackend BackendType = "memory"
)

// String implements fmt.Stringer
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case SQLiteBackend, MemoryBackend:
		return true
	default:
		return false
	}
}

// Pinger is implemented by backends that can report readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Stats summarizes the backend for the metrics endpoint.
type Stats struct {
	Type          BackendType
	Publishing    bool
	OutboxPending int64
	OutboxFailed  int64
	Restored      int
	StartedAt     time.Time
}
