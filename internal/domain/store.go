package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// VerdictStore persists settlement verdicts.
type VerdictStore interface {
	Save(ctx context.Context, v Verdict) error
	GetLatest(ctx context.Context, txHash common.Hash) (Verdict, error)
	ListBySolver(ctx context.Context, solver common.Address, opts ListOpts) ([]Verdict, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]Verdict, error)
}

// SolverBlacklist tracks solvers caught submitting invalid settlements.
type SolverBlacklist interface {
	Add(ctx context.Context, solver common.Address, reason string) error
	Contains(ctx context.Context, solver common.Address) (bool, error)
	Reason(ctx context.Context, solver common.Address) (string, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// Bus names carrying verdict events.
const (
	VerdictChannel = "circuitbreaker:verdicts"
	VerdictStream  = "circuitbreaker:verdicts:stream"
)

// StreamMessage is one entry read back from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus carries verdict events between processes: pub/sub for live
// subscribers and a capped stream for recent history.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRecent(ctx context.Context, stream string, count int) ([]StreamMessage, error)
}

// RateLimiter limits request rates per key.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
