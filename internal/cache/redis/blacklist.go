package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/circuitbreaker/internal/domain"
)

// Blacklist implements domain.SolverBlacklist. Members live in a set and the
// reason for each entry in a hash, both updated in one transaction.
type Blacklist struct {
	rdb *redis.Client
}

// NewBlacklist creates a Blacklist backed by the given Client.
func NewBlacklist(c *Client) *Blacklist {
	return &Blacklist{rdb: c.Underlying()}
}

var (
	blacklistKey       = key("blacklist", "solvers")
	blacklistReasonKey = key("blacklist", "reasons")
)

func solverMember(solver common.Address) string {
	return strings.ToLower(solver.Hex())
}

// Add blacklists solver. Re-adding a solver overwrites its reason.
func (b *Blacklist) Add(ctx context.Context, solver common.Address, reason string) error {
	m := solverMember(solver)
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, blacklistKey, m)
		pipe.HSet(ctx, blacklistReasonKey, m, reason)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: blacklist add %s: %w", m, err)
	}
	return nil
}

// Contains reports whether solver is blacklisted.
func (b *Blacklist) Contains(ctx context.Context, solver common.Address) (bool, error) {
	m := solverMember(solver)
	ok, err := b.rdb.SIsMember(ctx, blacklistKey, m).Result()
	if err != nil {
		return false, fmt.Errorf("redis: blacklist contains %s: %w", m, err)
	}
	return ok, nil
}

// Reason returns why solver was blacklisted, or domain.ErrNotFound.
func (b *Blacklist) Reason(ctx context.Context, solver common.Address) (string, error) {
	m := solverMember(solver)
	reason, err := b.rdb.HGet(ctx, blacklistReasonKey, m).Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis: blacklist reason %s: %w", m, err)
	}
	return reason, nil
}

// Compile-time interface check.
var _ domain.SolverBlacklist = (*Blacklist)(nil)
