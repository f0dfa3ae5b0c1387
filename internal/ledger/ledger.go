// Package ledger enforces the pool's round lifecycle on top of the
// Postgres-backed share/block/round tables: exactly one round is ever
// open at a time, and every accepted share is attributed to it.
package ledger

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/darwinx/stratumd/internal/storage"
)

// Ledger coordinates round open/close against the database, caching the
// current round ID so the hot share-accept path doesn't need a query per
// share.
type Ledger struct {
	pg     *storage.PostgresClient
	logger *zap.Logger

	mu      sync.RWMutex
	current *storage.Round
}

// New constructs a Ledger and loads any already-open round.
func New(ctx context.Context, pg *storage.PostgresClient, logger *zap.Logger) (*Ledger, error) {
	l := &Ledger{pg: pg, logger: logger.Named("ledger")}
	round, err := pg.CurrentOpenRound(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: load open round: %w", err)
	}
	l.current = round
	return l, nil
}

// EnsureRound opens a fresh round keyed on prevHash if no round is open,
// or the open round's prevHash differs (a new round has begun without an
// explicit close — e.g. after a restart that missed the submit event).
func (l *Ledger) EnsureRound(ctx context.Context, prevHash string, networkDifficulty float64) (int64, error) {
	l.mu.RLock()
	cur := l.current
	l.mu.RUnlock()

	if cur != nil && cur.PrevHash == prevHash {
		return cur.ID, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current != nil && l.current.PrevHash == prevHash {
		return l.current.ID, nil
	}
	if l.current != nil {
		l.logger.Warn("round changed without this pool finding a block, closing as stale",
			zap.Int64("stale_round_id", l.current.ID))
		if err := l.pg.CloseRoundStale(ctx, l.current.ID); err != nil {
			return 0, fmt.Errorf("ledger: close stale round: %w", err)
		}
	}

	id, err := l.pg.OpenRound(ctx, prevHash, networkDifficulty)
	if err != nil {
		return 0, fmt.Errorf("ledger: open round: %w", err)
	}
	l.current = &storage.Round{ID: id, PrevHash: prevHash, NetworkDifficulty: networkDifficulty, Status: storage.RoundOpen}
	return id, nil
}

// CurrentRoundID returns the open round's ID, or 0 if none is open.
func (l *Ledger) CurrentRoundID() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.current == nil {
		return 0
	}
	return l.current.ID
}

// CloseRound closes the currently open round against a found block hash,
// clearing the cached round so the next EnsureRound opens a new one.
func (l *Ledger) CloseRound(ctx context.Context, blockHash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current == nil {
		return fmt.Errorf("ledger: no open round to close")
	}
	if err := l.pg.CloseRound(ctx, l.current.ID, blockHash); err != nil {
		return fmt.Errorf("ledger: close round: %w", err)
	}
	l.logger.Info("round closed", zap.Int64("round_id", l.current.ID), zap.String("block_hash", blockHash))
	l.current = nil
	return nil
}

// RecordShare persists a share against the currently open round.
func (l *Ledger) RecordShare(ctx context.Context, share *storage.Share) error {
	roundID := l.CurrentRoundID()
	if err := l.pg.InsertShare(ctx, roundID, share); err != nil {
		return fmt.Errorf("ledger: record share: %w", err)
	}
	return nil
}

// RecordBlock persists a found block and closes its round.
func (l *Ledger) RecordBlock(ctx context.Context, block *storage.Block) error {
	if err := l.pg.InsertBlock(ctx, block); err != nil {
		return fmt.Errorf("ledger: record block: %w", err)
	}
	return l.CloseRound(ctx, block.Hash)
}

// MatureRound marks a found round's block as matured once it reaches the
// confirmation depth the out-of-scope payout daemon requires before
// paying miners.
func (l *Ledger) MatureRound(ctx context.Context, roundID int64) error {
	if err := l.pg.MatureRound(ctx, roundID); err != nil {
		return fmt.Errorf("ledger: mature round: %w", err)
	}
	return nil
}
