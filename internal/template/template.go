// Package template maintains the pool's current view of the node's block
// template: it polls the node on an interval, publishes immutable
// snapshots, and notifies subscribers when the previous block hash
// changes (a new round).
package template

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/darwinx/stratumd/internal/rpcclient"
)

// Snapshot is an immutable view of the current block template, safe to
// share across goroutines without copying.
type Snapshot struct {
	Version                  int64
	PreviousBlockHash        string
	Transactions             []rpcclient.TemplateTx
	CoinbaseValue            int64
	Bits                     string
	CurTime                  int64
	Height                   int64
	DefaultWitnessCommitment string
	FetchedAt                time.Time
}

// Manager polls the node for fresh templates and fans out round-change
// notifications.
type Manager struct {
	client   *rpcclient.Client
	interval time.Duration
	logger   *zap.Logger

	current atomic.Value // *Snapshot

	subMu       sync.RWMutex
	subscribers []chan *Snapshot

	refreshes int64
}

// New constructs a Manager that polls client every interval.
func New(client *rpcclient.Client, interval time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		client:   client,
		interval: interval,
		logger:   logger.Named("template"),
	}
}

// Current returns the most recently fetched snapshot, or nil if none has
// been fetched yet.
func (m *Manager) Current() *Snapshot {
	if v := m.current.Load(); v != nil {
		return v.(*Snapshot)
	}
	return nil
}

// Subscribe returns a channel that receives a new snapshot whenever the
// previous block hash changes (a new round has started).
func (m *Manager) Subscribe() <-chan *Snapshot {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	ch := make(chan *Snapshot, 4)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// Bootstrap performs a single synchronous fetch, letting the caller
// fail fast at startup if the node is unreachable before handing
// control to Run's polling loop.
func (m *Manager) Bootstrap(ctx context.Context) error {
	return m.refresh(ctx)
}

// Run polls the node until ctx is cancelled. Intended to run as one of
// the server's background tasks, coordinated via errgroup.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	if m.Current() == nil {
		if err := m.refresh(ctx); err != nil {
			m.logger.Warn("initial template fetch failed", zap.Error(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.refresh(ctx); err != nil {
				m.logger.Error("template refresh failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) refresh(ctx context.Context) error {
	tmpl, err := m.client.GetBlockTemplate(ctx)
	if err != nil {
		return err
	}

	snap := &Snapshot{
		Version:                  tmpl.Version,
		PreviousBlockHash:        tmpl.PreviousBlockHash,
		Transactions:             tmpl.Transactions,
		CoinbaseValue:            tmpl.CoinbaseValue,
		Bits:                     tmpl.Bits,
		CurTime:                  tmpl.CurTime,
		Height:                   tmpl.Height,
		DefaultWitnessCommitment: tmpl.DefaultWitnessCommitment,
		FetchedAt:                time.Now(),
	}

	atomic.AddInt64(&m.refreshes, 1)

	prev := m.Current()
	roundChanged := prev == nil || prev.PreviousBlockHash != snap.PreviousBlockHash
	m.current.Store(snap)

	if roundChanged {
		m.notify(snap)
	}
	return nil
}

func (m *Manager) notify(snap *Snapshot) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- snap:
		default:
			m.logger.Warn("template subscriber channel full, dropping notification")
		}
	}
}

// Refreshes returns the number of successful polls since startup, for
// metrics/status reporting.
func (m *Manager) Refreshes() int64 {
	return atomic.LoadInt64(&m.refreshes)
}

// CopySnapshot performs a defensive deep copy, used whenever a caller
// needs to mutate fields of a Snapshot it obtained from Current without
// racing other readers.
func CopySnapshot(s *Snapshot) *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Transactions = make([]rpcclient.TemplateTx, len(s.Transactions))
	copy(out.Transactions, s.Transactions)
	return &out
}
