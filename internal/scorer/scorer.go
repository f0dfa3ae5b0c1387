// Package scorer implements "DarwinX", a background engine that
// precomputes a bounded, score-ranked pool of exclusive mining jobs
// ahead of demand. Each candidate job carries a fixed ntime and a
// zeroed nonce and is handed out whole via LeaseBest rather than built
// on request, trading a small amount of background CPU for zero
// job-construction latency on the hot submit path.
//
// A candidate's score blends how close its precomputed header hash
// already sits to low values with the Shannon entropy of its merkle
// root, mirroring the weighting the archived pool engine used.
package scorer

import (
	"container/heap"
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/darwinx/stratumd/internal/coinbase"
	"github.com/darwinx/stratumd/internal/config"
	"github.com/darwinx/stratumd/internal/template"
	"github.com/darwinx/stratumd/pkg/codec"
)

var (
	poolSizeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratum_scorer_pool_size",
		Help: "Current number of precomputed candidates held in the DarwinX pool",
	})

	candidatesBuilt = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_scorer_candidates_built_total",
		Help: "Total number of DarwinX candidate jobs built",
	})

	leasesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_scorer_leases_total",
		Help: "Total number of candidate jobs leased out",
	})
)

func init() {
	prometheus.MustRegister(poolSizeGauge)
	prometheus.MustRegister(candidatesBuilt)
	prometheus.MustRegister(leasesTotal)
}

// maxHash256 is 2^256 - 1, the normalizing denominator for a header
// hash's magnitude score.
var maxHash256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Candidate is a fully precomputed, exclusive mining job: its header
// is already final but for the nonce a leased worker searches.
type Candidate struct {
	JobID         string
	Height        int64
	PrevBlockHash string
	Coinb1        []byte
	Coinb2        []byte
	MerkleRoot    []byte // folded root, internal byte order
	Version       uint32
	NBits         string
	NTime         uint32
	Score         float64
	HashNorm      float64
	Entropy       float64
	Snapshot      *template.Snapshot
	CreatedAt     time.Time
}

// candidateHeap is a min-heap ordered by ascending Score, used to hold
// the bounded top-N candidates seen so far: a new candidate only
// displaces the current minimum, never forcing a full re-sort.
type candidateHeap []*Candidate

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(*Candidate)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Engine owns the background candidate pool.
type Engine struct {
	cfg          config.ScorerConfig
	logger       *zap.Logger
	tm           *template.Manager
	payoutScript []byte
	poolTag      string
	en1Size      int
	en2Size      int

	mu      sync.Mutex
	pool    candidateHeap
	counter uint64
	laneIdx int32

	lastStats atomic.Value // Stats
}

// Stats is a snapshot of the pool's current composition.
type Stats struct {
	TemplateHeight int64
	TemplatePrev   string
	PoolSize       int
	TopScore       float64
	TopHashNorm    float64
	TopEntropy     float64
	GeneratedAt    time.Time
}

// New constructs an Engine. payoutScript is the pool fee address's
// scriptPubKey, shared with the primary job manager.
func New(cfg config.ScorerConfig, logger *zap.Logger, tm *template.Manager, payoutScript []byte, poolTag string, en1Size, en2Size int) *Engine {
	return &Engine{
		cfg:          cfg,
		logger:       logger.Named("scorer"),
		tm:           tm,
		payoutScript: payoutScript,
		poolTag:      poolTag,
		en1Size:      en1Size,
		en2Size:      en2Size,
	}
}

// Run drives the background filler loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.FillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.fill()
		}
	}
}

// fill tops the pool back up to RollingPoolSize, building at most
// BatchSize candidates per tick so a single refresh cycle can't stall
// the server under a cold template.
func (e *Engine) fill() {
	snap := e.tm.Current()
	if snap == nil {
		return
	}

	e.mu.Lock()
	need := e.cfg.RollingPoolSize - e.pool.Len()
	e.mu.Unlock()
	if need <= 0 {
		return
	}

	batch := need
	if batch > e.cfg.BatchSize {
		batch = e.cfg.BatchSize
	}

	built := make([]*Candidate, 0, batch)
	for i := 0; i < batch; i++ {
		lane := e.nextLane()
		c, err := e.buildCandidate(snap, lane)
		if err != nil {
			e.logger.Warn("failed to build candidate", zap.Error(err))
			continue
		}
		built = append(built, c)
	}

	e.mu.Lock()
	for _, c := range built {
		e.offer(c)
	}
	size := e.pool.Len()
	var top *Candidate
	if size > 0 {
		top = e.maxLocked()
	}
	e.mu.Unlock()

	poolSizeGauge.Set(float64(size))
	candidatesBuilt.Add(float64(len(built)))

	stats := Stats{
		TemplateHeight: snap.Height,
		TemplatePrev:   snap.PreviousBlockHash,
		PoolSize:       size,
		GeneratedAt:    time.Now(),
	}
	if top != nil {
		stats.TopScore = top.Score
		stats.TopHashNorm = top.HashNorm
		stats.TopEntropy = top.Entropy
	}
	e.lastStats.Store(stats)
}

// offer inserts a candidate into the bounded pool, evicting the
// current lowest-scoring candidate if the pool is already at capacity
// and the newcomer scores higher.
func (e *Engine) offer(c *Candidate) {
	if e.pool.Len() < e.cfg.RollingPoolSize {
		heap.Push(&e.pool, c)
		return
	}
	if e.pool.Len() > 0 && c.Score > e.pool[0].Score {
		heap.Pop(&e.pool)
		heap.Push(&e.pool, c)
	}
}

// maxLocked scans the bounded pool for its highest-scoring candidate.
// Callers must hold e.mu. The pool is small (RollingPoolSize, a few
// hundred entries at most) so a linear scan is cheaper than keeping a
// second ordering structure in sync.
func (e *Engine) maxLocked() *Candidate {
	best := e.pool[0]
	for _, c := range e.pool {
		if c.Score > best.Score {
			best = c
		}
	}
	return best
}

// LeaseBest removes and returns the highest-scoring candidate in the
// pool, or nil if the pool is empty.
func (e *Engine) LeaseBest() *Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pool.Len() == 0 {
		return nil
	}

	bestIdx := 0
	for i, c := range e.pool {
		if c.Score > e.pool[bestIdx].Score {
			bestIdx = i
		}
	}
	best := heap.Remove(&e.pool, bestIdx).(*Candidate)
	leasesTotal.Inc()
	return best
}

// GetStats returns the most recent pool snapshot.
func (e *Engine) GetStats() Stats {
	if s, ok := e.lastStats.Load().(Stats); ok {
		return s
	}
	return Stats{}
}

func (e *Engine) nextLane() int {
	if len(e.cfg.Lanes) == 0 {
		return 0
	}
	idx := atomic.AddInt32(&e.laneIdx, 1)
	return e.cfg.Lanes[int(idx)%len(e.cfg.Lanes)]
}

// buildCandidate constructs one exclusive job: a final coinbase and
// merkle root, a clamped-random ntime, and a zeroed nonce, scored by
// blending its would-be header hash magnitude with its merkle root's
// byte entropy.
func (e *Engine) buildCandidate(snap *template.Snapshot, lane int) (*Candidate, error) {
	seq := atomic.AddUint64(&e.counter, 1)

	var wcommit []byte
	if snap.DefaultWitnessCommitment != "" {
		var err error
		wcommit, err = hex.DecodeString(snap.DefaultWitnessCommitment)
		if err != nil {
			return nil, fmt.Errorf("scorer: decode witness commitment: %w", err)
		}
	}

	built, err := coinbase.Build(coinbase.Params{
		Height:             snap.Height,
		RewardSats:         snap.CoinbaseValue,
		PayoutScriptPubKey: e.payoutScript,
		WitnessCommitment:  wcommit,
		Extranonce1Size:    e.en1Size,
		Extranonce2Size:    e.en2Size,
		Lane:               lane,
		JobSeq:             seq,
		PoolTag:            e.poolTag,
	})
	if err != nil {
		return nil, fmt.Errorf("scorer: build coinbase: %w", err)
	}

	// Candidates are exclusive jobs: the extranonces are fixed at zero
	// rather than left for a miner to grind, since the whole job is
	// leased to exactly one worker.
	zeroExtranonce1 := make([]byte, e.en1Size)
	zeroExtranonce2 := make([]byte, e.en2Size)
	assembled := coinbase.Assemble(built.Coinb1, zeroExtranonce1, zeroExtranonce2, built.Coinb2)
	cbTxID, err := coinbase.LegacyTxID(assembled)
	if err != nil {
		return nil, fmt.Errorf("scorer: coinbase txid: %w", err)
	}

	txids := make([][]byte, 0, len(snap.Transactions)+1)
	txids = append(txids, cbTxID)
	for _, tx := range snap.Transactions {
		raw, err := hex.DecodeString(tx.TxID)
		if err != nil {
			continue
		}
		txids = append(txids, codec.ReverseBytes(raw))
	}
	root := codec.MerkleRoot(txids)

	driftSeconds := e.cfg.FillInterval.Seconds()
	if driftSeconds < 1 {
		driftSeconds = 1
	}
	ntime := uint32(snap.CurTime)
	if d := pseudoDrift(seq, int64(driftSeconds)); snap.CurTime+d > 0 {
		candidate := snap.CurTime + d
		if candidate < snap.CurTime {
			candidate = snap.CurTime
		}
		ntime = uint32(candidate)
	}

	nbitsRaw, err := hex.DecodeString(snap.Bits)
	if err != nil || len(nbitsRaw) != 4 {
		return nil, fmt.Errorf("scorer: invalid nbits %q", snap.Bits)
	}
	prevRaw, err := hex.DecodeString(snap.PreviousBlockHash)
	if err != nil {
		return nil, fmt.Errorf("scorer: invalid prevhash: %w", err)
	}

	header := make([]byte, 0, 80)
	header = codec.PutUint32LE(header, uint32(snap.Version))
	header = append(header, codec.ReverseBytes(prevRaw)...)
	header = append(header, codec.ReverseBytes(root)...)
	header = codec.PutUint32LE(header, ntime)
	header = append(header, nbitsRaw...)
	header = codec.PutUint32LE(header, 0) // nonce, searched by the leasing worker

	hash := codec.DoubleSHA256(header)
	hashBig := new(big.Int).SetBytes(hash)
	hashNorm, _ := new(big.Float).Quo(
		new(big.Float).SetInt(hashBig),
		new(big.Float).SetInt(maxHash256),
	).Float64()

	ent := ShannonEntropy(root)
	score := e.cfg.ScoreWeightHash*(1.0-hashNorm) + e.cfg.ScoreWeightEntropy*(1.0-ent)

	return &Candidate{
		JobID:         fmt.Sprintf("dx-%d-%d", snap.Height, seq),
		Height:        snap.Height,
		PrevBlockHash: snap.PreviousBlockHash,
		Coinb1:        built.Coinb1,
		Coinb2:        built.Coinb2,
		MerkleRoot:    root,
		Version:       uint32(snap.Version),
		NBits:         snap.Bits,
		NTime:         ntime,
		Score:         score,
		HashNorm:      hashNorm,
		Entropy:       ent,
		Snapshot:      template.CopySnapshot(snap),
		CreatedAt:     time.Now(),
	}, nil
}

// pseudoDrift derives a small, deterministic positive-or-negative
// offset from a monotonically increasing sequence number, standing in
// for the archived engine's random jitter without reaching for a
// nondeterministic source on a hot construction path.
func pseudoDrift(seq uint64, maxAbs int64) int64 {
	if maxAbs <= 0 {
		return 0
	}
	v := int64(seq%uint64(2*maxAbs+1)) - maxAbs
	return v
}

// ShannonEntropy computes the normalized Shannon entropy of data's
// byte distribution, in [0, 1].
func ShannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	total := float64(len(data))
	var ent float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		ent -= p * math.Log2(p)
	}
	normalized := ent / 8.0
	if normalized > 1.0 {
		normalized = 1.0
	}
	return normalized
}
