// Package mining implements job generation, the active-jobs map and share
// validation against those jobs.
package mining

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
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
	jobsGenerated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_jobs_generated_total",
		Help: "Total number of jobs generated",
	})

	currentBlockHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratum_current_block_height",
		Help: "Current block height",
	})
)

func init() {
	prometheus.MustRegister(jobsGenerated)
	prometheus.MustRegister(currentBlockHeight)
}

// Job is a mining job derived from a template snapshot, ready to be sent
// to workers via mining.notify.
type Job struct {
	ID            string
	Height        int64
	PrevBlockHash string // big-endian hex, wire format
	Coinb1        []byte
	Coinb2        []byte
	MerkleBranch  [][]byte // sibling hashes, internal byte order
	Version       uint32
	NBits         string
	NTime         uint32
	CleanJobs     bool
	Snapshot      *template.Snapshot
	CreatedAt     time.Time
}

// MerkleBranchHex renders the merkle branch as big-endian hex strings,
// the wire format mining.notify transmits.
func (j *Job) MerkleBranchHex() []string {
	out := make([]string, len(j.MerkleBranch))
	for i, h := range j.MerkleBranch {
		out[i] = hex.EncodeToString(codec.ReverseBytes(h))
	}
	return out
}

// JobManager owns the active-jobs map and coinbase/extranonce assignment.
type JobManager struct {
	cfg    config.MiningConfig
	logger *zap.Logger

	currentJob  atomic.Value // *Job
	jobs        sync.Map     // map[string]*Job
	jobCounter  uint64
	extranonce1 uint32

	subscribers   []chan *Job
	subscribersMu sync.RWMutex

	currentHeight int64
	mu            sync.Mutex
}

// NewJobManager constructs a JobManager.
func NewJobManager(cfg config.MiningConfig, logger *zap.Logger) *JobManager {
	jm := &JobManager{
		cfg:    cfg,
		logger: logger.Named("job"),
	}

	var seed [4]byte
	rand.Read(seed[:])
	jm.extranonce1 = binary.BigEndian.Uint32(seed[:])

	return jm
}

// GenerateExtranonce1 returns a fresh, unique extranonce1 for a new
// connection, hex-encoded at the configured size.
func (jm *JobManager) GenerateExtranonce1() string {
	value := atomic.AddUint32(&jm.extranonce1, 1)
	buf := make([]byte, jm.cfg.Extranonce1Size)
	for i := 0; i < jm.cfg.Extranonce1Size; i++ {
		buf[i] = byte(value >> (8 * uint(jm.cfg.Extranonce1Size-1-i)))
	}
	return hex.EncodeToString(buf)
}

// GetExtranonce2Size returns the configured extranonce2 byte width.
func (jm *JobManager) GetExtranonce2Size() int {
	return jm.cfg.Extranonce2Size
}

// GetCurrentJob returns the most recently created job.
func (jm *JobManager) GetCurrentJob() *Job {
	if j := jm.currentJob.Load(); j != nil {
		return j.(*Job)
	}
	return nil
}

// GetJob looks up a job by ID.
func (jm *JobManager) GetJob(id string) *Job {
	if job, ok := jm.jobs.Load(id); ok {
		return job.(*Job)
	}
	return nil
}

// IsJobStale reports whether a job is too old, or too far behind the
// current job, to accept shares against.
func (jm *JobManager) IsJobStale(id string) bool {
	job := jm.GetJob(id)
	if job == nil {
		return true
	}
	if time.Since(job.CreatedAt) > jm.cfg.JobTimeout {
		return true
	}

	newer := 0
	jm.jobs.Range(func(_, value interface{}) bool {
		j := value.(*Job)
		if j.CreatedAt.After(job.CreatedAt) {
			newer++
		}
		return newer < jm.cfg.StaleJobThreshold
	})
	return newer >= jm.cfg.StaleJobThreshold
}

// CreateJob builds a new job from a template snapshot, keyed by a fresh
// job ID and a fresh coinbase/merkle pairing, and publishes it to
// subscribers.
func (jm *JobManager) CreateJob(snap *template.Snapshot, payoutScript []byte, lane int) (*Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jobID := jm.generateJobID()
	cleanJobs := snap.Height != jm.currentHeight
	if cleanJobs {
		jm.currentHeight = snap.Height
		currentBlockHeight.Set(float64(snap.Height))
	}

	var wcommit []byte
	if snap.DefaultWitnessCommitment != "" {
		var err error
		wcommit, err = hex.DecodeString(snap.DefaultWitnessCommitment)
		if err != nil {
			return nil, fmt.Errorf("mining: decode witness commitment: %w", err)
		}
	}

	built, err := coinbase.Build(coinbase.Params{
		Height:             snap.Height,
		RewardSats:         snap.CoinbaseValue,
		PayoutScriptPubKey: payoutScript,
		WitnessCommitment:  wcommit,
		Extranonce1Size:    jm.cfg.Extranonce1Size,
		Extranonce2Size:    jm.cfg.Extranonce2Size,
		Lane:               lane,
		JobSeq:             atomic.LoadUint64(&jm.jobCounter),
		PoolTag:            jm.cfg.PoolTag,
	})
	if err != nil {
		return nil, fmt.Errorf("mining: build coinbase: %w", err)
	}

	// Precompute the merkle branch against a zero-filled stand-in leaf:
	// only the sibling list matters for the wire job, since the real
	// coinbase txid depends on the extranonces a miner later supplies.
	txids := make([][]byte, 0, len(snap.Transactions)+1)
	txids = append(txids, make([]byte, 32))
	for _, tx := range snap.Transactions {
		raw, err := hex.DecodeString(tx.TxID)
		if err != nil {
			continue
		}
		txids = append(txids, codec.ReverseBytes(raw))
	}
	branch := codec.MerkleBranch(txids)

	job := &Job{
		ID:            jobID,
		Height:        snap.Height,
		PrevBlockHash: snap.PreviousBlockHash,
		Coinb1:        built.Coinb1,
		Coinb2:        built.Coinb2,
		MerkleBranch:  branch,
		Version:       uint32(snap.Version),
		NBits:         snap.Bits,
		NTime:         uint32(snap.CurTime),
		CleanJobs:     cleanJobs,
		Snapshot:      template.CopySnapshot(snap),
		CreatedAt:     time.Now(),
	}

	jm.jobs.Store(jobID, job)
	jm.currentJob.Store(job)

	if cleanJobs {
		jm.cleanOldJobs()
	}
	jm.notifySubscribers(job)
	jobsGenerated.Inc()

	jm.logger.Info("new job created",
		zap.String("job_id", jobID),
		zap.Int64("height", snap.Height),
		zap.Bool("clean_jobs", cleanJobs),
	)

	return job, nil
}

func (jm *JobManager) generateJobID() string {
	id := atomic.AddUint64(&jm.jobCounter, 1)
	return fmt.Sprintf("%x", id)
}

func (jm *JobManager) cleanOldJobs() {
	cutoff := time.Now().Add(-jm.cfg.JobTimeout)
	jm.jobs.Range(func(key, value interface{}) bool {
		job := value.(*Job)
		if job.CreatedAt.Before(cutoff) {
			jm.jobs.Delete(key)
		}
		return true
	})
}

// Subscribe returns a channel of newly created jobs.
func (jm *JobManager) Subscribe() <-chan *Job {
	jm.subscribersMu.Lock()
	defer jm.subscribersMu.Unlock()
	ch := make(chan *Job, 10)
	jm.subscribers = append(jm.subscribers, ch)
	return ch
}

func (jm *JobManager) notifySubscribers(job *Job) {
	jm.subscribersMu.RLock()
	defer jm.subscribersMu.RUnlock()
	for _, ch := range jm.subscribers {
		select {
		case ch <- job:
		default:
			jm.logger.Warn("job subscriber channel full, dropping")
		}
	}
}
