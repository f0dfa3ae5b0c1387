package mining

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/darwinx/stratumd/internal/coinbase"
	"github.com/darwinx/stratumd/internal/config"
	"github.com/darwinx/stratumd/internal/ledger"
	"github.com/darwinx/stratumd/internal/storage"
	"github.com/darwinx/stratumd/internal/submit"
	"github.com/darwinx/stratumd/pkg/codec"
)

var (
	sharesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratum_shares_total",
		Help: "Total number of shares submitted",
	}, []string{"status"})

	shareProcessingTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stratum_share_processing_seconds",
		Help:    "Share processing time in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 10),
	})

	blocksFound = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_blocks_found_total",
		Help: "Total number of blocks found",
	})
)

func init() {
	prometheus.MustRegister(sharesTotal)
	prometheus.MustRegister(shareProcessingTime)
	prometheus.MustRegister(blocksFound)
}

// defaultNtimeWindow is the fallback maximum allowed drift between a
// share's ntime and wall-clock time, in either direction, used when the
// configured drift is unset.
const defaultNtimeWindow = 2 * time.Hour

// Share is a submitted share from a worker.
type Share struct {
	WorkerName  string
	JobID       string
	Extranonce1 string
	Extranonce2 string
	Ntime       string
	Nonce       string
	Difficulty  float64
	SubmittedAt time.Time
	IPAddress   string
}

// ShareResult is the outcome of validating a Share.
type ShareResult struct {
	Valid        bool
	BlockHash    string
	IsBlock      bool
	RejectReason string
	ShareDiff    float64
}

// RejectReason values set on a ShareResult. Callers wiring the Stratum
// wire response or per-worker stats should compare against these rather
// than restating the strings.
const (
	RejectJobNotFound      = "job not found"
	RejectStaleJob         = "stale job"
	RejectDuplicateShare   = "duplicate share"
	RejectBadNtime         = "ntime out of range"
	RejectInvalidShareData = "invalid share data"

	lowDifficultyPrefix = "low difficulty share"
)

// IsLowDifficultyReject reports whether reason is a low-difficulty
// rejection. Unlike every other reject reason, low-difficulty shares are
// still recorded (valid=false), so callers need to tell it apart from the
// fixed-string reasons above.
func IsLowDifficultyReject(reason string) bool {
	return strings.HasPrefix(reason, lowDifficultyPrefix)
}

// ShareValidator validates submitted shares against active jobs and,
// when a share clears the network target, hands the winning block to the
// submitter.
type ShareValidator struct {
	cfg        config.MiningConfig
	logger     *zap.Logger
	redis      *storage.RedisClient
	ledger     *ledger.Ledger
	jobManager *JobManager
	submitter  *submit.Submitter
}

// NewShareValidator constructs a ShareValidator.
func NewShareValidator(cfg config.MiningConfig, logger *zap.Logger, redis *storage.RedisClient, lg *ledger.Ledger, jm *JobManager, sub *submit.Submitter) *ShareValidator {
	return &ShareValidator{
		cfg:        cfg,
		logger:     logger.Named("share"),
		redis:      redis,
		ledger:     lg,
		jobManager: jm,
		submitter:  sub,
	}
}

// Validate runs a submitted share through the full pipeline: job lookup,
// staleness, duplicate-share, ntime-window, header reassembly and
// target/difficulty comparison, finally handing winning shares off to the
// submitter.
func (v *ShareValidator) Validate(ctx context.Context, share *Share) (*ShareResult, error) {
	start := time.Now()
	defer func() { shareProcessingTime.Observe(time.Since(start).Seconds()) }()

	result := &ShareResult{}

	job := v.jobManager.GetJob(share.JobID)
	if job == nil {
		result.RejectReason = RejectJobNotFound
		sharesTotal.WithLabelValues("stale").Inc()
		return result, nil
	}

	if v.jobManager.IsJobStale(share.JobID) {
		result.RejectReason = RejectStaleJob
		sharesTotal.WithLabelValues("stale").Inc()
		return result, nil
	}

	isDuplicate, err := v.checkDuplicate(ctx, share)
	if err != nil {
		return nil, fmt.Errorf("duplicate check failed: %w", err)
	}
	if isDuplicate {
		result.RejectReason = RejectDuplicateShare
		sharesTotal.WithLabelValues("duplicate").Inc()
		return result, nil
	}

	if !v.validateNtime(share.Ntime) {
		result.RejectReason = RejectBadNtime
		sharesTotal.WithLabelValues("invalid").Inc()
		return result, nil
	}

	header, assembledCoinbase, err := v.buildBlockHeader(share, job)
	if err != nil {
		result.RejectReason = RejectInvalidShareData
		sharesTotal.WithLabelValues("invalid").Inc()
		return result, nil
	}

	hash := codec.DoubleSHA256(header)
	result.BlockHash = hex.EncodeToString(codec.ReverseBytes(hash))

	shareDiff := codec.DifficultyFromTarget(codec.HashToBig(hash))
	result.ShareDiff = shareDiff

	if shareDiff < share.Difficulty {
		result.RejectReason = fmt.Sprintf("%s: %.4f < %.4f", lowDifficultyPrefix, shareDiff, share.Difficulty)
		sharesTotal.WithLabelValues("low_diff").Inc()
		go v.recordShare(context.Background(), share, result)
		return result, nil
	}

	result.Valid = true
	sharesTotal.WithLabelValues("valid").Inc()

	netTarget, err := hexNBitsToTarget(job.NBits)
	if err == nil && codec.HashMeetsTarget(hash, netTarget) {
		result.IsBlock = true
		blocksFound.Inc()

		v.logger.Info("block found",
			zap.String("hash", result.BlockHash),
			zap.String("worker", share.WorkerName),
			zap.Float64("share_diff", shareDiff),
		)

		go v.submitBlock(context.Background(), share, job, header, assembledCoinbase)
	}

	go v.recordShare(context.Background(), share, result)

	return result, nil
}

func hexNBitsToTarget(nbitsHex string) (*big.Int, error) {
	raw, err := hex.DecodeString(nbitsHex)
	if err != nil || len(raw) != 4 {
		return nil, fmt.Errorf("mining: invalid nbits %q", nbitsHex)
	}
	bits := uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	return codec.TargetFromNBits(bits), nil
}

// checkDuplicate enforces the 5-tuple dedup key: worker, job, extranonce2,
// ntime and nonce. A submission that repeats all five is a duplicate;
// changing any one of them (the nonce included) makes a new share.
func (v *ShareValidator) checkDuplicate(ctx context.Context, share *Share) (bool, error) {
	key := fmt.Sprintf("%s:%s:%s:%s:%s",
		share.WorkerName, share.JobID, share.Extranonce2, share.Ntime, share.Nonce)
	return v.redis.CheckDuplicateShare(ctx, key)
}

// validateNtime enforces the configured wall-clock drift window, which
// defaults to +/-2h rather than the old, much tighter +/-10m window.
func (v *ShareValidator) validateNtime(ntimeHex string) bool {
	raw, err := hex.DecodeString(ntimeHex)
	if err != nil || len(raw) != 4 {
		return false
	}
	shareTime := int64(uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3]))

	window := defaultNtimeWindow
	if v.cfg.NtimeDriftSeconds > 0 {
		window = time.Duration(v.cfg.NtimeDriftSeconds) * time.Second
	}

	now := time.Now().Unix()
	return shareTime >= now-int64(window.Seconds()) && shareTime <= now+int64(window.Seconds())
}

// buildBlockHeader reassembles the 80-byte header a submitted share
// implies, returning it alongside the assembled coinbase (needed only if
// the share turns out to solve a block).
func (v *ShareValidator) buildBlockHeader(share *Share, job *Job) ([]byte, []byte, error) {
	extranonce1, err := hex.DecodeString(share.Extranonce1)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid extranonce1: %w", err)
	}
	extranonce2, err := hex.DecodeString(share.Extranonce2)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid extranonce2: %w", err)
	}

	assembled := coinbase.Assemble(job.Coinb1, extranonce1, extranonce2, job.Coinb2)
	cbTxID, err := coinbase.LegacyTxID(assembled)
	if err != nil {
		return nil, nil, fmt.Errorf("coinbase txid: %w", err)
	}

	merkleRoot := codec.FoldMerkleBranch(cbTxID, job.MerkleBranch)

	ntime, err := hex.DecodeString(share.Ntime)
	if err != nil || len(ntime) != 4 {
		return nil, nil, fmt.Errorf("invalid ntime")
	}
	nonce, err := hex.DecodeString(share.Nonce)
	if err != nil || len(nonce) != 4 {
		return nil, nil, fmt.Errorf("invalid nonce")
	}
	nbits, err := hex.DecodeString(job.NBits)
	if err != nil || len(nbits) != 4 {
		return nil, nil, fmt.Errorf("invalid nbits")
	}
	prevHash, err := hex.DecodeString(job.PrevBlockHash)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid prevhash")
	}

	header := make([]byte, 0, 80)
	header = codec.PutUint32LE(header, job.Version)
	header = append(header, codec.ReverseBytes(prevHash)...)
	header = append(header, codec.ReverseBytes(merkleRoot)...)
	header = append(header, ntime...)
	header = append(header, nbits...)
	header = append(header, nonce...)

	return header, assembled, nil
}

func (v *ShareValidator) submitBlock(ctx context.Context, share *Share, job *Job, header, assembledCoinbase []byte) {
	blockHex, err := submit.AssembleBlock(header, hex.EncodeToString(assembledCoinbase), job.Snapshot)
	if err != nil {
		v.logger.Error("failed to assemble block", zap.Error(err))
		return
	}

	res, err := v.submitter.Submit(ctx, blockHex, header)
	if err != nil {
		v.logger.Error("block submission failed, not retrying", zap.Error(err))
		return
	}

	if err := v.ledger.RecordBlock(ctx, &storage.Block{
		Hash:             res.BlockHash,
		Height:           job.Height,
		WorkerName:       share.WorkerName,
		Difficulty:       0,
		FoundAt:          time.Now(),
		Confirmed:        false,
		TemplatePrevHash: job.PrevBlockHash,
		RewardSats:       job.Snapshot.CoinbaseValue,
	}); err != nil {
		v.logger.Error("failed to record block", zap.Error(err))
	}
}

func (v *ShareValidator) recordShare(ctx context.Context, share *Share, result *ShareResult) {
	if err := v.ledger.RecordShare(ctx, &storage.Share{
		WorkerName:   share.WorkerName,
		JobID:        share.JobID,
		Difficulty:   share.Difficulty,
		ShareDiff:    result.ShareDiff,
		Valid:        result.Valid,
		IsBlock:      result.IsBlock,
		BlockHash:    result.BlockHash,
		RejectReason: result.RejectReason,
		IPAddress:    share.IPAddress,
		SubmittedAt:  share.SubmittedAt,
	}); err != nil {
		v.logger.Error("failed to record share", zap.Error(err))
	}
}
