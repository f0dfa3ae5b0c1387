// Package submit assembles a full block from a winning share and submits
// it to the node, with no retry on failure.
package submit

import (
	"context"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"github.com/darwinx/stratumd/internal/rpcclient"
	"github.com/darwinx/stratumd/internal/template"
	"github.com/darwinx/stratumd/pkg/codec"
)

// Submitter assembles and submits solved blocks.
type Submitter struct {
	client *rpcclient.Client
	logger *zap.Logger
}

// New constructs a Submitter.
func New(client *rpcclient.Client, logger *zap.Logger) *Submitter {
	return &Submitter{client: client, logger: logger.Named("submit")}
}

// AssembleBlock concatenates the header, transaction count and every
// transaction's raw data (coinbase first) into the wire format
// submitblock expects.
func AssembleBlock(header []byte, coinbaseHex string, snap *template.Snapshot) (string, error) {
	txs := make([]string, 0, len(snap.Transactions)+1)
	txs = append(txs, coinbaseHex)
	for _, tx := range snap.Transactions {
		txs = append(txs, tx.Data)
	}

	block := hex.EncodeToString(header)
	block += hex.EncodeToString(codec.EncodeVarInt(nil, uint64(len(txs))))
	for _, tx := range txs {
		block += tx
	}
	return block, nil
}

// Result describes the outcome of a submission attempt.
type Result struct {
	Accepted  bool
	BlockHash string
	NodeError string
}

// Submit sends a fully assembled block to the node. On any error —
// network failure, or the node itself rejecting the block — the error or
// rejection reason is returned and logged; the caller must not retry,
// since a rejected or already-seen block candidate is not made valid by
// resubmission.
func (s *Submitter) Submit(ctx context.Context, blockHex string, header []byte) (*Result, error) {
	nodeResp, err := s.client.SubmitBlock(ctx, blockHex)
	blockHash := hex.EncodeToString(codec.ReverseBytes(codec.DoubleSHA256(header)))

	if err != nil {
		s.logger.Error("submitblock rpc failed", zap.Error(err), zap.String("hash", blockHash))
		return nil, fmt.Errorf("submit: %w", err)
	}

	if nodeResp != "" {
		s.logger.Warn("node rejected submitted block",
			zap.String("hash", blockHash),
			zap.String("reason", nodeResp),
		)
		return &Result{Accepted: false, BlockHash: blockHash, NodeError: nodeResp}, nil
	}

	s.logger.Info("block accepted by node", zap.String("hash", blockHash))
	return &Result{Accepted: true, BlockHash: blockHash}, nil
}
