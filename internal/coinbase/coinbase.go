// Package coinbase builds the segwit coinbase transaction each job is
// keyed on, split at the extranonce insertion point the way Stratum
// requires.
package coinbase

import (
	"errors"
	"fmt"

	"github.com/darwinx/stratumd/pkg/codec"
)

// ErrBadTemplate is returned when a template is missing the fields a
// segwit coinbase requires. Callers should stop minting jobs from the
// current template and wait for the next one.
var ErrBadTemplate = errors.New("coinbase: template missing default_witness_commitment")

// laneBytes tags the coinbase scriptSig with a 4-byte lane code so a
// downstream lane-aware proxy can route shares without parsing the whole
// job. The proxy itself is out of scope here; only the tagging survives.
var laneBytes = map[int][]byte{
	0: {0x4c, 0x41, 0x4e, 0x41}, // "LANA"
	1: {0x4c, 0x41, 0x4e, 0x42}, // "LANB"
	2: {0x4c, 0x41, 0x4e, 0x43}, // "LANC"
	3: {0x4c, 0x41, 0x4e, 0x44}, // "LAND"
}

// Params describes everything the builder needs to construct one
// coinbase transaction.
type Params struct {
	Height              int64
	RewardSats          int64
	PayoutScriptPubKey  []byte
	WitnessCommitment   []byte // raw bytes of default_witness_commitment, or nil
	Extranonce1Size     int
	Extranonce2Size     int
	Lane                int
	JobSeq              uint64
	PoolTag             string
}

// Built is a split coinbase transaction plus the data needed to compute
// its legacy (non-witness) txid for merkle purposes.
type Built struct {
	Coinb1 []byte // version..scriptSig prefix, up to extranonce1 insertion point
	Coinb2 []byte // remainder: sequence, outputs, witness stack, locktime

	witnessReserved []byte
}

// segwitMarkerFlag is prepended to a segwit transaction's serialization
// between version and input count.
var segwitMarkerFlag = []byte{0x00, 0x01}

// Build constructs the segwit coinbase transaction for p, returning it
// split into coinb1/coinb2 at the extranonce1||extranonce2 insertion
// point, matching the positions a mining.notify message must carry.
func Build(p Params) (*Built, error) {
	if p.PayoutScriptPubKey == nil {
		return nil, fmt.Errorf("coinbase: payout scriptPubKey required")
	}
	if len(p.WitnessCommitment) == 0 {
		return nil, ErrBadTemplate
	}

	witnessReserved := make([]byte, 32) // all-zero per BIP-141 for coinbase

	var coinb1 []byte
	coinb1 = codec.PutUint32LE(coinb1, 1) // version
	coinb1 = append(coinb1, segwitMarkerFlag...)
	coinb1 = append(coinb1, 0x01) // one input

	// Null previous outpoint.
	coinb1 = append(coinb1, make([]byte, 32)...)
	coinb1 = codec.PutUint32LE(coinb1, 0xffffffff)

	scriptSig := buildScriptSig(p)
	coinb1 = append(coinb1, codec.EncodeVarInt(nil, uint64(len(scriptSig)+p.Extranonce1Size+p.Extranonce2Size))...)
	coinb1 = append(coinb1, scriptSig...)

	// coinb2 begins right after the extranonce placeholder.
	var coinb2 []byte
	coinb2 = codec.PutUint32LE(coinb2, 0xffffffff) // sequence

	outputs := buildOutputs(p, witnessReserved)
	coinb2 = append(coinb2, codec.EncodeVarInt(nil, uint64(len(outputs)))...)
	for _, out := range outputs {
		coinb2 = append(coinb2, out...)
	}

	// Witness stack: one item, the 32-byte witness reserved value.
	coinb2 = append(coinb2, 0x01)
	coinb2 = append(coinb2, codec.PushData(witnessReserved)...)

	coinb2 = codec.PutUint32LE(coinb2, 0) // locktime

	return &Built{Coinb1: coinb1, Coinb2: coinb2, witnessReserved: witnessReserved}, nil
}

// buildScriptSig constructs the scriptSig: BIP-34 height push, lane tag +
// job sequence, and the pool's tag string.
func buildScriptSig(p Params) []byte {
	var sig []byte
	sig = append(sig, encodeHeight(p.Height)...)

	lane := laneBytes[p.Lane%len(laneBytes)]
	var seq [8]byte
	for i := 0; i < 8; i++ {
		seq[i] = byte(p.JobSeq >> (8 * uint(i)))
	}
	tag := append(append([]byte{}, lane...), seq[:]...)
	sig = append(sig, codec.PushData(tag)...)

	if p.PoolTag != "" {
		sig = append(sig, codec.PushData([]byte(p.PoolTag))...)
	}
	return sig
}

// encodeHeight implements BIP-34's minimally-encoded little-endian height
// push.
func encodeHeight(height int64) []byte {
	if height <= 0 {
		return []byte{0x01, 0x00}
	}
	var raw []byte
	h := height
	for h > 0 {
		raw = append(raw, byte(h&0xff))
		h >>= 8
	}
	if raw[len(raw)-1]&0x80 != 0 {
		raw = append(raw, 0x00)
	}
	return codec.PushData(raw)
}

// buildOutputs returns the coinbase's output list: the payout output and
// the witness commitment output. Build already refuses to reach here
// without a witness commitment, so both outputs are unconditional.
func buildOutputs(p Params, witnessReserved []byte) [][]byte {
	var payout []byte
	payout = codec.PutUint64LE(payout, uint64(p.RewardSats))
	payout = append(payout, codec.EncodeVarInt(nil, uint64(len(p.PayoutScriptPubKey)))...)
	payout = append(payout, p.PayoutScriptPubKey...)

	var commit []byte
	commit = codec.PutUint64LE(commit, 0)
	commit = append(commit, codec.EncodeVarInt(nil, uint64(len(p.WitnessCommitment)))...)
	commit = append(commit, p.WitnessCommitment...)

	return [][]byte{payout, commit}
}

// Assemble reconstructs the full coinbase transaction (including witness
// data) from its split halves and the extranonces a miner supplied. The
// result is what gets submitted in a block; LegacyTxID takes it as input
// and strips the witness to compute the txid used for the merkle root.
func Assemble(coinb1, extranonce1, extranonce2, coinb2 []byte) []byte {
	out := make([]byte, 0, len(coinb1)+len(extranonce1)+len(extranonce2)+len(coinb2))
	out = append(out, coinb1...)
	out = append(out, extranonce1...)
	out = append(out, extranonce2...)
	out = append(out, coinb2...)
	return out
}

// LegacyTxID computes the non-witness txid of an assembled coinbase
// transaction — the hash merkle computations use, per BIP-141's
// stripping of witness data from the legacy txid. Because a coinbase
// input's scriptSig already fully determines the transaction modulo the
// witness, stripping reduces to removing the marker/flag bytes and the
// trailing witness stack before hashing.
func LegacyTxID(assembled []byte) ([]byte, error) {
	if len(assembled) < 6 || assembled[4] != 0x00 || assembled[5] != 0x01 {
		return nil, fmt.Errorf("coinbase: assembled transaction missing segwit marker/flag")
	}

	var legacy []byte
	legacy = append(legacy, assembled[0:4]...) // version
	// skip marker+flag at [4:6]
	cursor := 6

	numInputs, n, err := codec.DecodeVarInt(assembled, cursor)
	if err != nil {
		return nil, fmt.Errorf("coinbase: decode input count: %w", err)
	}
	cursor += n
	inputsStart := cursor
	for i := uint64(0); i < numInputs; i++ {
		cursor += 32 + 4 // prevout hash + index
		scriptLen, n, err := codec.DecodeVarInt(assembled, cursor)
		if err != nil {
			return nil, fmt.Errorf("coinbase: decode scriptSig length: %w", err)
		}
		cursor += n + int(scriptLen) + 4 // scriptSig + sequence
	}
	legacy = append(legacy, codec.EncodeVarInt(nil, numInputs)...)
	legacy = append(legacy, assembled[inputsStart:cursor]...)

	numOutputs, n, err := codec.DecodeVarInt(assembled, cursor)
	if err != nil {
		return nil, fmt.Errorf("coinbase: decode output count: %w", err)
	}
	cursor += n
	outputsStart := cursor
	for i := uint64(0); i < numOutputs; i++ {
		cursor += 8 // value
		scriptLen, n, err := codec.DecodeVarInt(assembled, cursor)
		if err != nil {
			return nil, fmt.Errorf("coinbase: decode scriptPubKey length: %w", err)
		}
		cursor += n + int(scriptLen)
	}
	legacy = append(legacy, codec.EncodeVarInt(nil, numOutputs)...)
	legacy = append(legacy, assembled[outputsStart:cursor]...)

	// Skip the witness stack entirely; locktime is the final 4 bytes.
	if len(assembled) < 4 {
		return nil, fmt.Errorf("coinbase: truncated transaction")
	}
	locktime := assembled[len(assembled)-4:]
	legacy = append(legacy, locktime...)

	hash := codec.DoubleSHA256(legacy)
	return hash, nil
}
