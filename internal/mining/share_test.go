package mining

import (
	"encoding/hex"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/darwinx/stratumd/internal/coinbase"
	"github.com/darwinx/stratumd/internal/config"
)

func testValidator(cfg config.MiningConfig) *ShareValidator {
	return &ShareValidator{
		cfg:    cfg,
		logger: zap.NewNop(),
	}
}

func TestValidateNtimeWithinDefaultWindow(t *testing.T) {
	v := testValidator(config.MiningConfig{})
	now := uint32(time.Now().Unix())

	buf := make([]byte, 4)
	buf[0] = byte(now >> 24)
	buf[1] = byte(now >> 16)
	buf[2] = byte(now >> 8)
	buf[3] = byte(now)

	if !v.validateNtime(hex.EncodeToString(buf)) {
		t.Fatal("expected current ntime to validate within default window")
	}
}

func TestValidateNtimeRejectsFarFuture(t *testing.T) {
	v := testValidator(config.MiningConfig{})
	future := uint32(time.Now().Add(5 * time.Hour).Unix())

	buf := make([]byte, 4)
	buf[0] = byte(future >> 24)
	buf[1] = byte(future >> 16)
	buf[2] = byte(future >> 8)
	buf[3] = byte(future)

	if v.validateNtime(hex.EncodeToString(buf)) {
		t.Fatal("expected far-future ntime to be rejected")
	}
}

func TestValidateNtimeHonorsConfiguredDrift(t *testing.T) {
	v := testValidator(config.MiningConfig{NtimeDriftSeconds: 60})
	driftedTooFar := uint32(time.Now().Add(2 * time.Minute).Unix())

	buf := make([]byte, 4)
	buf[0] = byte(driftedTooFar >> 24)
	buf[1] = byte(driftedTooFar >> 16)
	buf[2] = byte(driftedTooFar >> 8)
	buf[3] = byte(driftedTooFar)

	if v.validateNtime(hex.EncodeToString(buf)) {
		t.Fatal("expected a tighter configured drift window to reject a 2 minute offset")
	}
}

func TestValidateNtimeRejectsMalformedHex(t *testing.T) {
	v := testValidator(config.MiningConfig{})
	if v.validateNtime("not-hex") {
		t.Fatal("expected malformed ntime hex to fail validation")
	}
	if v.validateNtime("aabb") {
		t.Fatal("expected short ntime hex to fail validation")
	}
}

func TestHexNBitsToTargetRejectsBadInput(t *testing.T) {
	if _, err := hexNBitsToTarget("zz"); err == nil {
		t.Fatal("expected error for non-hex nbits")
	}
	if _, err := hexNBitsToTarget("aabb"); err == nil {
		t.Fatal("expected error for short nbits")
	}
}

func TestHexNBitsToTargetDecodesCompact(t *testing.T) {
	target, err := hexNBitsToTarget("1d00ffff")
	if err != nil {
		t.Fatalf("hexNBitsToTarget: %v", err)
	}
	if target.Sign() <= 0 {
		t.Fatal("expected a positive target")
	}
}

func TestBuildBlockHeaderProducesEightyBytes(t *testing.T) {
	v := testValidator(testMiningConfig())

	built, err := coinbase.Build(coinbase.Params{
		Height:             800000,
		RewardSats:         625000000,
		PayoutScriptPubKey: testPayoutScript(),
		WitnessCommitment:  make([]byte, 38),
		Extranonce1Size:    4,
		Extranonce2Size:    8,
		Lane:               0,
		JobSeq:             1,
		PoolTag:            "/darwinx/",
	})
	if err != nil {
		t.Fatalf("coinbase.Build: %v", err)
	}

	job := &Job{
		ID:            "1",
		Height:        800000,
		PrevBlockHash: "0000000000000000000000000000000000000000000000000000000000000000",
		Coinb1:        built.Coinb1,
		Coinb2:        built.Coinb2,
		MerkleBranch:  nil,
		Version:       536870912,
		NBits:         "17034219",
		NTime:         1700000000,
	}

	share := &Share{
		Extranonce1: "11111111",
		Extranonce2: "2222222222222222",
		Ntime:       "65760fe0",
		Nonce:       "00000000",
	}

	header, assembled, err := v.buildBlockHeader(share, job)
	if err != nil {
		t.Fatalf("buildBlockHeader: %v", err)
	}
	if len(header) != 80 {
		t.Fatalf("expected an 80 byte header, got %d", len(header))
	}
	if len(assembled) == 0 {
		t.Fatal("expected a non-empty assembled coinbase")
	}
}

func TestBuildBlockHeaderRejectsMalformedExtranonce(t *testing.T) {
	v := testValidator(testMiningConfig())
	job := &Job{NBits: "17034219", PrevBlockHash: "00"}
	share := &Share{Extranonce1: "zz", Extranonce2: "22", Ntime: "65760fe0", Nonce: "00000000"}

	if _, _, err := v.buildBlockHeader(share, job); err == nil {
		t.Fatal("expected error for malformed extranonce1")
	}
}
