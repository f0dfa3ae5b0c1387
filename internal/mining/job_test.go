package mining

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/darwinx/stratumd/internal/config"
	"github.com/darwinx/stratumd/internal/rpcclient"
	"github.com/darwinx/stratumd/internal/template"
)

func testMiningConfig() config.MiningConfig {
	return config.MiningConfig{
		Extranonce1Size:   4,
		Extranonce2Size:   8,
		JobTimeout:        10 * time.Minute,
		StaleJobThreshold: 3,
		PoolTag:           "/darwinx/",
	}
}

func testTemplateSnapshot(height int64, prevHash string) *template.Snapshot {
	return &template.Snapshot{
		Version:           536870912,
		PreviousBlockHash: prevHash,
		Bits:              "17034219",
		CurTime:           1700000000,
		Height:            height,
		CoinbaseValue:     625000000,
		DefaultWitnessCommitment: "6a24aa21a9ed0000000000000000000000000000000000000000000000000000000000000000",
		Transactions: []rpcclient.TemplateTx{
			{TxID: "2222222222222222222222222222222222222222222222222222222222222222"},
		},
	}
}

func testPayoutScript() []byte {
	return []byte{0x00, 0x14, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}
}

func TestGenerateExtranonce1IsUniqueAndSized(t *testing.T) {
	jm := NewJobManager(testMiningConfig(), zap.NewNop())

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		en1 := jm.GenerateExtranonce1()
		if len(en1) != 8 { // 4 bytes hex-encoded
			t.Fatalf("expected 8 hex chars for a 4-byte extranonce1, got %d (%s)", len(en1), en1)
		}
		if seen[en1] {
			t.Fatalf("extranonce1 %s repeated", en1)
		}
		seen[en1] = true
	}
}

func TestCreateJobSetsCleanJobsOnHeightChange(t *testing.T) {
	jm := NewJobManager(testMiningConfig(), zap.NewNop())

	job1, err := jm.CreateJob(testTemplateSnapshot(800000, "aa"), testPayoutScript(), 0)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if !job1.CleanJobs {
		t.Fatal("expected first job at a new height to set CleanJobs")
	}

	job2, err := jm.CreateJob(testTemplateSnapshot(800000, "aa"), testPayoutScript(), 0)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job2.CleanJobs {
		t.Fatal("expected a second job at the same height to not set CleanJobs")
	}

	job3, err := jm.CreateJob(testTemplateSnapshot(800001, "bb"), testPayoutScript(), 0)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if !job3.CleanJobs {
		t.Fatal("expected a job at a new height to set CleanJobs")
	}
}

func TestCreateJobAssignsDistinctJobIDs(t *testing.T) {
	jm := NewJobManager(testMiningConfig(), zap.NewNop())
	j1, err := jm.CreateJob(testTemplateSnapshot(1, "aa"), testPayoutScript(), 0)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	j2, err := jm.CreateJob(testTemplateSnapshot(1, "aa"), testPayoutScript(), 0)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if j1.ID == j2.ID {
		t.Fatal("expected distinct job IDs")
	}
	if jm.GetJob(j1.ID) == nil || jm.GetJob(j2.ID) == nil {
		t.Fatal("expected both jobs retrievable by ID")
	}
	if jm.GetCurrentJob().ID != j2.ID {
		t.Fatal("expected GetCurrentJob to return the most recent job")
	}
}

func TestIsJobStaleForUnknownJob(t *testing.T) {
	jm := NewJobManager(testMiningConfig(), zap.NewNop())
	if !jm.IsJobStale("does-not-exist") {
		t.Fatal("expected unknown job to be reported stale")
	}
}

func TestIsJobStaleByAge(t *testing.T) {
	cfg := testMiningConfig()
	cfg.JobTimeout = 0 // immediately stale by age
	jm := NewJobManager(cfg, zap.NewNop())

	job, err := jm.CreateJob(testTemplateSnapshot(1, "aa"), testPayoutScript(), 0)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if !jm.IsJobStale(job.ID) {
		t.Fatal("expected job to be stale once past job timeout")
	}
}

func TestIsJobStaleByNewerJobCount(t *testing.T) {
	cfg := testMiningConfig()
	cfg.StaleJobThreshold = 2
	jm := NewJobManager(cfg, zap.NewNop())

	first, err := jm.CreateJob(testTemplateSnapshot(1, "aa"), testPayoutScript(), 0)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := jm.CreateJob(testTemplateSnapshot(1, "aa"), testPayoutScript(), 0); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}
	if !jm.IsJobStale(first.ID) {
		t.Fatal("expected the oldest job to be stale once enough newer jobs exist")
	}
}

func TestSubscribeReceivesNewJobs(t *testing.T) {
	jm := NewJobManager(testMiningConfig(), zap.NewNop())
	ch := jm.Subscribe()

	job, err := jm.CreateJob(testTemplateSnapshot(1, "aa"), testPayoutScript(), 0)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	select {
	case got := <-ch:
		if got.ID != job.ID {
			t.Fatalf("expected subscriber to see job %s, got %s", job.ID, got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for job notification")
	}
}

func TestMerkleBranchHexIsReversedForWire(t *testing.T) {
	job := &Job{
		MerkleBranch: [][]byte{{0x01, 0x02, 0x03, 0x04}},
	}
	hexes := job.MerkleBranchHex()
	if len(hexes) != 1 {
		t.Fatalf("expected 1 branch hex string, got %d", len(hexes))
	}
	if hexes[0] != "04030201" {
		t.Fatalf("expected reversed byte order hex 04030201, got %s", hexes[0])
	}
}
