package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
payout:
  address: bc1qexampleaddress
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 3333 {
		t.Fatalf("expected default port 3333, got %d", cfg.Server.Port)
	}
	if cfg.Mining.InitialDifficulty != 1.0 {
		t.Fatalf("expected default initial difficulty 1.0, got %v", cfg.Mining.InitialDifficulty)
	}
	if cfg.Mining.PoolTag != "/darwinx/" {
		t.Fatalf("expected default pool tag, got %s", cfg.Mining.PoolTag)
	}
	if len(cfg.Scorer.Lanes) != 4 {
		t.Fatalf("expected 4 default lanes, got %v", cfg.Scorer.Lanes)
	}
	if cfg.Payout.FeeBasisPoints != 100 {
		t.Fatalf("expected default fee basis points 100, got %d", cfg.Payout.FeeBasisPoints)
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("STRATUMD_RPC_PASS", "s3cret")
	path := writeConfig(t, `
payout:
  address: bc1qexampleaddress
rpc:
  pass: "${STRATUMD_RPC_PASS}"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RPC.Pass != "s3cret" {
		t.Fatalf("expected expanded env var, got %s", cfg.RPC.Pass)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 70000
payout:
  address: bc1qexampleaddress
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an out-of-range port")
	}
}

func TestLoadRejectsMissingPayoutAddress(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 3333
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when payout address is unset")
	}
}

func TestLoadRejectsTLSWithoutCertFiles(t *testing.T) {
	path := writeConfig(t, `
server:
  tls:
    enabled: true
payout:
  address: bc1qexampleaddress
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when TLS is enabled without cert/key files")
	}
}

func TestLoadRejectsMinDifficultyAboveMax(t *testing.T) {
	path := writeConfig(t, `
mining:
  min_difficulty: 100
  max_difficulty: 10
payout:
  address: bc1qexampleaddress
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when min_difficulty exceeds max_difficulty")
	}
}
