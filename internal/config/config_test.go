package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"EqualisLedger/internal/config"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "equalis.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFile_Defaults(t *testing.T) {
	cfg, err := config.LoadFile("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.SnapshotBackend != config.SnapshotPostgres {
		t.Fatalf("snapshot backend: got %q, want %q", cfg.SnapshotBackend, config.SnapshotPostgres)
	}
	if cfg.PersistFlushTimeout != 10*time.Millisecond {
		t.Fatalf("flush timeout: got %s", cfg.PersistFlushTimeout)
	}
	if len(cfg.Genesis) != 0 {
		t.Fatalf("expected no genesis pools, got %d", len(cfg.Genesis))
	}
}

func TestLoadFile_YAMLAndGenesis(t *testing.T) {
	path := writeConfig(t, `
grpc_addr: ":7000"
persist_flush_timeout: 25ms
snapshot_backend: " LevelDB "
leveldb_path: /var/lib/equalis
genesis:
  - id: 1
    underlying: USDC
    decimals: 6
    depositor_ltv_bps: 8000
    liquidation_threshold_bps: 9000
    fee_split:
      treasury_bps: 1000
      active_credit_bps: 2000
      fee_index_bps: 8000
    borrow_fee_bps: 50
    min_deposit: "1000"
    treasury: treasury
`)
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GRPCAddr != ":7000" {
		t.Fatalf("grpc addr: got %q", cfg.GRPCAddr)
	}
	if cfg.PersistFlushTimeout != 25*time.Millisecond {
		t.Fatalf("flush timeout: got %s, want 25ms", cfg.PersistFlushTimeout)
	}
	if cfg.SnapshotBackend != config.SnapshotLevelDB {
		t.Fatalf("backend not normalized: %q", cfg.SnapshotBackend)
	}
	if len(cfg.Genesis) != 1 {
		t.Fatalf("genesis: got %d pools, want 1", len(cfg.Genesis))
	}
	pc, err := cfg.Genesis[0].PoolConfig()
	if err != nil {
		t.Fatalf("genesis pool config: %v", err)
	}
	if pc.MinDeposit.Uint64() != 1000 || pc.FeeSplit.FeeIndexBps != 8000 {
		t.Fatalf("genesis pool not decoded: %+v", pc)
	}
}

func TestLoadFile_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "http_addr: \":7001\"\npersist_batch_size: 10\n")
	t.Setenv("EQUALIS_HTTP_ADDR", ":7002")
	t.Setenv("EQUALIS_PERSIST_FLUSH_TIMEOUT", "1s")

	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":7002" {
		t.Fatalf("env should win: got %q", cfg.HTTPAddr)
	}
	if cfg.PersistBatchSize != 10 {
		t.Fatalf("file value lost: got %d", cfg.PersistBatchSize)
	}
	if cfg.PersistFlushTimeout != time.Second {
		t.Fatalf("flush timeout: got %s", cfg.PersistFlushTimeout)
	}
}

func TestLoadFile_Rejects(t *testing.T) {
	tests := []struct {
		name, yaml, want string
	}{
		{"unknown field", "grpc_adress: \":1\"\n", "grpc_adress"},
		{"bad backend", "snapshot_backend: s3\n", "snapshot_backend"},
		{"leveldb without path", "snapshot_backend: leveldb\nleveldb_path: \"\"\n", "leveldb_path"},
		{"zero batch", "persist_batch_size: 0\n", "persist_batch_size"},
		{"bad log level", "log_level: loud\n", "log_level"},
		{"duplicate genesis", `
genesis:
  - {id: 1, underlying: A, depositor_ltv_bps: 5000, liquidation_threshold_bps: 6000, treasury: t, fee_split: {fee_index_bps: 10000}}
  - {id: 1, underlying: B, depositor_ltv_bps: 5000, liquidation_threshold_bps: 6000, treasury: t, fee_split: {fee_index_bps: 10000}}
`, "duplicate pool id"},
		{"invalid genesis", `
genesis:
  - {id: 2, underlying: A, depositor_ltv_bps: 9000, liquidation_threshold_bps: 8000, treasury: t, fee_split: {fee_index_bps: 10000}}
`, "liquidation_threshold_bps"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadFile(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_ReadsPathFromEnv(t *testing.T) {
	t.Setenv("EQUALIS_CONFIG", writeConfig(t, "nats_url: nats://bus:4222\n"))
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NATSURL != "nats://bus:4222" {
		t.Fatalf("nats url: got %q", cfg.NATSURL)
	}
}
