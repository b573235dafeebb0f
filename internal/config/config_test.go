package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const baseYAML = `
engine:
  starting_clock: 100
  execution_cap_soft: 1000
  execution_cap_hard: 2000
  feedback_buffer: 64
  skip_filter_size: 256
  num_partitions: 4
  assigned_partitions: [0, 1]
  per_pair_buffer: 50ms
upstream:
  ws_url: "wss://example.test/stream"
  submit_base_url: "https://example.test/submit"
observability:
  enabled: true
  addr: ":9100"
audit:
  dsn: ""
http:
  enabled: false
logging:
  level: info
  format: json
`

func TestLoadParsesEngineFields(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", baseYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.StartingClock != 100 {
		t.Errorf("StartingClock = %d, want 100", cfg.Engine.StartingClock)
	}
	if cfg.Engine.ExecutionCapSoft != 1000 || cfg.Engine.ExecutionCapHard != 2000 {
		t.Errorf("execution cap = {%d,%d}, want {1000,2000}", cfg.Engine.ExecutionCapSoft, cfg.Engine.ExecutionCapHard)
	}
	if cfg.Engine.PerPairBuffer != 50*time.Millisecond {
		t.Errorf("PerPairBuffer = %v, want 50ms", cfg.Engine.PerPairBuffer)
	}
	if len(cfg.Engine.AssignedPartitions) != 2 {
		t.Errorf("AssignedPartitions = %v, want [0 1]", cfg.Engine.AssignedPartitions)
	}
	if cfg.Upstream.WSURL != "wss://example.test/stream" {
		t.Errorf("WSURL = %q", cfg.Upstream.WSURL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadEnvOverridesApplyOverYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", baseYAML)

	t.Setenv("TLB_AUDIT_DSN", "user:pass@tcp(127.0.0.1:3306)/tlb")
	t.Setenv("TLB_UPSTREAM_BEARER_TOKEN", "secret-token")
	t.Setenv("TLB_DRY_RUN", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Audit.DSN != "user:pass@tcp(127.0.0.1:3306)/tlb" {
		t.Errorf("Audit.DSN = %q", cfg.Audit.DSN)
	}
	if cfg.Upstream.BearerToken != "secret-token" {
		t.Errorf("Upstream.BearerToken = %q", cfg.Upstream.BearerToken)
	}
	if !cfg.DryRun {
		t.Error("DryRun = false, want true")
	}
}

func TestValidateRejectsSoftAboveHard(t *testing.T) {
	cfg := &Config{Engine: EngineConfig{ExecutionCapSoft: 200, ExecutionCapHard: 100}, Upstream: UpstreamConfig{WSURL: "wss://x"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when soft exceeds hard")
	}
}

func TestValidateRejectsPartitionOutOfRange(t *testing.T) {
	cfg := &Config{
		Engine:   EngineConfig{NumPartitions: 2, AssignedPartitions: []int{0, 5}},
		Upstream: UpstreamConfig{WSURL: "wss://x"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range partition")
	}
}

func TestValidateRequiresUpstreamWSURL(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when upstream.ws_url is unset")
	}
}

func TestValidateAllowsMissingSubmitURLInDryRun(t *testing.T) {
	cfg := &Config{DryRun: true, Upstream: UpstreamConfig{WSURL: "wss://x"}}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestApplyOverlayPatchesPartitionsAndURLs(t *testing.T) {
	dir := t.TempDir()
	basePath := writeFile(t, dir, "config.yaml", baseYAML)
	cfg, err := Load(basePath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	overlayPath := writeFile(t, dir, "overlay.yaml", `
engine:
  assigned_partitions: [2, 3]
upstream:
  ws_url: "wss://deploy-b.example.test/stream"
`)

	if err := ApplyOverlay(cfg, overlayPath); err != nil {
		t.Fatalf("ApplyOverlay: %v", err)
	}
	if len(cfg.Engine.AssignedPartitions) != 2 || cfg.Engine.AssignedPartitions[0] != 2 {
		t.Errorf("AssignedPartitions = %v, want [2 3]", cfg.Engine.AssignedPartitions)
	}
	if cfg.Upstream.WSURL != "wss://deploy-b.example.test/stream" {
		t.Errorf("WSURL = %q", cfg.Upstream.WSURL)
	}
	// Fields the overlay doesn't mention stay as loaded.
	if cfg.Engine.StartingClock != 100 {
		t.Errorf("StartingClock = %d, want unchanged 100", cfg.Engine.StartingClock)
	}
}

func TestApplyOverlayErrorsOnMissingFile(t *testing.T) {
	cfg := &Config{}
	if err := ApplyOverlay(cfg, filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing overlay file")
	}
}
