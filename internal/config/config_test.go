package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"meeting-transcript-service/internal/service/pipeline"
)

var configEnvVars = []string{
	"CONFIG_FILE", "ENV",
	"SERVICE_PRINCIPAL", "HTTP_PORT", "GRPC_PORT", "METRICS_PORT", "INGEST_WORKERS",
	"LOG_LEVEL", "LOG_FORMAT",
	"STT_PROVIDER", "STT_LANGUAGE_CODE", "STT_SAMPLE_RATE_HZ", "STT_MODEL",
	"TRANSCODER", "FFMPEG_PATH",
	"SUMMARY_PROVIDER", "GEMINI_API_KEYS", "SUMMARY_WORD_THRESHOLD", "SUMMARY_TIME_INTERVAL",
	"SUMMARY_MIN_WORDS_FOR_INTERVAL", "SUMMARY_MODE", "FINAL_SUMMARY_MIN_WORDS",
	"MAX_CHUNK_BYTES", "MAX_PENDING_CHUNKS", "STAGE_TIMEOUT", "MAX_SESSION_AGE",
	"KAFKA_ENABLED", "KAFKA_BROKERS", "KAFKA_PRINCIPAL", "SQLITE_PATH",
}

func clearEnv() {
	for _, v := range configEnvVars {
		os.Unsetenv(v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Service.Principal != "svc-meeting-transcript" {
		t.Errorf("expected default principal 'svc-meeting-transcript', got %s", cfg.Service.Principal)
	}
	if cfg.Service.HTTPPort != "8000" {
		t.Errorf("expected default http port '8000', got %s", cfg.Service.HTTPPort)
	}
	if cfg.Service.GRPCPort != "50051" {
		t.Errorf("expected default port '50051', got %s", cfg.Service.GRPCPort)
	}

	if cfg.STT.Provider != "mock" {
		t.Errorf("expected default STT provider 'mock', got %s", cfg.STT.Provider)
	}
	if cfg.STT.SampleRateHz != 16000 {
		t.Errorf("expected default sample rate 16000, got %d", cfg.STT.SampleRateHz)
	}

	if cfg.Summary.WordThreshold != 200 {
		t.Errorf("expected default word threshold 200, got %d", cfg.Summary.WordThreshold)
	}
	if cfg.Summary.Interval != 30*time.Second {
		t.Errorf("expected default interval 30s, got %v", cfg.Summary.Interval)
	}
	if cfg.Summary.MinWordsForInterval != 50 {
		t.Errorf("expected default interval floor 50, got %d", cfg.Summary.MinWordsForInterval)
	}
	if cfg.Summary.FinalMinWords != 30 {
		t.Errorf("expected default final minimum 30, got %d", cfg.Summary.FinalMinWords)
	}

	if cfg.Limits.MaxChunkBytes != 10*1024*1024 {
		t.Errorf("expected default max chunk bytes 10MB, got %d", cfg.Limits.MaxChunkBytes)
	}
	if cfg.Limits.MaxSessionAge != 24*time.Hour {
		t.Errorf("expected default max session age 24h, got %v", cfg.Limits.MaxSessionAge)
	}
	if cfg.Storage.SQLitePath != "" {
		t.Errorf("expected persistence disabled by default, got %q", cfg.Storage.SQLitePath)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("expected default log level 'info', got %s", cfg.Observability.LogLevel)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv()
	t.Setenv("SERVICE_PRINCIPAL", "custom-principal")
	t.Setenv("GRPC_PORT", "9999")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("STT_PROVIDER", "google")
	t.Setenv("STT_SAMPLE_RATE_HZ", "8000")
	t.Setenv("SUMMARY_WORD_THRESHOLD", "120")
	t.Setenv("SUMMARY_TIME_INTERVAL", "1m")
	t.Setenv("SUMMARY_MODE", "edge")
	t.Setenv("MAX_PENDING_CHUNKS", "32")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Service.Principal != "custom-principal" {
		t.Errorf("expected principal 'custom-principal', got %s", cfg.Service.Principal)
	}
	if cfg.Service.GRPCPort != "9999" {
		t.Errorf("expected port '9999', got %s", cfg.Service.GRPCPort)
	}
	if cfg.STT.Provider != "google" {
		t.Errorf("expected STT provider 'google', got %s", cfg.STT.Provider)
	}
	if cfg.STT.SampleRateHz != 8000 {
		t.Errorf("expected sample rate 8000, got %d", cfg.STT.SampleRateHz)
	}
	if cfg.Limits.MaxPending != 32 {
		t.Errorf("expected max pending 32, got %d", cfg.Limits.MaxPending)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("expected two trimmed brokers, got %v", cfg.Kafka.Brokers)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.Observability.LogLevel)
	}

	th, err := cfg.Summary.Thresholds()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if th.WordThreshold != 120 || th.Interval != time.Minute || th.Mode != pipeline.ModeEdge {
		t.Errorf("unexpected thresholds %+v", th)
	}
}

func TestLoad_InvalidValues_FallbackToDefaults(t *testing.T) {
	clearEnv()
	t.Setenv("STT_SAMPLE_RATE_HZ", "not-a-number")
	t.Setenv("KAFKA_ENABLED", "invalid")
	t.Setenv("MAX_CHUNK_BYTES", "invalid")
	t.Setenv("STAGE_TIMEOUT", "invalid")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.STT.SampleRateHz != 16000 {
		t.Errorf("expected default sample rate on invalid input, got %d", cfg.STT.SampleRateHz)
	}
	if cfg.Kafka.Enabled {
		t.Error("expected kafka disabled on invalid input")
	}
	if cfg.Limits.MaxChunkBytes != 10*1024*1024 {
		t.Errorf("expected default max chunk bytes on invalid input, got %d", cfg.Limits.MaxChunkBytes)
	}
	if cfg.Limits.StageTimeout != 30*time.Second {
		t.Errorf("expected default stage timeout on invalid input, got %v", cfg.Limits.StageTimeout)
	}
}

func TestLoad_KafkaPrincipal_FallsBackToServicePrincipal(t *testing.T) {
	clearEnv()
	t.Setenv("SERVICE_PRINCIPAL", "my-service")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Kafka.Principal != "my-service" {
		t.Errorf("expected Kafka principal to fall back to service principal, got %s", cfg.Kafka.Principal)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadFile_YAMLThenEnv(t *testing.T) {
	clearEnv()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
service:
  httpPort: "8100"
summary:
  wordThreshold: 80
  interval: 45s
storage:
  sqlitePath: /tmp/sessions.db
`)
	t.Setenv("HTTP_PORT", "8200")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Service.HTTPPort != "8200" {
		t.Errorf("expected env to override file, got %s", cfg.Service.HTTPPort)
	}
	if cfg.Summary.WordThreshold != 80 {
		t.Errorf("expected word threshold 80 from file, got %d", cfg.Summary.WordThreshold)
	}
	if cfg.Summary.Interval != 45*time.Second {
		t.Errorf("expected interval 45s from file, got %v", cfg.Summary.Interval)
	}
	if cfg.Summary.MinWordsForInterval != 50 {
		t.Errorf("expected unset fields to keep defaults, got %d", cfg.Summary.MinWordsForInterval)
	}
	if cfg.Storage.SQLitePath != "/tmp/sessions.db" {
		t.Errorf("expected sqlite path from file, got %q", cfg.Storage.SQLitePath)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	clearEnv()
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "summary: [not, a, map")
	if _, err := LoadFile(path); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"unknown stt provider", func(c *Config) { c.STT.Provider = "whisper" }, "stt config"},
		{"unknown transcoder", func(c *Config) { c.Transcode.Mode = "sox" }, "transcode config"},
		{"gemini without keys", func(c *Config) { c.Summary.Provider = "gemini" }, "summary config"},
		{"bad summary mode", func(c *Config) { c.Summary.Mode = "sometimes" }, "summary config"},
		{"zero word threshold", func(c *Config) { c.Summary.WordThreshold = 0 }, "summary config"},
		{"zero pending", func(c *Config) { c.Limits.MaxPending = 0 }, "limits config"},
		{"zero queue", func(c *Config) { c.Events.QueueSize = 0 }, "events config"},
		{"kafka without brokers", func(c *Config) { c.Kafka.Enabled = true }, "kafka config"},
		{"no ingest workers", func(c *Config) { c.Service.IngestWorkers = 0 }, "service config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestEnvOrDefaultBool(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		def      bool
		expected bool
	}{
		{"true string", "true", false, true},
		{"false string", "false", true, false},
		{"1", "1", false, true},
		{"0", "0", true, false},
		{"TRUE uppercase", "TRUE", false, true},
		{"invalid", "invalid", true, true},
		{"empty", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_BOOL_VAR"
			if tt.envValue != "" {
				os.Setenv(key, tt.envValue)
			} else {
				os.Unsetenv(key)
			}
			defer os.Unsetenv(key)

			got := envOrDefaultBool(key, tt.def)
			if got != tt.expected {
				t.Errorf("envOrDefaultBool(%s, %v) = %v, want %v", tt.envValue, tt.def, got, tt.expected)
			}
		})
	}
}

func TestEnvOrDefaultList(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected []string
	}{
		{"unset", "", []string{"default"}},
		{"single", "a", []string{"a"}},
		{"trimmed", " a , b ", []string{"a", "b"}},
		{"only commas", ",,", []string{"default"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_LIST_VAR"
			t.Setenv(key, tt.envValue)

			got := envOrDefaultList(key, []string{"default"})
			if strings.Join(got, "|") != strings.Join(tt.expected, "|") {
				t.Errorf("envOrDefaultList(%q) = %v, want %v", tt.envValue, got, tt.expected)
			}
		})
	}
}

func TestWatcher_ReloadsThresholds(t *testing.T) {
	clearEnv()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "summary:\n  wordThreshold: 200\n")

	policy := pipeline.NewPolicy(pipeline.DefaultThresholds())
	w, err := NewWatcher(path, policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Close()
	w.delay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher a moment to enter its loop.
	time.Sleep(50 * time.Millisecond)
	writeFile(t, path, "summary:\n  wordThreshold: 75\n  mode: edge\n")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if policy.Thresholds().WordThreshold == 75 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := policy.Thresholds()
	if got.WordThreshold != 75 {
		t.Fatalf("expected reloaded word threshold 75, got %d", got.WordThreshold)
	}
	if got.Mode != pipeline.ModeEdge {
		t.Errorf("expected edge mode after reload, got %s", got.Mode)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("watcher did not stop after cancel")
	}
}

func TestWatcher_InvalidReloadKeepsThresholds(t *testing.T) {
	clearEnv()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "summary:\n  wordThreshold: -5\n")

	policy := pipeline.NewPolicy(pipeline.DefaultThresholds())
	w, err := NewWatcher(path, policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Close()

	if err := w.Reload(); err == nil {
		t.Error("expected reload error for negative threshold")
	}
	if policy.Thresholds().WordThreshold != 200 {
		t.Errorf("expected thresholds unchanged, got %d", policy.Thresholds().WordThreshold)
	}
}

func TestNewWatcher_RequiresPath(t *testing.T) {
	if _, err := NewWatcher("", pipeline.NewPolicy(pipeline.DefaultThresholds())); err == nil {
		t.Error("expected error for empty path")
	}
}
