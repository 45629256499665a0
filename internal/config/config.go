// Package config loads service configuration from defaults, an optional
// YAML file and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"meeting-transcript-service/internal/service/pipeline"
)

// Config holds all service configuration.
type Config struct {
	Service       ServiceConfig       `yaml:"service"`
	STT           STTConfig           `yaml:"stt"`
	Transcode     TranscodeConfig     `yaml:"transcode"`
	Summary       SummaryConfig       `yaml:"summary"`
	Limits        LimitsConfig        `yaml:"limits"`
	Events        EventsConfig        `yaml:"events"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServiceConfig holds listener and identity settings.
type ServiceConfig struct {
	Principal         string        `yaml:"principal"`
	HTTPPort          string        `yaml:"httpPort"`
	GRPCPort          string        `yaml:"grpcPort"`
	MetricsPort       string        `yaml:"metricsPort"`
	IngestWorkers     int           `yaml:"ingestWorkers"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
	DevMode           bool          `yaml:"devMode"`
	AllowedExtensions []string      `yaml:"allowedExtensions"`
}

// STTConfig holds speech-to-text settings.
type STTConfig struct {
	Provider          string `yaml:"provider"` // mock | google
	LanguageCode      string `yaml:"languageCode"`
	SampleRateHz      int    `yaml:"sampleRateHz"`
	Model             string `yaml:"model"`
	EnablePunctuation bool   `yaml:"enablePunctuation"`
}

// TranscodeConfig holds transcoder settings.
type TranscodeConfig struct {
	Mode       string `yaml:"mode"` // ffmpeg | passthrough
	FFmpegPath string `yaml:"ffmpegPath"`
	TempDir    string `yaml:"tempDir"`
}

// SummaryConfig holds summarizer and trigger settings.
type SummaryConfig struct {
	Provider            string        `yaml:"provider"` // extractive | gemini
	SentenceCount       int           `yaml:"sentenceCount"`
	GeminiAPIKeys       []string      `yaml:"geminiApiKeys"`
	GeminiModel         string        `yaml:"geminiModel"`
	WordThreshold       int           `yaml:"wordThreshold"`
	Interval            time.Duration `yaml:"interval"`
	MinWordsForInterval int           `yaml:"minWordsForInterval"`
	Mode                string        `yaml:"mode"` // level | edge
	MinWords            int           `yaml:"minWords"`
	FinalMinWords       int           `yaml:"finalMinWords"`
}

// LimitsConfig holds resource limits.
type LimitsConfig struct {
	MaxChunkBytes int64         `yaml:"maxChunkBytes"`
	MaxPending    int           `yaml:"maxPending"`
	StageTimeout  time.Duration `yaml:"stageTimeout"`
	MaxSessionAge time.Duration `yaml:"maxSessionAge"`
	ReapInterval  time.Duration `yaml:"reapInterval"`
}

// EventsConfig holds broadcaster settings.
type EventsConfig struct {
	QueueSize       int           `yaml:"queueSize"`
	DeliveryTimeout time.Duration `yaml:"deliveryTimeout"`
}

// KafkaConfig holds Kafka sink settings.
type KafkaConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Brokers         []string `yaml:"brokers"`
	TopicTranscript string   `yaml:"topicTranscript"`
	TopicSummary    string   `yaml:"topicSummary"`
	TopicSession    string   `yaml:"topicSession"`
	Principal       string   `yaml:"principal"`
}

// StorageConfig holds persistence settings. An empty SQLitePath disables
// persistence.
type StorageConfig struct {
	SQLitePath string `yaml:"sqlitePath"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Principal:         "svc-meeting-transcript",
			HTTPPort:          "8000",
			GRPCPort:          "50051",
			MetricsPort:       "9090",
			IngestWorkers:     4,
			ShutdownTimeout:   15 * time.Second,
			AllowedExtensions: []string{".webm", ".ogg", ".wav", ".mp3", ".m4a"},
		},
		STT: STTConfig{
			Provider:          "mock",
			LanguageCode:      "en-US",
			SampleRateHz:      16000,
			Model:             "latest_long",
			EnablePunctuation: true,
		},
		Transcode: TranscodeConfig{
			Mode:       "ffmpeg",
			FFmpegPath: "ffmpeg",
		},
		Summary: SummaryConfig{
			Provider:            "extractive",
			SentenceCount:       3,
			GeminiModel:         "gemini-2.5-flash",
			WordThreshold:       200,
			Interval:            30 * time.Second,
			MinWordsForInterval: 50,
			Mode:                "level",
			MinWords:            30,
			FinalMinWords:       30,
		},
		Limits: LimitsConfig{
			MaxChunkBytes: 10 * 1024 * 1024,
			MaxPending:    256,
			StageTimeout:  30 * time.Second,
			MaxSessionAge: 24 * time.Hour,
			ReapInterval:  time.Hour,
		},
		Events: EventsConfig{
			QueueSize:       64,
			DeliveryTimeout: 5 * time.Second,
		},
		Kafka: KafkaConfig{
			TopicTranscript: "meeting.transcript.delta",
			TopicSummary:    "meeting.summary",
			TopicSession:    "meeting.session",
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Load builds the configuration from defaults, the YAML file named by
// CONFIG_FILE (if set) and environment overrides.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CONFIG_FILE"))
}

// LoadFile is Load with an explicit file path. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	s := &c.Service
	s.Principal = envOrDefault("SERVICE_PRINCIPAL", s.Principal)
	s.HTTPPort = envOrDefault("HTTP_PORT", s.HTTPPort)
	s.GRPCPort = envOrDefault("GRPC_PORT", s.GRPCPort)
	s.MetricsPort = envOrDefault("METRICS_PORT", s.MetricsPort)
	s.IngestWorkers = envOrDefaultInt("INGEST_WORKERS", s.IngestWorkers)
	s.ShutdownTimeout = envOrDefaultDuration("SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.DevMode = envOrDefault("ENV", "") == "dev" || s.DevMode
	s.AllowedExtensions = envOrDefaultList("ALLOWED_EXTENSIONS", s.AllowedExtensions)

	st := &c.STT
	st.Provider = envOrDefault("STT_PROVIDER", st.Provider)
	st.LanguageCode = envOrDefault("STT_LANGUAGE_CODE", st.LanguageCode)
	st.SampleRateHz = envOrDefaultInt("STT_SAMPLE_RATE_HZ", st.SampleRateHz)
	st.Model = envOrDefault("STT_MODEL", st.Model)
	st.EnablePunctuation = envOrDefaultBool("STT_ENABLE_PUNCTUATION", st.EnablePunctuation)

	tc := &c.Transcode
	tc.Mode = envOrDefault("TRANSCODER", tc.Mode)
	tc.FFmpegPath = envOrDefault("FFMPEG_PATH", tc.FFmpegPath)
	tc.TempDir = envOrDefault("TRANSCODE_TEMP_DIR", tc.TempDir)

	sm := &c.Summary
	sm.Provider = envOrDefault("SUMMARY_PROVIDER", sm.Provider)
	sm.SentenceCount = envOrDefaultInt("SUMMARY_SENTENCE_COUNT", sm.SentenceCount)
	sm.GeminiAPIKeys = envOrDefaultList("GEMINI_API_KEYS", sm.GeminiAPIKeys)
	sm.GeminiModel = envOrDefault("GEMINI_MODEL", sm.GeminiModel)
	sm.WordThreshold = envOrDefaultInt("SUMMARY_WORD_THRESHOLD", sm.WordThreshold)
	sm.Interval = envOrDefaultDuration("SUMMARY_TIME_INTERVAL", sm.Interval)
	sm.MinWordsForInterval = envOrDefaultInt("SUMMARY_MIN_WORDS_FOR_INTERVAL", sm.MinWordsForInterval)
	sm.Mode = envOrDefault("SUMMARY_MODE", sm.Mode)
	sm.MinWords = envOrDefaultInt("SUMMARY_MIN_WORDS", sm.MinWords)
	sm.FinalMinWords = envOrDefaultInt("FINAL_SUMMARY_MIN_WORDS", sm.FinalMinWords)

	l := &c.Limits
	l.MaxChunkBytes = int64(envOrDefaultInt("MAX_CHUNK_BYTES", int(l.MaxChunkBytes)))
	l.MaxPending = envOrDefaultInt("MAX_PENDING_CHUNKS", l.MaxPending)
	l.StageTimeout = envOrDefaultDuration("STAGE_TIMEOUT", l.StageTimeout)
	l.MaxSessionAge = envOrDefaultDuration("MAX_SESSION_AGE", l.MaxSessionAge)
	l.ReapInterval = envOrDefaultDuration("REAP_INTERVAL", l.ReapInterval)

	e := &c.Events
	e.QueueSize = envOrDefaultInt("EVENT_QUEUE_SIZE", e.QueueSize)
	e.DeliveryTimeout = envOrDefaultDuration("EVENT_DELIVERY_TIMEOUT", e.DeliveryTimeout)

	k := &c.Kafka
	k.Enabled = envOrDefaultBool("KAFKA_ENABLED", k.Enabled)
	k.Brokers = envOrDefaultList("KAFKA_BROKERS", k.Brokers)
	k.TopicTranscript = envOrDefault("KAFKA_TOPIC_TRANSCRIPT", k.TopicTranscript)
	k.TopicSummary = envOrDefault("KAFKA_TOPIC_SUMMARY", k.TopicSummary)
	k.TopicSession = envOrDefault("KAFKA_TOPIC_SESSION", k.TopicSession)
	k.Principal = envOrDefault("KAFKA_PRINCIPAL", k.Principal)
	if k.Principal == "" {
		k.Principal = s.Principal
	}

	c.Storage.SQLitePath = envOrDefault("SQLITE_PATH", c.Storage.SQLitePath)

	o := &c.Observability
	o.LogLevel = envOrDefault("LOG_LEVEL", o.LogLevel)
	o.LogFormat = envOrDefault("LOG_FORMAT", o.LogFormat)
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Service.Validate(); err != nil {
		return fmt.Errorf("service config: %w", err)
	}
	if err := c.STT.Validate(); err != nil {
		return fmt.Errorf("stt config: %w", err)
	}
	if err := c.Transcode.Validate(); err != nil {
		return fmt.Errorf("transcode config: %w", err)
	}
	if err := c.Summary.Validate(); err != nil {
		return fmt.Errorf("summary config: %w", err)
	}
	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("limits config: %w", err)
	}
	if err := c.Events.Validate(); err != nil {
		return fmt.Errorf("events config: %w", err)
	}
	if err := c.Kafka.Validate(); err != nil {
		return fmt.Errorf("kafka config: %w", err)
	}
	return nil
}

func (s ServiceConfig) Validate() error {
	if s.HTTPPort == "" {
		return errors.New("http port is required")
	}
	if s.GRPCPort == "" {
		return errors.New("grpc port is required")
	}
	if s.MetricsPort == "" {
		return errors.New("metrics port is required")
	}
	if s.IngestWorkers <= 0 {
		return errors.New("ingest workers must be positive")
	}
	return nil
}

func (s STTConfig) Validate() error {
	switch s.Provider {
	case "mock", "google":
	default:
		return fmt.Errorf("unknown provider %q", s.Provider)
	}
	if s.SampleRateHz <= 0 {
		return errors.New("sample rate must be positive")
	}
	return nil
}

func (t TranscodeConfig) Validate() error {
	switch t.Mode {
	case "ffmpeg", "passthrough":
	default:
		return fmt.Errorf("unknown mode %q", t.Mode)
	}
	return nil
}

func (s SummaryConfig) Validate() error {
	switch s.Provider {
	case "extractive":
	case "gemini":
		if len(s.GeminiAPIKeys) == 0 {
			return errors.New("gemini provider needs at least one api key")
		}
	default:
		return fmt.Errorf("unknown provider %q", s.Provider)
	}
	if s.SentenceCount <= 0 {
		return errors.New("sentence count must be positive")
	}
	if s.MinWords < 0 || s.FinalMinWords < 0 {
		return errors.New("minimum word counts must not be negative")
	}
	t, err := s.Thresholds()
	if err != nil {
		return err
	}
	return t.Validate()
}

// Thresholds converts the trigger settings for the summary policy.
func (s SummaryConfig) Thresholds() (pipeline.Thresholds, error) {
	mode, err := pipeline.ParseMode(s.Mode)
	if err != nil {
		return pipeline.Thresholds{}, err
	}
	return pipeline.Thresholds{
		WordThreshold:       s.WordThreshold,
		Interval:            s.Interval,
		MinWordsForInterval: s.MinWordsForInterval,
		Mode:                mode,
	}, nil
}

func (l LimitsConfig) Validate() error {
	if l.MaxChunkBytes <= 0 {
		return errors.New("max chunk bytes must be positive")
	}
	if l.MaxPending <= 0 {
		return errors.New("max pending must be positive")
	}
	if l.StageTimeout <= 0 {
		return errors.New("stage timeout must be positive")
	}
	if l.MaxSessionAge <= 0 || l.ReapInterval <= 0 {
		return errors.New("session age and reap interval must be positive")
	}
	return nil
}

func (e EventsConfig) Validate() error {
	if e.QueueSize <= 0 {
		return errors.New("queue size must be positive")
	}
	if e.DeliveryTimeout <= 0 {
		return errors.New("delivery timeout must be positive")
	}
	return nil
}

func (k KafkaConfig) Validate() error {
	if !k.Enabled {
		return nil
	}
	if len(k.Brokers) == 0 {
		return errors.New("brokers are required when enabled")
	}
	if k.TopicTranscript == "" || k.TopicSummary == "" || k.TopicSession == "" {
		return errors.New("all topics are required when enabled")
	}
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// envOrDefaultList splits a comma separated value, dropping empty items.
func envOrDefaultList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
