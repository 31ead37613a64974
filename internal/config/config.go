package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the Kiln runtime server.
type Config struct {
	Host    string
	Port    int
	Version string
	DataDir string
	// Store forces a backend (memory|postgres); empty infers postgres
	// when DATABASE_URL is set.
	Store       string
	LogLevel    string
	LogFormat   string // console | json
	CORSOrigins []string
	Database    DatabaseConfig
	Telemetry   TelemetryConfig
	Auth        AuthConfig
	Execution   ExecutionConfig
	Models      ModelConfig
	Webhook     WebhookConfig
	Retention   RetentionConfig
	SearchURL   string
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
	// SampleRatio is the head-sampling probability in [0,1]; child
	// spans always follow their parent's decision.
	SampleRatio float64
	Insecure    bool
}

type AuthConfig struct {
	// Comma-separated API keys; empty disables auth entirely.
	APIKeys      []string
	APIKeyHeader string
}

// ExecutionConfig bounds the run execution engine.
type ExecutionConfig struct {
	QueueSize       int
	Workers         int
	DefaultMaxTurns int
	ToolTimeout     time.Duration
	ResultLimit     int // bytes of a tool result fed back to the model
	ArgumentLimit   int // bytes of tool arguments recorded per call
}

type ModelConfig struct {
	OpenAIKey     string
	OpenAIBaseURL string
	AnthropicKey  string
	AnthropicURL  string
	OllamaHost    string
	Timeout       time.Duration
}

type WebhookConfig struct {
	URL    string
	Secret string
}

type RetentionConfig struct {
	RunTTL        time.Duration // 0 keeps runs forever
	SweepInterval time.Duration
	// ArchiveDir enables archive-before-prune when set; expired runs
	// land there as JSONL before deletion.
	ArchiveDir       string
	CompressArchives bool
}

// Load reads configuration from the environment (and an optional .env
// file) with sensible defaults.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Host:        envStr("KILN_HOST", ""),
		Port:        envInt("KILN_PORT", 8080),
		Version:     envStr("KILN_VERSION", "0.4.0"),
		DataDir:     envStr("KILN_DATA_DIR", ""),
		Store:       envStr("KILN_STORE", ""),
		LogLevel:    envStr("KILN_LOG_LEVEL", "info"),
		LogFormat:   envStr("KILN_LOG_FORMAT", "json"),
		CORSOrigins: envList("KILN_CORS_ORIGINS"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("KILN_TRACE_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "kiln-server"),
			SampleRatio:  envFloat("KILN_TRACE_SAMPLE", 1.0),
			Insecure:     envBool("KILN_OTLP_INSECURE", true),
		},
		Auth: AuthConfig{
			APIKeys:      envList("KILN_API_KEYS"),
			APIKeyHeader: envStr("KILN_API_KEY_HEADER", "X-API-Key"),
		},
		Execution: ExecutionConfig{
			QueueSize:       envInt("KILN_QUEUE_SIZE", 100),
			Workers:         envInt("KILN_WORKERS", 4),
			DefaultMaxTurns: envInt("KILN_MAX_TURNS", 10),
			ToolTimeout:     envDuration("KILN_TOOL_TIMEOUT", 30*time.Second),
			ResultLimit:     envInt("KILN_RESULT_LIMIT", 8*1024),
			ArgumentLimit:   envInt("KILN_ARGUMENT_LIMIT", 2*1024),
		},
		Models: ModelConfig{
			// KILN_-prefixed variables win; the conventional provider
			// names keep existing environments working.
			OpenAIKey:     envStr("KILN_OPENAI_API_KEY", envStr("OPENAI_API_KEY", "")),
			OpenAIBaseURL: envStr("KILN_OPENAI_BASE_URL", envStr("OPENAI_BASE_URL", "https://api.openai.com/v1")),
			AnthropicKey:  envStr("KILN_ANTHROPIC_API_KEY", envStr("ANTHROPIC_API_KEY", "")),
			AnthropicURL:  envStr("KILN_ANTHROPIC_BASE_URL", envStr("ANTHROPIC_BASE_URL", "https://api.anthropic.com")),
			OllamaHost:    envStr("KILN_OLLAMA_URL", envStr("OLLAMA_HOST", "http://localhost:11434")),
			Timeout:       envDuration("KILN_MODEL_TIMEOUT", 30*time.Second),
		},
		Webhook: WebhookConfig{
			URL:    envStr("KILN_WEBHOOK_URL", ""),
			Secret: envStr("KILN_WEBHOOK_SECRET", ""),
		},
		Retention: RetentionConfig{
			RunTTL:           envDuration("KILN_RETENTION", 0),
			SweepInterval:    envDuration("KILN_SWEEP_INTERVAL", time.Hour),
			ArchiveDir:       envStr("KILN_ARCHIVE_DIR", ""),
			CompressArchives: envBool("KILN_ARCHIVE_COMPRESS", false),
		},
		SearchURL: envStr("KILN_SEARCH_URL", ""),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envDuration accepts Go duration strings ("45s") and falls back to
// whole seconds for bare integers.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if i, err := strconv.Atoi(v); err == nil {
		return time.Duration(i) * time.Second
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
