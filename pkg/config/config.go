// Package config loads pipeline configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds pipeline configuration.
type Config struct {
	// DataRoot is the artifact store root directory.
	DataRoot string

	// TokenCapPerDoc is the hard token cap per analysis.
	TokenCapPerDoc int
	// TokenCostPerUnit is the cost accrual factor per token.
	TokenCostPerUnit float64
	// TokenCappingEnabled is the master switch for ledger gating.
	TokenCappingEnabled bool

	// LLMEnabled enables the optional LLM enrichment path.
	LLMEnabled bool
	// WeakLexiconEnabled enables the weak-language downgrade pass.
	WeakLexiconEnabled bool
	// EvidenceWindowSentences expands the evaluation window by N
	// sentences on each side.
	EvidenceWindowSentences int

	// JobSync runs processing inline with submit (for tests).
	JobSync bool
	// JobWorkers bounds concurrent analyses.
	JobWorkers int

	// ExtractTimeout and DetectTimeout bound each stage's wall clock.
	ExtractTimeout time.Duration
	DetectTimeout  time.Duration
	// RetryBackoff is the linear backoff unit between stage retries.
	RetryBackoff time.Duration

	// MaxUploadBytes rejects oversize documents at intake.
	MaxUploadBytes int64

	LogLevel     string
	OTLPEndpoint string
	TracingOn    bool
}

// Load reads configuration from environment variables, applying defaults.
func Load() *Config {
	return &Config{
		DataRoot:                envString("DATA_ROOT", "./.data"),
		TokenCapPerDoc:          envInt("TOKEN_CAP_PER_DOC", 20000),
		TokenCostPerUnit:        envFloat("TOKEN_COST_PER_UNIT", 0.0001),
		TokenCappingEnabled:     envBool("TOKEN_CAPPING_ENABLED", true),
		LLMEnabled:              envBool("LLM_ENABLED", false),
		WeakLexiconEnabled:      envBool("WEAK_LEXICON_ENABLED", true),
		EvidenceWindowSentences: envInt("EVIDENCE_WINDOW_SENTENCES", 2),
		JobSync:                 envBool("JOB_SYNC", false),
		JobWorkers:              envInt("JOB_WORKERS", 4),
		ExtractTimeout:          envDuration("EXTRACT_TIMEOUT", 120*time.Second),
		DetectTimeout:           envDuration("DETECT_TIMEOUT", 120*time.Second),
		RetryBackoff:            envDuration("RETRY_BACKOFF", 60*time.Second),
		MaxUploadBytes:          int64(envInt("MAX_UPLOAD_BYTES", 50<<20)),
		LogLevel:                envString("LOG_LEVEL", "INFO"),
		OTLPEndpoint:            envString("OTLP_ENDPOINT", "localhost:4317"),
		TracingOn:               envBool("TRACING_ENABLED", false),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "TRUE", "True", "on", "yes":
		return true
	case "0", "false", "FALSE", "False", "off", "no":
		return false
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
