package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every tunable the engine reads from the environment.
// Collaborator endpoints and safety thresholds are deliberately configurable;
// the 0.60/0.80 confidence cut-offs are policy defaults, not hard medical fact.
type Config struct {
	HTTPAddr string

	// Collaborators.
	DatabaseURL        string // Postgres: structured patient history + escalation notify
	RedisAddr          string // optional; empty selects the in-memory session store
	LLMBaseURL         string // OpenAI-compatible endpoint (OpenAI, Ollama, ...)
	LLMAPIKey          string
	ChatModel          string
	EmbedModel         string
	VectorIndexURL     string
	ImageClassifierURL string
	TranscriberURL     string

	// Reasoning.
	Temperature  float64
	MemoryWindow int // recent turns included in the prompt
	LLMRetries   int // additional attempts after the first
	RetryBackoff time.Duration
	LLMTimeout   time.Duration

	// Retrieval.
	RetrievalTopK    int
	ContextBudget    int // character budget for retrieved context
	ScoreFloor       float64
	RetrievalTimeout time.Duration

	// Tools.
	ToolTimeout time.Duration

	// Sessions.
	SessionTTL time.Duration
	MemoryCap  int // rolling memory entries per session

	// Safety thresholds.
	ConfidenceLow  float64
	ConfidenceHigh float64

	// Notify channel for escalated turns (Postgres NOTIFY).
	EscalationChannel string

	LogLevel string
	LogJSON  bool
}

// Load reads .env when present and builds a Config from the environment.
// Only DATABASE_URL is mandatory; everything else has a default.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		HTTPAddr:           ":" + getEnv("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		LLMBaseURL:         getEnv("LLM_BASE_URL", "http://localhost:11434/v1"),
		LLMAPIKey:          os.Getenv("LLM_API_KEY"),
		ChatModel:          getEnv("LLM_MODEL_CHAT", "medgemma-4b-it"),
		EmbedModel:         getEnv("LLM_MODEL_EMBED", "nomic-embed-text"),
		VectorIndexURL:     getEnv("VECTOR_INDEX_URL", "http://localhost:9300"),
		ImageClassifierURL: getEnv("IMAGE_CLASSIFIER_URL", "http://localhost:9100"),
		TranscriberURL:     getEnv("TRANSCRIBER_URL", "http://localhost:9200"),
		Temperature:        getFloat("LLM_TEMPERATURE", 0.3),
		MemoryWindow:       getInt("MEMORY_WINDOW", 5),
		LLMRetries:         getInt("LLM_RETRIES", 2),
		RetryBackoff:       getDuration("LLM_RETRY_BACKOFF", 500*time.Millisecond),
		LLMTimeout:         getDuration("LLM_TIMEOUT", 60*time.Second),
		RetrievalTopK:      getInt("RETRIEVAL_TOP_K", 3),
		ContextBudget:      getInt("CONTEXT_BUDGET_CHARS", 4000),
		ScoreFloor:         getFloat("RETRIEVAL_SCORE_FLOOR", 0.25),
		RetrievalTimeout:   getDuration("RETRIEVAL_TIMEOUT", 10*time.Second),
		ToolTimeout:        getDuration("TOOL_TIMEOUT", 30*time.Second),
		SessionTTL:         getDuration("SESSION_TTL", 30*time.Minute),
		MemoryCap:          getInt("SESSION_MEMORY_CAP", 50),
		ConfidenceLow:      getFloat("CONFIDENCE_LOW", 0.60),
		ConfidenceHigh:     getFloat("CONFIDENCE_HIGH", 0.80),
		EscalationChannel:  getEnv("ESCALATION_CHANNEL", "escalations"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogJSON:            getBool("LOG_JSON", true),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
