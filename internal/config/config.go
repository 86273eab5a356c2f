package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all environment-driven settings for the pipeline.
type Config struct {
	ProjectID   string
	AudioBucket string
	DataBucket  string

	// Pub/Sub topics connecting the stages.
	TranscribedTopic string
	MatchedTopic     string
	CreatedTopic     string

	// Secret Manager ids; all external credentials and URLs are indirected.
	CallCenterURLSecret string
	CallCenterKeySecret string
	CRMAuthURLSecret    string
	CRMUsernameSecret   string
	CRMPasswordSecret   string
	CRMLookupURLSecret  string
	CRMOrderURLSecret   string
	OpenAIKeySecret     string

	RulesPath string
	Pipeline  PipelineConfig

	// Local runner settings.
	CallsDir      string
	WorkDir       string
	DBPath        string
	HTTPPort      string
	WorkerCount   int
	QueueSize     int
	EnableWatcher bool
}

// PipelineConfig selects extractor precedence and call budgets. It is threaded
// by value through every component so precedence behavior is testable without
// mutating process environment.
type PipelineConfig struct {
	UseLLM        bool
	LLMPrimary    bool
	UseLLMCleanup bool
	LLMModel      string
	LLMMaxRetries int
	LLMTimeout    time.Duration
	SpeechTimeout time.Duration
	CRMTimeout    time.Duration
}

// Load reads configuration from environment and optional .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		ProjectID:   getenv("PROJECT_ID", "ct-toru"),
		AudioBucket: getenv("AUDIO_BUCKET", "ct-toru-audio-input"),
		DataBucket:  getenv("STORAGE_BUCKET", "ct-toru-transcriptions"),

		TranscribedTopic: getenv("TRANSCRIBED_TOPIC", "ct-toru-order-confirmed"),
		MatchedTopic:     getenv("MATCHED_TOPIC", "ct-toru-customer-matched"),
		CreatedTopic:     getenv("CREATED_TOPIC", "ct-toru-order-created"),

		CallCenterURLSecret: getenv("CALL_CENTER_API_URL_SECRET", "ct-toru-call-center-api-url"),
		CallCenterKeySecret: getenv("CALL_CENTER_API_KEY_SECRET", "ct-toru-call-center-api-key"),
		CRMAuthURLSecret:    getenv("CRM_AUTH_URL_SECRET", "ct-toru-crm-auth-url"),
		CRMUsernameSecret:   getenv("CRM_USERNAME_SECRET", "ct-toru-crm-username"),
		CRMPasswordSecret:   getenv("CRM_PASSWORD_SECRET", "ct-toru-crm-password"),
		CRMLookupURLSecret:  getenv("CRM_API_URL_SECRET", "ct-toru-crm-api-url"),
		CRMOrderURLSecret:   getenv("CRM_ORDER_URL_SECRET", "ct-toru-crm-create-order-url"),
		OpenAIKeySecret:     getenv("OPENAI_API_KEY_SECRET_ID", "ct-toru-openai-api-key"),

		RulesPath: getenv("RULES_PATH", "./configs/rules.yaml"),
		Pipeline: PipelineConfig{
			UseLLM:        getenvBool("USE_LLM", false),
			LLMPrimary:    getenvBool("LLM_PRIMARY", false),
			UseLLMCleanup: getenvBool("USE_LLM_CLEANUP", false),
			LLMModel:      getenv("LLM_MODEL", "gpt-4o"),
			LLMMaxRetries: clampInt(getenvInt("LLM_MAX_RETRIES", 3), 1, 5),
			LLMTimeout:    getenvDuration("LLM_TIMEOUT", 30*time.Second),
			SpeechTimeout: getenvDuration("SPEECH_TIMEOUT", 90*time.Second),
			CRMTimeout:    getenvDuration("CRM_TIMEOUT", 30*time.Second),
		},

		CallsDir:      getenv("CALLS_DIR", "./calls"),
		WorkDir:       getenv("WORK_DIR", "./work"),
		DBPath:        getenv("DB_PATH", "./ct-toru.db"),
		HTTPPort:      getenv("PORT", "8080"),
		WorkerCount:   clampInt(getenvInt("WORKER_COUNT", 4), 1, 64),
		QueueSize:     clampInt(getenvInt("QUEUE_SIZE", 128), 8, 1024),
		EnableWatcher: getenvBool("ENABLE_WATCHER", true),
	}
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Now returns a UTC time truncated to seconds for deterministic timestamps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
