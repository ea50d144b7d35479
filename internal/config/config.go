// Package config loads process configuration from the environment
// (and an optional .env file) once at startup.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the fully resolved process configuration.
type Config struct {
	// Queue / scheduler
	MaxPerUserQueue      int
	MaxPerUserConcurrent int
	JobTimeoutSeconds    int

	// Upstream timeouts
	UpstreamHTTPConnectTimeout time.Duration
	UpstreamHTTPReadTimeout    time.Duration
	UpstreamWSConnectTimeout   time.Duration
	UpstreamWSIdleTimeout      time.Duration
	ComfyUIAddress             string

	// Progress log gating
	ProgressStepPercent  int
	ProgressMinInterval  time.Duration
	ProgressLogLevel     string

	// Logging
	LogLevel   string
	LogFormat  string
	LogToFile  bool
	LogFile    string

	// Upload caps
	MaxUploadBytes int64

	// Paths
	OutputDir     string
	ComfyInputDir string
	JobDBPath     string
	FeedDBPath    string
	WorkflowDir   string

	// Health
	HealthzDiskMinFreeMB int64

	// Beta gate
	BetaPassword string
	BetaCookie   string

	// Admin basic auth
	AdminUser     string
	AdminPassword string

	// Translation provider
	TranslateAPIKey  string
	TranslateBaseURL string

	// Server
	ListenAddr  string
	PublicURL   string
	CookieSecure bool
}

// Load reads .env (if present) then environment variables, applying
// the defaults enumerated in the external interfaces section.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		MaxPerUserQueue:      envInt("MAX_PER_USER_QUEUE", 5),
		MaxPerUserConcurrent: envInt("MAX_PER_USER_CONCURRENT", 1),
		JobTimeoutSeconds:    envInt("JOB_TIMEOUT_SECONDS", 180),

		UpstreamHTTPConnectTimeout: envSeconds("COMFY_HTTP_CONNECT_TIMEOUT", 3),
		UpstreamHTTPReadTimeout:    envSeconds("COMFY_HTTP_READ_TIMEOUT", 10),
		UpstreamWSConnectTimeout:   envSeconds("COMFY_WS_CONNECT_TIMEOUT", 5),
		UpstreamWSIdleTimeout:      envSeconds("COMFY_WS_IDLE_TIMEOUT", 120),
		ComfyUIAddress:             envStr("COMFYUI_ADDRESS", "127.0.0.1:8188"),

		ProgressStepPercent: envInt("PROGRESS_LOG_STEP_PERCENT", 10),
		ProgressMinInterval: time.Duration(envInt("PROGRESS_LOG_MIN_INTERVAL_MS", 500)) * time.Millisecond,
		ProgressLogLevel:    envStr("PROGRESS_LOG_LEVEL", "info"),

		LogLevel:  envStr("LOG_LEVEL", "info"),
		LogFormat: envStr("LOG_FORMAT", "json"),
		LogToFile: envBool("LOG_TO_FILE", false),
		LogFile:   envStr("LOG_FILE_PATH", "logs/app.log"),

		MaxUploadBytes: envInt64("MAX_UPLOAD_BYTES", 10*1024*1024),

		OutputDir:     envStr("OUTPUT_DIR", "./outputs"),
		ComfyInputDir: envStr("COMFY_INPUT_DIR", "./comfy_input"),
		JobDBPath:     envStr("JOB_DB_PATH", "./db/app_data.db"),
		FeedDBPath:    envStr("FEED_DB_PATH", "./db/app_data.db"),
		WorkflowDir:   envStr("WORKFLOW_DIR", "./workflows"),

		HealthzDiskMinFreeMB: envInt64("HEALTHZ_DISK_MIN_FREE_MB", 512),

		BetaPassword: envStr("BETA_PASSWORD", ""),
		BetaCookie:   envStr("BETA_COOKIE_NAME", "beta_auth"),

		AdminUser:     envStr("ADMIN_USER", ""),
		AdminPassword: envStr("ADMIN_PASSWORD", ""),

		TranslateAPIKey:  envStr("TRANSLATE_API_KEY", ""),
		TranslateBaseURL: envStr("TRANSLATE_BASE_URL", ""),

		ListenAddr:   envStr("LISTEN_ADDR", ":8000"),
		PublicURL:    envStr("PUBLIC_BASE_URL", "http://localhost:8000"),
		CookieSecure: envBool("COOKIE_SECURE", false),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); strings.TrimSpace(v) != "" {
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

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envSeconds(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Second
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
