// Package config loads and validates the review bot's configuration.
//
// Values come from an optional YAML file merged with environment
// variables (env wins for secrets and anything operationally fiddly).
// Config is constructed once in main; the orchestrator and webhook
// dispatcher take it by pointer, and main hands the other components
// the individual values they need. Nothing here is a package-level
// mutable.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is where Load looks for a YAML file if
// CONFIG_PATH is unset.
const DefaultConfigPath = "config.yaml"

// Config holds every knob spec.md §6 names.
type Config struct {
	Log struct {
		Level  string `yaml:"level"`  // DEBUG, INFO, WARN, ERROR
		Format string `yaml:"format"` // text, json
		Output string `yaml:"output"` // stdout, stderr, /path/to/file
		Rotation struct {
			MaxSize    int  `yaml:"max_size_mb"`
			MaxBackups int  `yaml:"max_backups"`
			MaxAge     int  `yaml:"max_age_days"`
			Compress   bool `yaml:"compress"`
		} `yaml:"rotation"`
	} `yaml:"log"`

	Server struct {
		Port         int           `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		MaxBodySize  int64         `yaml:"max_body_size"`
	} `yaml:"server"`

	Forge struct {
		APIURL string `yaml:"api_url"`
		Token  string `yaml:"-"` // GITLAB_TOKEN
	} `yaml:"forge"`

	LLM struct {
		APIURL      string  `yaml:"api_url"`
		APIKey      string  `yaml:"-"` // GLM_API_KEY
		Model       string  `yaml:"model"`
		Temperature float64 `yaml:"temperature"`
		MaxTokens   int     `yaml:"max_tokens"`
		Timeout     time.Duration `yaml:"timeout"`
	} `yaml:"llm"`

	CI struct {
		ProjectID int64 `yaml:"-"`
		MRIID     int64 `yaml:"-"`
	} `yaml:"-"`

	Scheduling struct {
		MaxConcurrentReviews  int           `yaml:"max_concurrent_reviews"`
		ConcurrentGLMRequests int           `yaml:"concurrent_glm_requests"`
		APIRequestDelay       time.Duration `yaml:"api_request_delay"`
		ReviewTimeout         time.Duration `yaml:"review_timeout"`
		ChunkTimeout          time.Duration `yaml:"chunk_timeout"`
		GitlabTimeout         time.Duration `yaml:"gitlab_timeout"`
		GLMTimeout            time.Duration `yaml:"glm_timeout"`
	} `yaml:"scheduling"`

	Chunker struct {
		MaxDiffSize       int      `yaml:"max_diff_size"`
		MaxFilesPerComment int     `yaml:"max_files_per_comment"`
		MaxChunks         int      `yaml:"max_chunks"`
		IgnorePatterns    []string `yaml:"ignore_file_patterns"`
		PrioritizePatterns []string `yaml:"prioritize_file_patterns"`
	} `yaml:"chunker"`

	Retry struct {
		MaxRetries     int           `yaml:"max_retries"`
		Delay          time.Duration `yaml:"retry_delay"`
		BackoffFactor  float64       `yaml:"retry_backoff_factor"`
		MaxDelay       time.Duration `yaml:"max_retry_delay"`
	} `yaml:"retry"`

	Webhook struct {
		Enabled         bool          `yaml:"enabled"`
		Secret          string        `yaml:"-"` // WEBHOOK_SECRET
		TriggerActions  []string      `yaml:"trigger_actions"`
		SkipDraft       bool          `yaml:"skip_draft"`
		SkipWIP         bool          `yaml:"skip_wip"`
		RequiredLabels  []string      `yaml:"required_labels"`
		ExcludedLabels  []string      `yaml:"excluded_labels"`
	} `yaml:"webhook"`

	Dedup struct {
		Enabled         bool          `yaml:"enabled"`
		CommitTTL       time.Duration `yaml:"commit_ttl"`
		BotUsername     string        `yaml:"bot_username"`
		CleanupPolicy   string        `yaml:"cleanup_policy"` // delete_all, delete_summary_only, keep_all, delete_outdated
	} `yaml:"dedup"`
}

// GetLogLevel maps the configured textual level to a slog.Level.
func (c *Config) GetLogLevel() slog.Level {
	switch strings.ToUpper(c.Log.Level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads config.yaml (or CONFIG_PATH) if present, then overlays
// environment variables — .env is loaded first via godotenv so local
// development doesn't need real exported env vars.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{}
	setDefaults(cfg)

	configPath := getEnv("CONFIG_PATH", DefaultConfigPath)
	data, err := os.ReadFile(configPath)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			slog.Error("unmarshal config failed", "error", err, "path", configPath)
			os.Exit(1)
		}
		slog.Info("config loaded", "path", configPath)
	} else if !os.IsNotExist(err) {
		slog.Error("read config failed", "error", err, "path", configPath)
		os.Exit(1)
	} else {
		slog.Info("config not found, using defaults", "path", configPath)
	}

	applyEnvOverrides(cfg)
	return cfg
}

func setDefaults(cfg *Config) {
	cfg.Log.Level = "INFO"
	cfg.Log.Format = "text"
	cfg.Log.Output = "stdout"
	cfg.Log.Rotation.MaxSize = 100
	cfg.Log.Rotation.MaxBackups = 3
	cfg.Log.Rotation.MaxAge = 28

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 10 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.MaxBodySize = 2 * 1024 * 1024

	cfg.Forge.APIURL = "https://gitlab.com/api/v4"

	cfg.LLM.APIURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o"
	cfg.LLM.Temperature = 0.2
	cfg.LLM.MaxTokens = 2048
	cfg.LLM.Timeout = 60 * time.Second

	cfg.Scheduling.MaxConcurrentReviews = 5
	cfg.Scheduling.ConcurrentGLMRequests = 3
	cfg.Scheduling.APIRequestDelay = 500 * time.Millisecond
	cfg.Scheduling.ReviewTimeout = 10 * time.Minute
	cfg.Scheduling.ChunkTimeout = 2 * time.Minute
	cfg.Scheduling.GitlabTimeout = 30 * time.Second
	cfg.Scheduling.GLMTimeout = 60 * time.Second

	cfg.Chunker.MaxDiffSize = 40000
	cfg.Chunker.MaxFilesPerComment = 10
	cfg.Chunker.MaxChunks = -1 // -1 == unlimited; 0 truncates to no chunks
	cfg.Chunker.IgnorePatterns = []string{"*.lock", "*.min.js", "*.min.css", "*.png", "*.jpg", "*.jpeg", "*.gif", "*.woff", "*.woff2"}
	cfg.Chunker.PrioritizePatterns = []string{"*.go", "*.py", "*.js", "*.ts", "*.java", "*.rb"}

	cfg.Retry.MaxRetries = 3
	cfg.Retry.Delay = 1 * time.Second
	cfg.Retry.BackoffFactor = 2.0
	cfg.Retry.MaxDelay = 30 * time.Second

	cfg.Webhook.Enabled = true
	cfg.Webhook.TriggerActions = []string{"open", "update", "reopen"}
	cfg.Webhook.SkipDraft = true
	cfg.Webhook.SkipWIP = true

	cfg.Dedup.Enabled = true
	cfg.Dedup.CommitTTL = 24 * time.Hour
	cfg.Dedup.CleanupPolicy = "delete_summary_only"
}

func applyEnvOverrides(cfg *Config) {
	cfg.Forge.Token = getEnv("GITLAB_TOKEN", cfg.Forge.Token)
	cfg.Forge.APIURL = getEnv("GITLAB_API_URL", cfg.Forge.APIURL)

	cfg.LLM.APIKey = getEnv("GLM_API_KEY", cfg.LLM.APIKey)
	cfg.LLM.APIURL = getEnv("GLM_API_URL", cfg.LLM.APIURL)
	cfg.LLM.Model = getEnv("GLM_MODEL", cfg.LLM.Model)
	if v := getEnvFloat("GLM_TEMPERATURE", -1); v >= 0 {
		cfg.LLM.Temperature = v
	}
	if v := getEnvInt("GLM_MAX_TOKENS", 0); v > 0 {
		cfg.LLM.MaxTokens = v
	}

	cfg.CI.ProjectID = getEnvInt64("CI_PROJECT_ID", cfg.CI.ProjectID)
	cfg.CI.MRIID = getEnvInt64("CI_MERGE_REQUEST_IID", cfg.CI.MRIID)

	if v := getEnvInt("MAX_CONCURRENT_REVIEWS", 0); v > 0 {
		cfg.Scheduling.MaxConcurrentReviews = v
	}
	if v := getEnvInt("CONCURRENT_GLM_REQUESTS", 0); v > 0 {
		cfg.Scheduling.ConcurrentGLMRequests = v
	}
	if v := getEnvDuration("API_REQUEST_DELAY", 0); v > 0 {
		cfg.Scheduling.APIRequestDelay = v
	}
	if v := getEnvDuration("REVIEW_TIMEOUT_SECONDS", 0); v > 0 {
		cfg.Scheduling.ReviewTimeout = v
	}
	if v := getEnvDuration("CHUNK_TIMEOUT", 0); v > 0 {
		cfg.Scheduling.ChunkTimeout = v
	}
	if v := getEnvDuration("GITLAB_TIMEOUT", 0); v > 0 {
		cfg.Scheduling.GitlabTimeout = v
	}
	if v := getEnvDuration("GLM_TIMEOUT", 0); v > 0 {
		cfg.Scheduling.GLMTimeout = v
	}

	if v := getEnvInt("MAX_DIFF_SIZE", 0); v > 0 {
		cfg.Chunker.MaxDiffSize = v
	}
	if v := getEnvInt("MAX_FILES_PER_COMMENT", 0); v > 0 {
		cfg.Chunker.MaxFilesPerComment = v
	}
	if v := getEnvInt("MAX_CHUNKS", -1); v >= 0 {
		cfg.Chunker.MaxChunks = v
	}
	if v := getEnvList("IGNORE_FILE_PATTERNS"); v != nil {
		cfg.Chunker.IgnorePatterns = v
	}
	if v := getEnvList("PRIORITIZE_FILE_PATTERNS"); v != nil {
		cfg.Chunker.PrioritizePatterns = v
	}

	if v := getEnvInt("MAX_RETRIES", 0); v > 0 {
		cfg.Retry.MaxRetries = v
	}
	if v := getEnvDuration("RETRY_DELAY", 0); v > 0 {
		cfg.Retry.Delay = v
	}
	if v := getEnvFloat("RETRY_BACKOFF_FACTOR", 0); v > 0 {
		cfg.Retry.BackoffFactor = v
	}

	if v, ok := getEnvBool("WEBHOOK_ENABLED"); ok {
		cfg.Webhook.Enabled = v
	}
	cfg.Webhook.Secret = getEnv("WEBHOOK_SECRET", cfg.Webhook.Secret)
	if v := getEnvList("WEBHOOK_TRIGGER_ACTIONS"); v != nil {
		cfg.Webhook.TriggerActions = v
	}
	if v, ok := getEnvBool("WEBHOOK_SKIP_DRAFT"); ok {
		cfg.Webhook.SkipDraft = v
	}
	if v, ok := getEnvBool("WEBHOOK_SKIP_WIP"); ok {
		cfg.Webhook.SkipWIP = v
	}
	if v := getEnvList("WEBHOOK_REQUIRED_LABELS"); v != nil {
		cfg.Webhook.RequiredLabels = v
	}
	if v := getEnvList("WEBHOOK_EXCLUDED_LABELS"); v != nil {
		cfg.Webhook.ExcludedLabels = v
	}

	if v, ok := getEnvBool("DEDUPLICATION_ENABLED"); ok {
		cfg.Dedup.Enabled = v
	}
	if v := getEnvDuration("COMMIT_TTL_SECONDS", 0); v > 0 {
		cfg.Dedup.CommitTTL = v
	}
	cfg.Dedup.BotUsername = getEnv("BOT_USERNAME", cfg.Dedup.BotUsername)

	if v := getEnvInt("PORT", 0); v > 0 {
		cfg.Server.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("LOG_OUTPUT"); v != "" {
		cfg.Log.Output = v
	}
}

// Validate returns a single error describing every invalid/missing
// field, or nil.
func (c *Config) Validate() error {
	var errs []string

	if c.Forge.Token == "" {
		errs = append(errs, "GITLAB_TOKEN is required")
	}
	if c.LLM.APIKey == "" {
		errs = append(errs, "GLM_API_KEY is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("invalid server port: %d", c.Server.Port))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		errs = append(errs, fmt.Sprintf("GLM_TEMPERATURE must be in [0,1]: %v", c.LLM.Temperature))
	}
	if c.Webhook.Enabled && c.Webhook.Secret == "" {
		errs = append(errs, "WEBHOOK_SECRET is required when webhooks are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config invalid: %s", strings.Join(errs, "; "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	// Bare-integer env vars (e.g. REVIEW_TIMEOUT_SECONDS=600) are seconds.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}

func getEnvBool(key string) (bool, bool) {
	v := getEnv(key, "")
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func getEnvList(key string) []string {
	v := getEnv(key, "")
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
