package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// llama-server (or the reference backend proxying it)
	LlamaBaseURL string `yaml:"llama_base_url"`
	LlamaModel   string `yaml:"llama_model"`
	// "chat" -> /v1/chat/completions, "completion" -> /v1/completions
	LlamaAPIMode string `yaml:"llama_api_mode"`
	Stream       bool   `yaml:"stream"`

	// backend serving /api/chat/completion/* and /api/tools/execute
	BackendBaseURL string `yaml:"backend_base_url"`

	// orchestration
	MaxToolRounds int `yaml:"max_tool_rounds"`
	ContextBudget int `yaml:"context_budget"`
	UIBudget      int `yaml:"ui_budget"`

	// persistence
	SaveDebounce time.Duration `yaml:"save_debounce"`
	BackupDriver string        `yaml:"backup_driver"`
	BackupDir    string        `yaml:"backup_dir"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// timeouts / retries
	RequestHeaderTimeout time.Duration `yaml:"request_header_timeout"`
	RequestRetries       int           `yaml:"request_retries"`
	ToolTimeout          time.Duration `yaml:"tool_timeout"`

	// reference backend
	DBDSN      string `yaml:"db_dsn"`
	HTTPAddr   string `yaml:"http_addr"`
	SearxngURL string `yaml:"searxng_url"`

	// rabbitMQ
	RabbitURL         string `yaml:"rabbit_url"`
	RabbitEventsQueue string `yaml:"rabbit_events_queue"`

	LogLevel string `yaml:"log_level"`
}

// Load reads .env (if present), then the environment, then the YAML file
// named by CONFIG_FILE. YAML keys that are set win over the environment.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		LlamaBaseURL:   envOr("LLAMA_BASE_URL", "http://127.0.0.1:8080"),
		LlamaModel:     os.Getenv("LLAMA_MODEL"),
		LlamaAPIMode:   strings.ToLower(envOr("LLAMA_API_MODE", "chat")),
		Stream:         envBool("LLAMA_STREAM", true),
		BackendBaseURL: envOr("BACKEND_BASE_URL", "http://127.0.0.1:8081"),

		MaxToolRounds: envInt("CHAT_MAX_TOOL_ROUNDS", 3),
		ContextBudget: envInt("CHAT_CONTEXT_BUDGET", 20000),
		UIBudget:      envInt("CHAT_UI_BUDGET", 20000),

		SaveDebounce: time.Duration(envInt("SAVE_DEBOUNCE_MS", 450)) * time.Millisecond,
		BackupDriver: strings.ToLower(envOr("BACKUP_DRIVER", "pebble")),
		BackupDir:    envOr("BACKUP_DIR", defaultBackupDir()),

		RedisAddr:     envOr("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		RequestHeaderTimeout: envDuration("REQUEST_HEADER_TIMEOUT", 60*time.Second),
		RequestRetries:       envInt("REQUEST_RETRIES", 2),
		ToolTimeout:          envDuration("TOOL_TIMEOUT", 120*time.Second),

		DBDSN:      envOr("DB_DSN", "file:llamachat.db?_pragma=busy_timeout(5000)"),
		HTTPAddr:   envOr("HTTP_ADDR", ":8081"),
		SearxngURL: os.Getenv("SEARXNG_URL"),

		RabbitURL:         os.Getenv("RABBIT_URL"),
		RabbitEventsQueue: envOr("RABBIT_EVENTS_QUEUE", "chat_events"),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
		}
	}
	cfg.normalize()
	return cfg
}

func (c *Config) overlayFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) normalize() {
	if c.LlamaAPIMode != "completion" {
		c.LlamaAPIMode = "chat"
	}
	if c.MaxToolRounds < 0 {
		c.MaxToolRounds = 3
	}
	if c.ContextBudget <= 0 {
		c.ContextBudget = 20000
	}
	if c.UIBudget <= 0 {
		c.UIBudget = 20000
	}
	if c.SaveDebounce <= 0 {
		c.SaveDebounce = 450 * time.Millisecond
	}
	if c.RequestRetries < 0 {
		c.RequestRetries = 0
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}

func defaultBackupDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + string(os.PathSeparator) + "llamachat" + string(os.PathSeparator) + "backup"
	}
	return ".llamachat-backup"
}
