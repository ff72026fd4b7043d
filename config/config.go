package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Admin API server
	Port int
	Host string
	Env  string // "development" or "production"

	// Data directory
	DataDir string

	// Database
	DatabasePath string

	// Telegram transport
	BotToken     string
	AllowedUsers []int64

	// Claude CLI
	ClaudePath   string
	Model        string
	SystemPrompt string
	HomeOverride string // HOME for spawned children; predictable config path under service accounts

	// Sessions
	DefaultSessionName string
	SessionRoot        string
	SpoolDir           string
	MaxSessions        int

	// Queue
	Workers    int
	QueueDepth int

	// Requests
	AskTimeoutSec    int
	InlineReplyLimit int

	// Integrations
	NotionToken string

	// Debug settings
	DBLogQueries bool
}

var (
	cfg  *Config
	once sync.Once
)

// Get returns the global configuration (singleton)
func Get() *Config {
	once.Do(func() {
		cfg = load()
	})
	return cfg
}

// load reads configuration from environment variables (and .env if present)
func load() *Config {
	_ = godotenv.Load()

	dataDir := getEnv("TELEPILOT_DATA_DIR", "./data")
	appDir := filepath.Join(dataDir, "app", "telepilot")

	return &Config{
		// Admin API
		Port: getEnvInt("PORT", 8321),
		Host: getEnv("HOST", "127.0.0.1"),
		Env:  getEnv("ENV", "development"),

		// Data
		DataDir:      dataDir,
		DatabasePath: filepath.Join(appDir, "database.sqlite"),

		// Telegram
		BotToken:     getEnv("TELEGRAM_BOT_TOKEN", ""),
		AllowedUsers: getEnvInt64List("TELEGRAM_ALLOWED_USERS", nil),

		// Claude CLI
		ClaudePath:   getEnv("CLAUDE_CODE_PATH", "claude"),
		Model:        getEnv("CLAUDE_MODEL", ""),
		SystemPrompt: getEnv("CLAUDE_SYSTEM_PROMPT", ""),
		HomeOverride: getEnv("CLAUDE_HOME_DIR", ""),

		// Sessions
		DefaultSessionName: getEnv("TELEPILOT_DEFAULT_SESSION", "main"),
		SessionRoot:        filepath.Join(dataDir, "sessions"),
		SpoolDir:           filepath.Join(dataDir, "spool"),
		MaxSessions:        getEnvInt("TELEPILOT_MAX_SESSIONS", 32),

		// Queue
		Workers:    getEnvInt("TELEPILOT_WORKERS", 5),
		QueueDepth: getEnvInt("TELEPILOT_QUEUE_DEPTH", 1024),

		// Requests
		AskTimeoutSec:    getEnvInt("TELEPILOT_ASK_TIMEOUT", 600),
		InlineReplyLimit: getEnvInt("TELEPILOT_INLINE_REPLY_LIMIT", 3000),

		// Integrations
		NotionToken: getEnv("NOTION_TOKEN", ""),

		// Debug
		DBLogQueries: getEnv("DB_LOG_QUERIES", "") == "1",
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env != "production"
}

// IsUserAllowed reports whether the Telegram user id is on the allow-list.
// An empty allow-list admits nobody.
func (c *Config) IsUserAllowed(userID int64) bool {
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64List(key string, defaultValue []int64) []int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []int64
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			out = append(out, id)
		}
	}
	return out
}
