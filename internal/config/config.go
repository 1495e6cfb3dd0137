package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	Backend  BackendConfig
	Session  SessionConfig
	LogLevel string
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	backend, err := loadBackendConfig()
	if err != nil {
		return nil, err
	}

	session, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:   server,
		Backend:  backend,
		Session:  session,
		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints after env and flag overrides are applied.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Backend.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid OLLAMA_URL value %q", c.Backend.URL)
	}
	c.Backend.URL = strings.TrimRight(c.Backend.URL, "/")

	if c.Backend.MaxRetries < 1 {
		return fmt.Errorf("invalid MAX_RETRIES value %d: must be at least 1", c.Backend.MaxRetries)
	}
	if c.Backend.RequestTimeout <= 0 {
		return fmt.Errorf("invalid REQUEST_TIMEOUT value %s", c.Backend.RequestTimeout)
	}
	if c.Session.Timeout <= 0 {
		return fmt.Errorf("invalid SESSION_TIMEOUT value %s", c.Session.Timeout)
	}
	// 至少保留一组 user/assistant 对话。
	if c.Session.HistoryLength < 2 {
		c.Session.HistoryLength = 2
	}
	if c.Backend.MaxConnections < 1 {
		c.Backend.MaxConnections = 1
	}
	return nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	addr, err := ListenAddr(getEnvOrDefault("PORT", "3000"))
	if err != nil {
		return ServerConfig{}, err
	}

	shutdown, err := parseDurationEnv("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}

	return ServerConfig{Addr: addr, ShutdownTimeout: shutdown}, nil
}

// ListenAddr normalizes a PORT value into a listen address.
func ListenAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":3000" 或 "127.0.0.1:3000"。
		return port, nil
	}

	if port == "" || strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid PORT value %q: %w", port, err)
	}

	return ":" + port, nil
}

// BackendConfig 描述推理后端 (Ollama) 以及重试策略。
type BackendConfig struct {
	URL            string
	Model          string
	KeepAlive      string
	MaxRetries     int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
	MaxConnections int
}

func loadBackendConfig() (BackendConfig, error) {
	retries, err := parseIntEnv("MAX_RETRIES", 5)
	if err != nil {
		return BackendConfig{}, err
	}

	delay, err := parseDurationEnv("RETRY_DELAY", 2*time.Second)
	if err != nil {
		return BackendConfig{}, err
	}

	timeout, err := parseDurationEnv("REQUEST_TIMEOUT", 30*time.Second)
	if err != nil {
		return BackendConfig{}, err
	}

	maxConns, err := parseIntEnv("MAX_CONNECTIONS", 50)
	if err != nil {
		return BackendConfig{}, err
	}

	return BackendConfig{
		URL:            getEnvOrDefault("OLLAMA_URL", "http://127.0.0.1:11434"),
		Model:          getEnvOrDefault("OLLAMA_MODEL", "dolphin-llama3:8b"),
		KeepAlive:      getEnvOrDefault("OLLAMA_KEEP_ALIVE", ""),
		MaxRetries:     retries,
		RetryDelay:     delay,
		RequestTimeout: timeout,
		MaxConnections: maxConns,
	}, nil
}

// SessionConfig 描述会话历史与系统提示词配置。
type SessionConfig struct {
	HistoryLength int
	Timeout       time.Duration
	Persona       string
	SystemPrompt  string
}

func loadSessionConfig() (SessionConfig, error) {
	history, err := parseIntEnv("HISTORY_LENGTH", 10)
	if err != nil {
		return SessionConfig{}, err
	}

	timeout, err := parseDurationEnv("SESSION_TIMEOUT", time.Hour)
	if err != nil {
		return SessionConfig{}, err
	}

	return SessionConfig{
		HistoryLength: history,
		Timeout:       timeout,
		Persona:       getEnvOrDefault("SYSTEM_PERSONA", "joi"),
		SystemPrompt:  strings.TrimSpace(os.Getenv("SYSTEM_PROMPT")),
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	return *val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

// parseDurationEnv 支持 Go duration ("2s") 或纯毫秒数 ("2000")。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}

	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}

	val, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return val, nil
}
