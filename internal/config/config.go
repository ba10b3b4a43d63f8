package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates every setting the service reads from the environment.
type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Capability CapabilityConfig
	Session    SessionConfig
	Dispatch   DispatchConfig
	Recipients []string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	session, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	dispatch, err := loadDispatchConfig()
	if err != nil {
		return nil, err
	}

	recipients, err := loadRecipients()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:     server,
		Log:        logCfg,
		Capability: CapabilityConfig{DBPath: getEnvOrDefault("WHATSAPP_DB_PATH", "whatsapp.db")},
		Session:    session,
		Dispatch:   dispatch,
		Recipients: recipients,
	}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Allow passing ":8080" or "127.0.0.1:8080" directly.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// LogConfig describes logger output.
type LogConfig struct {
	Level   string
	Console bool
}

func loadLogConfig() (LogConfig, error) {
	console, err := parseBoolEnv("LOG_CONSOLE", true)
	if err != nil {
		return LogConfig{}, err
	}
	return LogConfig{
		Level:   getEnvOrDefault("LOG_LEVEL", "info"),
		Console: console,
	}, nil
}

// CapabilityConfig describes the messaging provider credential store.
type CapabilityConfig struct {
	DBPath string
}

// SessionConfig describes session lifecycle tuning.
type SessionConfig struct {
	RecoveryDelay time.Duration
}

func loadSessionConfig() (SessionConfig, error) {
	delay, err := parseDurationEnv("SESSION_RECOVERY_DELAY", 2*time.Second)
	if err != nil {
		return SessionConfig{}, err
	}
	return SessionConfig{RecoveryDelay: delay}, nil
}

// DispatchConfig describes bulk-send pacing.
type DispatchConfig struct {
	BatchSize  int
	BatchDelay time.Duration
	RatePerSec float64
}

func loadDispatchConfig() (DispatchConfig, error) {
	size := 100
	if override, err := parseOptionalIntEnv("BULK_BATCH_SIZE"); err != nil {
		return DispatchConfig{}, err
	} else if override != nil {
		if *override < 1 {
			return DispatchConfig{}, fmt.Errorf("BULK_BATCH_SIZE must be at least 1, got %d", *override)
		}
		size = *override
	}

	delay, err := parseDurationEnv("BULK_BATCH_DELAY", 5*time.Minute)
	if err != nil {
		return DispatchConfig{}, err
	}

	ratePerSec := 0.0
	if raw := strings.TrimSpace(os.Getenv("BULK_RATE_PER_SEC")); raw != "" {
		val, err := strconv.ParseFloat(raw, 64)
		if err != nil || val < 0 {
			return DispatchConfig{}, fmt.Errorf("invalid BULK_RATE_PER_SEC value: %q", raw)
		}
		ratePerSec = val
	}

	return DispatchConfig{BatchSize: size, BatchDelay: delay, RatePerSec: ratePerSec}, nil
}

// loadRecipients merges the RECIPIENTS csv list with the optional
// newline-separated RECIPIENTS_FILE, preserving order.
func loadRecipients() ([]string, error) {
	var out []string

	for _, entry := range strings.Split(os.Getenv("RECIPIENTS"), ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}

	path := strings.TrimSpace(os.Getenv("RECIPIENTS_FILE"))
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read RECIPIENTS_FILE: %w", err)
		}
		for _, line := range strings.Split(string(raw), "\n") {
			if line = strings.TrimSpace(line); line != "" && !strings.HasPrefix(line, "#") {
				out = append(out, line)
			}
		}
	}

	return out, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
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

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	// Accept both bare seconds ("300") and Go duration syntax ("5m").
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
		}
		return time.Duration(secs) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil || val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: %v", key, raw, err)
	}
	return val, nil
}
