package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "AUTHMON_"

var ErrEnvParsing = errors.New("environment variable parsing failed")

type EnvError struct {
	Key string
	Err error
}

func (e *EnvError) Error() string {
	return fmt.Sprintf("environment variable %s: %v", e.Key, e.Err)
}

func (e *EnvError) Unwrap() error {
	return e.Err
}

// lookupEnv returns the parsed value of AUTHMON_<key>. ok is false when the
// variable is unset or does not parse.
func lookupEnv[T any](key string, parser func(string) (T, error)) (T, bool) {
	var zero T
	value, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return zero, false
	}
	parsed, err := parser(strings.TrimSpace(value))
	if err != nil {
		return zero, false
	}
	return parsed, true
}

// RequireEnv is lookupEnv for variables with no config-file fallback.
func RequireEnv[T any](key string, parser func(string) (T, error)) (T, error) {
	var zero T
	value, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return zero, &EnvError{Key: envPrefix + key, Err: os.ErrNotExist}
	}
	parsed, err := parser(strings.TrimSpace(value))
	if err != nil {
		return zero, &EnvError{Key: envPrefix + key, Err: ErrEnvParsing}
	}
	return parsed, nil
}

func parseString(s string) (string, error) {
	if s == "" {
		return "", errors.New("empty string not allowed")
	}
	return s, nil
}

func parseList(s string) ([]string, error) {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("empty list")
	}
	return out, nil
}

func applyEnv(cfg *Config) {
	if v, ok := lookupEnv("LOG_LEVEL", parseString); ok {
		cfg.LogLevel = v
	}
	if v, ok := lookupEnv("API_ADDR", parseString); ok {
		cfg.API.Addr = v
	}
	if v, ok := lookupEnv("INGEST_REST_ADDR", parseString); ok {
		cfg.Ingest.REST.Addr = v
	}
	if v, ok := lookupEnv("KAFKA_BROKERS", parseList); ok {
		cfg.Ingest.Kafka.Brokers = v
	}
	if v, ok := lookupEnv("STORAGE_DSN", parseString); ok {
		cfg.Storage.DSN = v
	}
	if v, ok := lookupEnv("SESSION_STORE_ADDR", parseString); ok {
		cfg.SessionStore.Addr = v
	}
	if v, ok := lookupEnv("BREAKER_COOLDOWN", time.ParseDuration); ok {
		cfg.Breaker.Cooldown = v
	}
	if v, ok := lookupEnv("BREAKER_FAILURE_THRESHOLD", func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	}); ok {
		cfg.Breaker.FailureThreshold = v
	}
	if v, ok := lookupEnv("COLLECT_INTERVAL", time.ParseDuration); ok {
		cfg.Scheduler.CollectInterval = v
	}
}
