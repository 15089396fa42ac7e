// Package config reads the process environment once at startup.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	EventLogTable string
	ParamPrefix   string

	MaxHistory      int
	HistoryWait     time.Duration
	MaxOutputTokens int
	SegmentDelay    time.Duration
	ClearKeyword    string
	SMSTag          string
	DeliveryReport  bool
	OpenAIBaseURL   string

	RedisAddr     string
	RedisPassword string
	LockTTL       time.Duration
	LockWait      time.Duration

	LogLevel slog.Level
}

// Load builds a Config from getenv. Every problem is reported, not just the
// first.
func Load(getenv func(string) string) (Config, error) {
	r := reader{getenv: getenv}
	cfg := Config{
		EventLogTable: r.required("EVENT_LOG_TABLE"),
		ParamPrefix:   r.required("PARAM_PREFIX"),

		MaxHistory:      r.positiveInt("MAX_HISTORY_ITEMS", 100),
		HistoryWait:     r.duration("HISTORY_WAIT", 15*time.Second, false),
		MaxOutputTokens: r.positiveInt("MAX_OUTPUT_TOKENS", 100),
		SegmentDelay:    r.duration("SEGMENT_DELAY", 500*time.Millisecond, true),
		ClearKeyword:    r.str("CLEAR_KEYWORD", "Clear"),
		SMSTag:          r.str("SMS_TAG", "persona-relay"),
		DeliveryReport:  r.boolean("SMS_DELIVERY_REPORT", true),
		OpenAIBaseURL:   r.str("OPENAI_BASE_URL", ""),

		RedisAddr:     r.str("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD"),
		LockTTL:       r.duration("LOCK_TTL", time.Minute, false),
		LockWait:      r.duration("LOCK_WAIT", 10*time.Second, true),

		LogLevel: r.level("LOG_LEVEL", slog.LevelInfo),
	}
	if len(r.errs) > 0 {
		return Config{}, errors.Join(r.errs...)
	}
	return cfg, nil
}

type reader struct {
	getenv func(string) string
	errs   []error
}

func (r *reader) lookup(key string) string {
	return strings.TrimSpace(r.getenv(key))
}

func (r *reader) fail(key, format string, args ...any) {
	r.errs = append(r.errs, fmt.Errorf("config: %s: "+format, append([]any{key}, args...)...))
}

func (r *reader) required(key string) string {
	v := r.lookup(key)
	if v == "" {
		r.fail(key, "required environment variable is not set")
	}
	return v
}

func (r *reader) str(key, def string) string {
	if v := r.lookup(key); v != "" {
		return v
	}
	return def
}

func (r *reader) positiveInt(key string, def int) int {
	v := r.lookup(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		r.fail(key, "want a positive integer, got %q", v)
		return def
	}
	return n
}

func (r *reader) duration(key string, def time.Duration, allowZero bool) time.Duration {
	v := r.lookup(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		r.fail(key, "invalid duration %q", v)
		return def
	}
	return d
}

func (r *reader) boolean(key string, def bool) bool {
	v := r.lookup(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, "want a boolean, got %q", v)
		return def
	}
	return b
}

func (r *reader) level(key string, def slog.Level) slog.Level {
	v := r.lookup(key)
	if v == "" {
		return def
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		r.fail(key, "unknown log level %q", v)
		return def
	}
	return l
}
