package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	EventQueryMaxLimit int

	ListenerPollSec          int
	ListenerMaxNotifications int
	ListenerCrashThreshold   int

	ArchiveScanSec       int
	ArchiveRetentionDays int
	ArchiveBatchSize     int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int

	KafkaBrokers    []string
	KafkaClientID   string
	KafkaEventTopic string
	KafkaRetryMax   int
	KafkaWriteMS    int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int

	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

// Load reads configuration from the environment, layered over an optional
// JSON config file pointed at by CONFIG_PATH. Environment variables win.
// Invalid values are reported as Problems and replaced with defaults so the
// caller can decide whether they are fatal or merely surfaced on /readyz.
func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	cfg := Config{
		Env:                      strings.TrimSpace(os.Getenv("ENV")),
		ServiceName:              serviceNameDefault,
		HTTPPort:                 httpPortDefault,
		LogLevel:                 "info",
		ConfigPath:               strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:         30000,
		DBMaxConns:               10,
		DBMinConns:               1,
		DBConnMaxIdleSec:         300,
		DBConnMaxLifeSec:         1800,
		EventQueryMaxLimit:       1000,
		ListenerPollSec:          5,
		ListenerMaxNotifications: 1000,
		ListenerCrashThreshold:   10,
		ArchiveScanSec:           300,
		ArchiveRetentionDays:     30,
		ArchiveBatchSize:         500,
		AsynqQueue:               "default",
		AsynqConcurrency:         10,
		KafkaEventTopic:          "activity.events",
		KafkaRetryMax:            5,
		KafkaWriteMS:             5000,
		InfluxTimeoutMS:          5000,
		JWKSTTLSeconds:           300,
		JWTClockSkewSec:          60,
		RateLimitRPS:             20,
		RateLimitBurst:           40,
		OtelInsecure:             true,
		OtelSampleRatio:          1.0,
	}

	problems := make([]Problem, 0, 4)
	src := newSource(cfg.ConfigPath, &problems)

	src.str("ENV", &cfg.Env)
	src.str("SERVICE_NAME", &cfg.ServiceName)
	src.port("HTTP_PORT", &cfg.HTTPPort)
	src.str("LOG_LEVEL", &cfg.LogLevel)
	src.intPos("REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS)

	src.str("DATABASE_URL", &cfg.DatabaseURL)
	src.intPos("DB_MAX_CONNS", &cfg.DBMaxConns)
	src.intMin("DB_MIN_CONNS", &cfg.DBMinConns, 0)
	src.intPos("DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec)
	src.intPos("DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec)

	src.intPos("EVENT_QUERY_MAX_LIMIT", &cfg.EventQueryMaxLimit)

	src.intPos("LISTENER_POLL_INTERVAL_SECONDS", &cfg.ListenerPollSec)
	src.intPos("LISTENER_MAX_NOTIFICATIONS", &cfg.ListenerMaxNotifications)
	src.intPos("LISTENER_CRASH_THRESHOLD", &cfg.ListenerCrashThreshold)

	src.intPos("ARCHIVE_SCAN_INTERVAL_SECONDS", &cfg.ArchiveScanSec)
	src.intPos("ARCHIVE_RETENTION_DAYS", &cfg.ArchiveRetentionDays)
	src.intPos("ARCHIVE_BATCH_SIZE", &cfg.ArchiveBatchSize)

	src.str("REDIS_ADDR", &cfg.RedisAddr)
	src.secret("REDIS_PASSWORD", &cfg.RedisPassword)
	src.intMin("REDIS_DB", &cfg.RedisDB, 0)

	src.str("ASYNQ_REDIS_ADDR", &cfg.AsynqRedisAddr)
	src.secret("ASYNQ_REDIS_PASSWORD", &cfg.AsynqRedisPass)
	src.intMin("ASYNQ_REDIS_DB", &cfg.AsynqRedisDB, 0)
	src.str("ASYNQ_QUEUE", &cfg.AsynqQueue)
	src.intPos("ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency)

	src.csv("KAFKA_BROKERS", &cfg.KafkaBrokers)
	src.str("KAFKA_CLIENT_ID", &cfg.KafkaClientID)
	src.str("KAFKA_EVENT_TOPIC", &cfg.KafkaEventTopic)
	src.intMin("KAFKA_RETRY_MAX", &cfg.KafkaRetryMax, 0)
	src.intPos("KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS)

	src.str("INFLUX_URL", &cfg.InfluxURL)
	src.secret("INFLUX_TOKEN", &cfg.InfluxToken)
	src.str("INFLUX_ORG", &cfg.InfluxOrg)
	src.str("INFLUX_BUCKET", &cfg.InfluxBucket)
	src.intPos("INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS)

	src.str("OIDC_ISSUER", &cfg.OIDCIssuer)
	src.str("OIDC_AUDIENCE", &cfg.OIDCAudience)
	src.str("OIDC_JWKS_URL", &cfg.OIDCJWKSURL)
	src.intPos("JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds)
	src.intMin("JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec, 0)

	src.csv("CORS_ALLOWED_ORIGINS", &cfg.CORSAllowedOrigins)
	src.float("RATE_LIMIT_RPS", &cfg.RateLimitRPS)
	src.intPos("RATE_LIMIT_BURST", &cfg.RateLimitBurst)

	src.boolean("OTEL_ENABLED", &cfg.OtelEnabled)
	src.str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OtelEndpoint)
	src.boolean("OTEL_EXPORTER_OTLP_INSECURE", &cfg.OtelInsecure)
	src.float("OTEL_SAMPLE_RATIO", &cfg.OtelSampleRatio)

	if cfg.Env == "" {
		cfg.Env = "dev"
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		problems = append(problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond

	return cfg, problems
}

// source resolves a key from the environment first, then from the config
// file map. Values read from the file may be JSON strings, numbers, or
// booleans; everything is normalized to a string before parsing.
type source struct {
	file     map[string]any
	problems *[]Problem
}

func newSource(path string, problems *[]Problem) *source {
	s := &source{problems: problems}
	if strings.TrimSpace(path) == "" {
		return s
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			*problems = append(*problems, Problem{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)})
		} else {
			*problems = append(*problems, Problem{Field: "CONFIG_PATH", Message: "config file not found"})
		}
		return s
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	raw := map[string]any{}
	if err := dec.Decode(&raw); err != nil {
		*problems = append(*problems, Problem{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)})
		return s
	}
	s.file = make(map[string]any, len(raw))
	for k, v := range raw {
		s.file[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	return s
}

func (s *source) lookup(key string) (string, bool) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v, true
	}
	if s.file != nil {
		if v, ok := s.file[key]; ok {
			switch t := v.(type) {
			case string:
				if trimmed := strings.TrimSpace(t); trimmed != "" {
					return trimmed, true
				}
			case json.Number:
				return t.String(), true
			case bool:
				return strconv.FormatBool(t), true
			}
		}
	}
	return "", false
}

func (s *source) fail(key string, msg string) {
	*s.problems = append(*s.problems, Problem{Field: key, Message: msg})
}

func (s *source) str(key string, dst *string) {
	if v, ok := s.lookup(key); ok {
		*dst = v
	}
}

// secret is str without trimming applied to file values that may contain
// significant whitespace; env values arrive already trimmed by lookup.
func (s *source) secret(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
		return
	}
	s.str(key, dst)
}

func (s *source) intPos(key string, dst *int) {
	s.intMin(key, dst, 1)
}

func (s *source) intMin(key string, dst *int, min int) {
	v, ok := s.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		s.fail(key, key+" must be an integer")
		return
	}
	if n < min {
		s.fail(key, fmt.Sprintf("%s must be >= %d", key, min))
		return
	}
	*dst = n
}

func (s *source) port(key string, dst *int) {
	v, ok := s.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > 65535 {
		s.fail(key, key+" must be 1-65535")
		return
	}
	*dst = n
}

func (s *source) float(key string, dst *float64) {
	v, ok := s.lookup(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		s.fail(key, key+" must be a number")
		return
	}
	*dst = f
}

func (s *source) boolean(key string, dst *bool) {
	v, ok := s.lookup(key)
	if !ok {
		return
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes", "y":
		*dst = true
	case "false", "0", "no", "n":
		*dst = false
	default:
		s.fail(key, key+" must be a boolean")
	}
}

func (s *source) csv(key string, dst *[]string) {
	v, ok := s.lookup(key)
	if !ok {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}
