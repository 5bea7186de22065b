// Package config loads process settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Hub lists the tunable parameters of the relay process.
type Hub struct {
	HTTPPort    int
	MetricsPort int
	LogLevel    string

	BatchSize    int
	FlushTimeout time.Duration

	MQTTBrokerHost        string
	MQTTBrokerPort        int
	MQTTTopic             string
	MQTTClientID          string
	MQTTReconnectInterval time.Duration
	// MQTTEmbeddedBind starts the in-process broker when non-empty.
	MQTTEmbeddedBind string

	QueueBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string

	StoreBaseURL string
	StoreTimeout time.Duration

	MDNSEnabled  bool
	OTelExporter string
	OTelEndpoint string
}

// Store lists the tunable parameters of the storage process.
type Store struct {
	HTTPPort         int
	MetricsPort      int
	LogLevel         string
	DatabaseURL      string
	SubscriberBuffer int
	Heartbeat        time.Duration
	OTelExporter     string
	OTelEndpoint     string
}

const (
	defaultHubHTTPPort           = 8000
	defaultHubMetricsPort        = 9090
	defaultLogLevel              = "info"
	defaultBatchSize             = 10
	defaultFlushTimeout          = 10 * time.Second
	defaultMQTTBrokerHost        = "localhost"
	defaultMQTTBrokerPort        = 1883
	defaultMQTTTopic             = "processed_agent_data_topic"
	defaultMQTTReconnectInterval = 5 * time.Second
	defaultQueueBackend          = "memory"
	defaultRedisAddr             = "localhost:6379"
	defaultRedisKey              = "processed_agent_data"
	defaultStoreBaseURL          = "http://localhost:8001"
	defaultStoreTimeout          = 5 * time.Second
	defaultOTelExporter          = "none"

	defaultStoreHTTPPort    = 8001
	defaultStoreMetricsPort = 9091
	defaultDatabaseURL      = "data/roadwatch.db"
	defaultSubscriberBuffer = 64
	defaultHeartbeat        = 15 * time.Second
)

// env reads prefixed variables and remembers the first parse failure.
type env struct {
	prefix string
	err    error
}

func (e *env) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(e.prefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *env) fail(name string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s%s: %w", e.prefix, name, err)
	}
}

func (e *env) str(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e *env) num(name string, dst *int) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(name, err)
		return
	}
	*dst = n
}

func (e *env) positive(name string, dst *int) {
	prev := *dst
	e.num(name, dst)
	if *dst <= 0 {
		*dst = prev
		e.fail(name, fmt.Errorf("must be positive"))
	}
}

func (e *env) dur(name string, dst *time.Duration) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Bare numbers are seconds.
		secs, serr := strconv.ParseFloat(v, 64)
		if serr != nil {
			e.fail(name, err)
			return
		}
		d = time.Duration(secs * float64(time.Second))
	}
	if d <= 0 {
		e.fail(name, fmt.Errorf("must be positive"))
		return
	}
	*dst = d
}

func (e *env) flag(name string, dst *bool) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(name, err)
		return
	}
	*dst = b
}

// LoadHub derives the relay configuration from HUB_* variables, falling back
// to defaults.
func LoadHub() (Hub, error) {
	cfg := Hub{
		HTTPPort:              defaultHubHTTPPort,
		MetricsPort:           defaultHubMetricsPort,
		LogLevel:              defaultLogLevel,
		BatchSize:             defaultBatchSize,
		FlushTimeout:          defaultFlushTimeout,
		MQTTBrokerHost:        defaultMQTTBrokerHost,
		MQTTBrokerPort:        defaultMQTTBrokerPort,
		MQTTTopic:             defaultMQTTTopic,
		MQTTReconnectInterval: defaultMQTTReconnectInterval,
		QueueBackend:          defaultQueueBackend,
		RedisAddr:             defaultRedisAddr,
		RedisKey:              defaultRedisKey,
		StoreBaseURL:          defaultStoreBaseURL,
		StoreTimeout:          defaultStoreTimeout,
		OTelExporter:          defaultOTelExporter,
	}

	e := &env{prefix: "HUB_"}
	e.num("HTTP_PORT", &cfg.HTTPPort)
	e.num("METRICS_PORT", &cfg.MetricsPort)
	e.str("LOG_LEVEL", &cfg.LogLevel)
	e.positive("BATCH_SIZE", &cfg.BatchSize)
	e.dur("FLUSH_TIMEOUT", &cfg.FlushTimeout)
	e.str("MQTT_BROKER_HOST", &cfg.MQTTBrokerHost)
	e.num("MQTT_BROKER_PORT", &cfg.MQTTBrokerPort)
	e.str("MQTT_TOPIC", &cfg.MQTTTopic)
	e.str("MQTT_CLIENT_ID", &cfg.MQTTClientID)
	e.dur("MQTT_RECONNECT_INTERVAL", &cfg.MQTTReconnectInterval)
	e.str("MQTT_EMBEDDED_BIND", &cfg.MQTTEmbeddedBind)
	e.str("QUEUE_BACKEND", &cfg.QueueBackend)
	e.str("REDIS_ADDR", &cfg.RedisAddr)
	e.str("REDIS_PASSWORD", &cfg.RedisPassword)
	e.num("REDIS_DB", &cfg.RedisDB)
	e.str("REDIS_KEY", &cfg.RedisKey)
	e.str("STORE_BASE_URL", &cfg.StoreBaseURL)
	e.dur("STORE_TIMEOUT", &cfg.StoreTimeout)
	e.flag("MDNS_ENABLED", &cfg.MDNSEnabled)
	e.str("OTEL_EXPORTER", &cfg.OTelExporter)
	e.str("OTEL_ENDPOINT", &cfg.OTelEndpoint)
	if e.err != nil {
		return Hub{}, e.err
	}

	cfg.QueueBackend = strings.ToLower(strings.TrimSpace(cfg.QueueBackend))
	switch cfg.QueueBackend {
	case "memory", "redis":
	default:
		return Hub{}, fmt.Errorf("invalid HUB_QUEUE_BACKEND %q: want memory or redis", cfg.QueueBackend)
	}
	cfg.StoreBaseURL = strings.TrimRight(cfg.StoreBaseURL, "/")
	return cfg, nil
}

// BrokerURL is the paho address of the broker the subscriber dials.
func (c Hub) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.MQTTBrokerHost, c.MQTTBrokerPort)
}

// LoadStore derives the storage configuration from STORE_* variables.
func LoadStore() (Store, error) {
	cfg := Store{
		HTTPPort:         defaultStoreHTTPPort,
		MetricsPort:      defaultStoreMetricsPort,
		LogLevel:         defaultLogLevel,
		DatabaseURL:      defaultDatabaseURL,
		SubscriberBuffer: defaultSubscriberBuffer,
		Heartbeat:        defaultHeartbeat,
		OTelExporter:     defaultOTelExporter,
	}

	e := &env{prefix: "STORE_"}
	e.num("HTTP_PORT", &cfg.HTTPPort)
	e.num("METRICS_PORT", &cfg.MetricsPort)
	e.str("LOG_LEVEL", &cfg.LogLevel)
	e.str("DATABASE_URL", &cfg.DatabaseURL)
	e.positive("SUBSCRIBER_BUFFER", &cfg.SubscriberBuffer)
	e.dur("HEARTBEAT", &cfg.Heartbeat)
	e.str("OTEL_EXPORTER", &cfg.OTelExporter)
	e.str("OTEL_ENDPOINT", &cfg.OTelEndpoint)
	if e.err != nil {
		return Store{}, e.err
	}
	return cfg, nil
}

// Level maps a *_LOG_LEVEL value to a slog level. Unknown values mean info.
func Level(level string) slog.Leveler {
	var lvl slog.Level

	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	lv := new(slog.LevelVar)
	lv.Set(lvl)
	return lv
}
