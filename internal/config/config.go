package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for the loader.
type Config struct {
	App      AppConfig
	Loader   LoaderConfig
	Retry    RetryConfig
	GraphAPI GraphAPIConfig
	Kafka    KafkaConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env         string
	LogLevel    string
	MetricsAddr string
}

// LoaderConfig controls how drivers are loaded and polled.
type LoaderConfig struct {
	FetchInterval time.Duration
	Factor        int
	DriversFile   string
	JobsDBPath    string
	Bookkeeping   string
}

// RetryConfig controls the store client's retry ceiling and linear backoff.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	Step       time.Duration
}

// GraphAPIConfig holds the graph store endpoint and credentials.
type GraphAPIConfig struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration
}

// KafkaConfig defines broker information and the dead-letter destination.
type KafkaConfig struct {
	Brokers            []string
	ErrorTopic         string
	ErrorRoutingPrefix string
}

// Load reads environment variables (and a .env file when present), applies
// defaults, validates required values and returns a populated Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)
	cfg.App.MetricsAddr = ldr.getString("METRICS_ADDR", "", false)

	cfg.Loader.FetchInterval = ldr.getSeconds("DRIVER_FETCH_INTERVAL_SECONDS", 60, false)
	cfg.Loader.Factor = ldr.getInt("FACTOR", 1, false)
	cfg.Loader.DriversFile = ldr.getString("DRIVERS_CONFIG", "drivers.yaml", false)
	cfg.Loader.JobsDBPath = ldr.getString("JOBS_DB_PATH", "", false)
	cfg.Loader.Bookkeeping = strings.ToLower(ldr.getString("BOOKKEEPING_POLICY", "log", false))

	cfg.Retry.MaxRetries = ldr.getInt("RETRIES", 10, false)
	cfg.Retry.BaseDelay = ldr.getSeconds("RETRY_BASE_DELAY_SECONDS", 5, false)
	cfg.Retry.Step = ldr.getSeconds("RETRY_STEP_SECONDS", 5, false)

	cfg.GraphAPI.URL = ldr.getString("GRAPH_API_URL", "", true)
	cfg.GraphAPI.Username = ldr.getString("GRAPH_API_USERNAME", "", true)
	cfg.GraphAPI.Password = ldr.getString("GRAPH_API_PASSWORD", "", true)
	cfg.GraphAPI.Timeout = ldr.getSeconds("GRAPH_API_TIMEOUT_SECONDS", 30, false)

	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", true)
	cfg.Kafka.ErrorTopic = ldr.getString("KAFKA_ERROR_TOPIC", "", true)
	cfg.Kafka.ErrorRoutingPrefix = ldr.getString("KAFKA_ERROR_ROUTING_PREFIX", "errors", false)

	if cfg.Loader.Factor < 1 {
		ldr.addError("FACTOR must be at least 1")
	}
	if cfg.Retry.MaxRetries < 0 {
		ldr.addError("RETRIES cannot be negative")
	}
	switch cfg.Loader.Bookkeeping {
	case "log", "propagate":
	default:
		ldr.addError("BOOKKEEPING_POLICY must be log or propagate")
	}

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// JobsDBPath reads only JOBS_DB_PATH, so job administration works without
// the graph store and broker settings.
func JobsDBPath() string {
	_ = godotenv.Load()

	ldr := &envLoader{}
	return ldr.getString("JOBS_DB_PATH", "", false)
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) lookup(key string, required bool) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val != "" {
			return val, true
		}
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return "", false
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := l.lookup(key, required); ok {
		return val
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return i
}

// getSeconds reads a whole number of seconds.
func (l *envLoader) getSeconds(key string, def int, required bool) time.Duration {
	secs := l.getInt(key, def, required)
	if secs < 0 {
		l.addError(fmt.Sprintf("%s cannot be negative", key))
		secs = def
	}
	return time.Duration(secs) * time.Second
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		if required {
			return nil
		}
		return []string{}
	}
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
