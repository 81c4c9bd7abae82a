package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	Environment  string
	ListenAddr   string
	StoreDriver  string // memory, sqlite or postgres
	DatabaseURL  string
	SQLitePath   string
	RedisAddr    string
	KafkaBrokers []string
	KafkaTopic   string
	RateCapacity int
	RateRefill   float64
	MaxBodyBytes int64

	// AdminCIDRs restricts the reconcile and verify endpoints to operator
	// networks when set.
	AdminCIDRs []string

	TLSCertFile string
	TLSKeyFile  string
	TLSClientCA string
}

// Load loads configuration from environment variables. A .env file in the
// working directory is read first when present (development convenience);
// real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment:  getenv("APP_ENV", "development"),
		ListenAddr:   getenv("LEDGER_ADDR", ":8080"),
		StoreDriver:  getenv("LEDGER_STORE", "memory"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		SQLitePath:   getenv("LEDGER_SQLITE_PATH", "ledger.db"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		KafkaTopic:   getenv("KAFKA_TOPIC", "ledger_entries"),
		RateCapacity: getenvInt("RATE_LIMIT_CAPACITY", 0),
		RateRefill:   getenvFloat("RATE_LIMIT_REFILL", 0),
		MaxBodyBytes: int64(getenvInt("MAX_BODY_BYTES", 1<<20)),
		TLSCertFile:  os.Getenv("LEDGER_TLS_CERT"),
		TLSKeyFile:   os.Getenv("LEDGER_TLS_KEY"),
		TLSClientCA:  os.Getenv("LEDGER_TLS_CLIENT_CA"),
	}

	cfg.KafkaBrokers = splitList(os.Getenv("KAFKA_BROKERS"))
	cfg.AdminCIDRs = splitList(os.Getenv("LEDGER_ADMIN_CIDRS"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is complete for the chosen store.
func (c *Config) Validate() error {
	var missing []string

	switch c.StoreDriver {
	case "memory":
		// Nothing durable to configure.
	case "sqlite":
		if c.SQLitePath == "" {
			missing = append(missing, "LEDGER_SQLITE_PATH")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	default:
		return errors.New("LEDGER_STORE must be one of: memory, sqlite, postgres")
	}

	if (c.Environment == "production" || c.Environment == "staging") && c.StoreDriver == "memory" {
		return errors.New("LEDGER_STORE=memory is not durable and is not allowed in " + c.Environment)
	}

	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("LEDGER_TLS_CERT and LEDGER_TLS_KEY must be set together")
	}

	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
