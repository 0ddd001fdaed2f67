package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type DBConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type HTTPConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// TLSCertFile and TLSKeyFile both set switch the listener to TLS.
	TLSCertFile string
	TLSKeyFile  string
	// AllowedOrigins lists browser origins, besides the API's own, that may
	// open the WebSocket stream.
	AllowedOrigins []string
}

type AuthConfig struct {
	JWTSecret string
}

type LedgerConfig struct {
	// Store is "postgres" or "memory".
	Store          string
	LockTimeout    time.Duration
	TreasuryUserID string
	// CommissionRate is paid to an agent on purchases made for a client.
	CommissionRate decimal.Decimal
}

type RedisConfig struct {
	// Addr empty disables the cross-instance event relay.
	Addr     string
	Password string
	DB       int
	Channel  string
}

type NotifyConfig struct {
	// WebhookURL empty sends notifications to the log only.
	WebhookURL string
	Workers    int
	QueueSize  int
	Timeout    time.Duration
}

type EventsConfig struct {
	Buffer int
}

type Config struct {
	DB     DBConfig
	HTTP   HTTPConfig
	Auth   AuthConfig
	Ledger LedgerConfig
	Redis  RedisConfig
	Notify NotifyConfig
	Events EventsConfig
}

// Load reads config.env when it exists and then the process environment.
// Values already set in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(filepath.Join("config.env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load config.env: %w", err)
	}

	db, err := LoadConfigDB()
	if err != nil {
		return nil, err
	}

	cfg := &Config{DB: *db}
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg.HTTP.Addr = envString("HTTP_ADDR", ":8080")
	cfg.HTTP.ReadTimeout, err = envDuration("HTTP_READ_TIMEOUT", 15*time.Second)
	collect(err)
	cfg.HTTP.WriteTimeout, err = envDuration("HTTP_WRITE_TIMEOUT", 15*time.Second)
	collect(err)
	cfg.HTTP.TLSCertFile = os.Getenv("HTTP_TLS_CERT")
	cfg.HTTP.TLSKeyFile = os.Getenv("HTTP_TLS_KEY")
	if (cfg.HTTP.TLSCertFile == "") != (cfg.HTTP.TLSKeyFile == "") {
		collect(errors.New("HTTP_TLS_CERT and HTTP_TLS_KEY must be set together"))
	}
	cfg.HTTP.AllowedOrigins = envList("HTTP_ALLOWED_ORIGINS")

	cfg.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.Auth.JWTSecret == "" {
		collect(errors.New("JWT_SECRET is required"))
	}

	cfg.Ledger.Store = envString("LEDGER_STORE", "postgres")
	if cfg.Ledger.Store != "postgres" && cfg.Ledger.Store != "memory" {
		collect(fmt.Errorf("invalid LEDGER_STORE %q", cfg.Ledger.Store))
	}
	cfg.Ledger.LockTimeout, err = envDuration("LOCK_TIMEOUT", 5*time.Second)
	if err != nil {
		collect(err)
	} else if cfg.Ledger.LockTimeout < time.Millisecond {
		collect(fmt.Errorf("LOCK_TIMEOUT must be at least 1ms, got %s", cfg.Ledger.LockTimeout))
	}
	cfg.Ledger.TreasuryUserID = envString("TREASURY_USER_ID", "treasury")
	cfg.Ledger.CommissionRate, err = decimal.NewFromString(envString("COMMISSION_RATE", "0.1"))
	if err != nil {
		collect(fmt.Errorf("invalid COMMISSION_RATE: %w", err))
	} else if !cfg.Ledger.CommissionRate.IsPositive() || cfg.Ledger.CommissionRate.GreaterThan(decimal.NewFromInt(1)) {
		collect(errors.New("COMMISSION_RATE must be in (0, 1]"))
	}

	cfg.Redis.Addr = os.Getenv("REDIS_ADDR")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	cfg.Redis.DB, err = envInt("REDIS_DB", 0)
	collect(err)
	cfg.Redis.Channel = envString("REDIS_EVENTS_CHANNEL", "ledger:events")

	cfg.Notify.WebhookURL = os.Getenv("NOTIFY_WEBHOOK_URL")
	cfg.Notify.Workers, err = envInt("NOTIFY_WORKERS", 4)
	collect(err)
	cfg.Notify.QueueSize, err = envInt("NOTIFY_QUEUE_SIZE", 256)
	collect(err)
	cfg.Notify.Timeout, err = envDuration("NOTIFY_TIMEOUT", 5*time.Second)
	collect(err)

	cfg.Events.Buffer, err = envInt("EVENT_BUFFER", 16)
	collect(err)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func LoadConfigDB() (*DBConfig, error) {
	port, err := envInt("DB_PORT", 5432)
	if err != nil {
		return nil, err
	}
	maxOpen, err := envInt("DB_MAX_OPEN_CONNS", 20)
	if err != nil {
		return nil, err
	}
	maxIdle, err := envInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, err
	}

	return &DBConfig{
		Host:         envString("DB_HOST", "localhost"),
		Port:         port,
		User:         os.Getenv("DB_USER"),
		Password:     os.Getenv("DB_PASSWORD"),
		Name:         os.Getenv("DB_NAME"),
		SSLMode:      envString("DB_SSLMODE", "disable"),
		MaxOpenConns: maxOpen,
		MaxIdleConns: maxIdle,
	}, nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func envInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
