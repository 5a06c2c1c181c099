package shared

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"prod"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR"`
	MySQLDSN    string `env:"MYSQL_DSN"`

	Redis       Redis       `envPrefix:"REDIS_"`
	Marketplace Marketplace `envPrefix:"MARKETPLACE_"`
	Unlock      Unlock      `envPrefix:"UNLOCK_"`

	// memory | redis
	EntitlementBackend string        `env:"ENTITLEMENT_BACKEND" envDefault:"memory"`
	CacheTTL           time.Duration `env:"CACHE_TTL" envDefault:"60s"`
	SessionIdleTTL     time.Duration `env:"SESSION_IDLE_TTL" envDefault:"2h"`
	PaymentSessionTTL  time.Duration `env:"PAYMENT_SESSION_TTL" envDefault:"30m"`
	SweepWorkers       int           `env:"SWEEP_WORKERS" envDefault:"4"`
	SweepBatch         int           `env:"SWEEP_BATCH" envDefault:"100"`
}

type Redis struct {
	Addr string `env:"ADDR"`
	Pass string `env:"PASSWORD"`
	DB   int    `env:"DB" envDefault:"0"`
}

type Marketplace struct {
	BaseURL string        `env:"BASE_URL" envDefault:"http://localhost:5000/api"`
	APIKey  string        `env:"API_KEY"`
	RPS     int           `env:"RPS" envDefault:"10"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"20s"`
}

type Unlock struct {
	Fee           string        `env:"FEE" envDefault:"2000"`
	Currency      string        `env:"CURRENCY" envDefault:"NGN"`
	PaymentMethod string        `env:"PAYMENT_METHOD" envDefault:"card"`
	CallbackURL   string        `env:"CALLBACK_URL" envDefault:"http://localhost:8080/payment/callback"`
	VerifyTimeout time.Duration `env:"VERIFY_TIMEOUT" envDefault:"30s"`
}

// FeeAmount parses the configured fee. It must be positive.
func (u Unlock) FeeAmount() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(u.Fee)
	if err != nil {
		return decimal.Zero, fmt.Errorf("UNLOCK_FEE %q: %w", u.Fee, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("UNLOCK_FEE must be positive, got %s", u.Fee)
	}
	return d, nil
}

// Load reads an optional .env file, then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file, using process environment")
	}
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if _, err := c.Unlock.FeeAmount(); err != nil {
		return Config{}, err
	}
	switch c.EntitlementBackend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return Config{}, fmt.Errorf("ENTITLEMENT_BACKEND=redis needs REDIS_ADDR")
		}
	default:
		return Config{}, fmt.Errorf("unknown ENTITLEMENT_BACKEND %q", c.EntitlementBackend)
	}
	if c.Marketplace.APIKey == "" {
		log.Warn().Msg("MARKETPLACE_API_KEY is empty")
	}
	return c, nil
}
