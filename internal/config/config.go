// Package config loads the minutequotad service configuration from the
// environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"

	"github.com/mihaimyh/minutequota/pkg/minutequota"
)

const EnvPrefix = "MINUTEQUOTA"

const (
	EnvAppEnv          = "MINUTEQUOTA_APP_ENV"
	EnvAddr            = "MINUTEQUOTA_ADDR"
	EnvLogLevel        = "MINUTEQUOTA_LOG_LEVEL"
	EnvLogFormat       = "MINUTEQUOTA_LOG_FORMAT"
	EnvStorageBackend  = "MINUTEQUOTA_STORAGE_BACKEND"
	EnvDatabaseDSN     = "MINUTEQUOTA_DB_DSN"
	EnvRedisAddr       = "MINUTEQUOTA_REDIS_ADDR"
	EnvFirestoreProj   = "MINUTEQUOTA_FIRESTORE_PROJECT_ID"
	EnvStripeAPIKey    = "MINUTEQUOTA_STRIPE_API_KEY"
	EnvStripeSecret    = "MINUTEQUOTA_STRIPE_WEBHOOK_SECRET"
	EnvStripePlans     = "MINUTEQUOTA_STRIPE_PLAN_PRICES"
	EnvRCSecret        = "MINUTEQUOTA_REVENUECAT_WEBHOOK_SECRET"
	EnvRCPlans         = "MINUTEQUOTA_REVENUECAT_PLANS"
	EnvRCCredits       = "MINUTEQUOTA_REVENUECAT_CREDIT_PRODUCTS"
	EnvSweepSchedule   = "MINUTEQUOTA_SWEEP_SCHEDULE"
	EnvSweepStaleAfter = "MINUTEQUOTA_SWEEP_STALE_AFTER"
)

// Storage backends
const (
	BackendMemory       = "memory"
	BackendPostgres     = "postgres"
	BackendRedis        = "redis"
	BackendFirestore    = "firestore"
	BackendSQLite       = "sqlite"
	BackendGormPostgres = "gorm-postgres"
)

type Config struct {
	App        AppConfig
	Storage    StorageConfig
	Redis      RedisConfig
	Firestore  FirestoreConfig
	Stripe     StripeConfig
	RevenueCat RevenueCatConfig
	Sweep      SweepConfig
	Engine     EngineConfig
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env             string        `envconfig:"MINUTEQUOTA_APP_ENV" default:"dev"`
	Addr            string        `envconfig:"MINUTEQUOTA_ADDR" default:":8080"`
	LogLevel        string        `envconfig:"MINUTEQUOTA_LOG_LEVEL" default:"info"`
	LogFormat       string        `envconfig:"MINUTEQUOTA_LOG_FORMAT" default:"json"`
	UserHeader      string        `envconfig:"MINUTEQUOTA_USER_HEADER" default:"X-User-ID"`
	ShutdownTimeout time.Duration `envconfig:"MINUTEQUOTA_SHUTDOWN_TIMEOUT" default:"15s"`
}

type StorageConfig struct {
	Backend     string `envconfig:"MINUTEQUOTA_STORAGE_BACKEND" default:"memory"`
	DSN         string `envconfig:"MINUTEQUOTA_DB_DSN"`
	MaxConns    int32  `envconfig:"MINUTEQUOTA_DB_MAX_CONNS" default:"10"`
	AutoMigrate bool   `envconfig:"MINUTEQUOTA_AUTO_MIGRATE" default:"true"`
}

type RedisConfig struct {
	Addr      string `envconfig:"MINUTEQUOTA_REDIS_ADDR" default:"localhost:6379"`
	Password  string `envconfig:"MINUTEQUOTA_REDIS_PASSWORD"`
	DB        int    `envconfig:"MINUTEQUOTA_REDIS_DB" default:"0"`
	KeyPrefix string `envconfig:"MINUTEQUOTA_REDIS_KEY_PREFIX" default:"minutequota:"`
}

type FirestoreConfig struct {
	ProjectID          string `envconfig:"MINUTEQUOTA_FIRESTORE_PROJECT_ID"`
	AccountsCollection string `envconfig:"MINUTEQUOTA_FIRESTORE_ACCOUNTS_COLLECTION"`
}

type StripeConfig struct {
	APIKey        string `envconfig:"MINUTEQUOTA_STRIPE_API_KEY"`
	WebhookSecret string `envconfig:"MINUTEQUOTA_STRIPE_WEBHOOK_SECRET"`
	// PlanPrices maps price or product ids to plans: "price_a:starter,price_b:pro"
	PlanPrices map[string]string `envconfig:"MINUTEQUOTA_STRIPE_PLAN_PRICES"`
}

// Enabled reports whether the Stripe webhook should be mounted.
func (s StripeConfig) Enabled() bool {
	return strings.TrimSpace(s.APIKey) != ""
}

// PlanMapping converts PlanPrices into catalog plan ids.
func (s StripeConfig) PlanMapping() map[string]minutequota.PlanID {
	return planMapping(s.PlanPrices)
}

func planMapping(raw map[string]string) map[string]minutequota.PlanID {
	out := make(map[string]minutequota.PlanID, len(raw))
	for id, plan := range raw {
		out[strings.TrimSpace(id)] = minutequota.PlanID(strings.ToLower(strings.TrimSpace(plan)))
	}
	return out
}

type RevenueCatConfig struct {
	WebhookSecret string `envconfig:"MINUTEQUOTA_REVENUECAT_WEBHOOK_SECRET"`
	APIKey        string `envconfig:"MINUTEQUOTA_REVENUECAT_API_KEY"`
	// Plans maps entitlement or product ids to plans: "pro:pro,starter_monthly:starter"
	Plans map[string]string `envconfig:"MINUTEQUOTA_REVENUECAT_PLANS"`
	// CreditProducts maps non-renewing products to credits: "credits_100:100"
	CreditProducts map[string]int `envconfig:"MINUTEQUOTA_REVENUECAT_CREDIT_PRODUCTS"`
}

// Enabled reports whether the RevenueCat webhook should be mounted.
func (r RevenueCatConfig) Enabled() bool {
	return strings.TrimSpace(r.WebhookSecret) != ""
}

// PlanMapping converts Plans into catalog plan ids.
func (r RevenueCatConfig) PlanMapping() map[string]minutequota.PlanID {
	return planMapping(r.Plans)
}

type SweepConfig struct {
	Enabled    bool          `envconfig:"MINUTEQUOTA_SWEEP_ENABLED" default:"true"`
	Schedule   string        `envconfig:"MINUTEQUOTA_SWEEP_SCHEDULE" default:"@every 5m"`
	StaleAfter time.Duration `envconfig:"MINUTEQUOTA_SWEEP_STALE_AFTER" default:"6h"`
}

type EngineConfig struct {
	CacheEnabled     bool          `envconfig:"MINUTEQUOTA_CACHE_ENABLED" default:"true"`
	CacheTTL         time.Duration `envconfig:"MINUTEQUOTA_CACHE_TTL" default:"5s"`
	CacheSize        int           `envconfig:"MINUTEQUOTA_CACHE_SIZE" default:"10000"`
	BreakerEnabled   bool          `envconfig:"MINUTEQUOTA_BREAKER_ENABLED" default:"true"`
	BreakerThreshold int           `envconfig:"MINUTEQUOTA_BREAKER_THRESHOLD" default:"5"`
	BreakerReset     time.Duration `envconfig:"MINUTEQUOTA_BREAKER_RESET" default:"30s"`
	MaxRetries       uint64        `envconfig:"MINUTEQUOTA_MAX_RETRIES" default:"16"`
	SweepBatchSize   int           `envconfig:"MINUTEQUOTA_SWEEP_BATCH_SIZE" default:"500"`
}

// Manager builds the engine configuration. Logger and metrics are left for
// the caller.
func (e EngineConfig) Manager() minutequota.Config {
	return minutequota.Config{
		Retry: minutequota.RetryConfig{MaxRetries: e.MaxRetries},
		CacheConfig: &minutequota.CacheConfig{
			Enabled:     e.CacheEnabled,
			TTL:         e.CacheTTL,
			MaxAccounts: e.CacheSize,
		},
		CircuitBreakerConfig: &minutequota.CircuitBreakerConfig{
			Enabled:          e.BreakerEnabled,
			FailureThreshold: e.BreakerThreshold,
			ResetTimeout:     e.BreakerReset,
		},
		SweepBatchSize: e.SweepBatchSize,
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var err error

	switch c.Storage.Backend {
	case BackendMemory, BackendRedis:
	case BackendPostgres, BackendSQLite, BackendGormPostgres:
		if c.Storage.DSN == "" {
			err = multierr.Append(err, fmt.Errorf("%s is required for the %s backend", EnvDatabaseDSN, c.Storage.Backend))
		}
	case BackendFirestore:
		if c.Firestore.ProjectID == "" {
			err = multierr.Append(err, fmt.Errorf("%s is required for the firestore backend", EnvFirestoreProj))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("%s: unknown backend %q", EnvStorageBackend, c.Storage.Backend))
	}

	switch c.App.LogFormat {
	case "json", "console":
	default:
		err = multierr.Append(err, fmt.Errorf("%s must be json or console, got %q", EnvLogFormat, c.App.LogFormat))
	}

	if c.Stripe.WebhookSecret != "" && !c.Stripe.Enabled() {
		err = multierr.Append(err, fmt.Errorf("%s requires %s", EnvStripeSecret, EnvStripeAPIKey))
	}
	catalog := minutequota.DefaultCatalog()
	for price, plan := range c.Stripe.PlanMapping() {
		if _, ok := catalog.PlanFor(plan); !ok {
			err = multierr.Append(err, fmt.Errorf("%s: price %s maps to unknown plan %q", EnvStripePlans, price, plan))
		}
	}
	for id, plan := range c.RevenueCat.PlanMapping() {
		if _, ok := catalog.PlanFor(plan); !ok {
			err = multierr.Append(err, fmt.Errorf("%s: %s maps to unknown plan %q", EnvRCPlans, id, plan))
		}
	}
	for product, credits := range c.RevenueCat.CreditProducts {
		if credits <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s: %s must grant positive credits, got %d", EnvRCCredits, product, credits))
		}
	}
	if len(c.RevenueCat.Plans)+len(c.RevenueCat.CreditProducts) > 0 && !c.RevenueCat.Enabled() {
		err = multierr.Append(err, fmt.Errorf("%s and %s require %s", EnvRCPlans, EnvRCCredits, EnvRCSecret))
	}

	if c.Sweep.Enabled {
		if _, perr := cron.ParseStandard(c.Sweep.Schedule); perr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", EnvSweepSchedule, perr))
		}
		if c.Sweep.StaleAfter <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s must be positive", EnvSweepStaleAfter))
		}
	}

	if c.Engine.CacheEnabled && c.Engine.CacheTTL <= 0 {
		err = multierr.Append(err, fmt.Errorf("MINUTEQUOTA_CACHE_TTL must be positive when caching is enabled"))
	}

	return err
}
