package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/homeward-matching/internal/models"
	"github.com/example/homeward-matching/internal/pricing"
	"github.com/example/homeward-matching/internal/session"
)

// ServerConfig captures all tunable parameters for the API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers    []string
	LocationsTopic  string
	EventsTopic     string

	PGDSN string

	StripeAPIKey    string
	FXEndpoint      string
	FXCacheTTL      time.Duration
	RideServiceURL  string

	MaxAngleDeviation float64
	DensityTier       pricing.DensityTier
	Pricing           pricing.Config
	Session           session.Config
	EscrowTTL         time.Duration
	SweepInterval     time.Duration

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		RedisGeoKey:    "drivers_geo",
		LocationsTopic: "driver-locations",
		EventsTopic:    "homeward-events",

		FXCacheTTL: 5 * time.Minute,

		MaxAngleDeviation: 30,
		DensityTier:       pricing.TierStandard,
		Pricing:           pricing.DefaultConfig(),
		Session:           session.DefaultConfig(),
		EscrowTTL:         15 * time.Minute,
		SweepInterval:     time.Minute,

		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.LocationsTopic, "KAFKA_LOCATIONS_TOPIC")
	setStringFromEnv(&cfg.EventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	cfg.FXEndpoint = strings.TrimSpace(os.Getenv("FX_ENDPOINT"))
	setDurationFromEnv(&cfg.FXCacheTTL, "FX_CACHE_TTL", &errs)
	cfg.RideServiceURL = strings.TrimSpace(os.Getenv("RIDE_SERVICE_URL"))

	setFloatFromEnv(&cfg.MaxAngleDeviation, "MATCH_MAX_ANGLE_DEVIATION", &errs)
	if v := strings.TrimSpace(os.Getenv("MATCH_DENSITY_TIER")); v != "" {
		switch pricing.DensityTier(strings.ToLower(v)) {
		case pricing.TierDense, pricing.TierStandard, pricing.TierSparse:
			cfg.DensityTier = pricing.DensityTier(strings.ToLower(v))
		default:
			errs = append(errs, fmt.Errorf("invalid MATCH_DENSITY_TIER %q", v))
		}
	}

	setFloatFromEnv(&cfg.Pricing.MinPremiumPercent, "PREMIUM_MIN_PERCENT", &errs)
	setFloatFromEnv(&cfg.Pricing.MaxPremiumPercent, "PREMIUM_MAX_PERCENT", &errs)
	setCentsFromEnv(&cfg.Pricing.MaxPremiumCapCents, "PREMIUM_CAP_CENTS", &errs)
	setFloatFromEnv(&cfg.Pricing.DriverPremiumSharePercent, "PREMIUM_DRIVER_SHARE_PERCENT", &errs)
	setFloatFromEnv(&cfg.Pricing.BaseFarePlatformFeePercent, "BASE_FARE_PLATFORM_FEE_PERCENT", &errs)

	setIntFromEnv(&cfg.Session.MaxDailySessions, "SESSION_MAX_DAILY", &errs)
	setDurationFromEnv(&cfg.Session.Cooldown, "SESSION_COOLDOWN", &errs)
	setIntFromEnv(&cfg.Session.DefaultWindowMinutes, "SESSION_DEFAULT_WINDOW_MINUTES", &errs)
	setFloatFromEnv(&cfg.Session.DefaultMaxDetourPercent, "SESSION_DEFAULT_MAX_DETOUR_PERCENT", &errs)
	setDurationFromEnv(&cfg.EscrowTTL, "ESCROW_INTENT_TTL", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "SESSION_SWEEP_INTERVAL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.MaxAngleDeviation <= 0 || cfg.MaxAngleDeviation > 180 {
		errs = append(errs, fmt.Errorf("MATCH_MAX_ANGLE_DEVIATION must be in (0, 180]"))
	}
	if cfg.Pricing.MinPremiumPercent > cfg.Pricing.MaxPremiumPercent {
		errs = append(errs, fmt.Errorf("PREMIUM_MIN_PERCENT must not exceed PREMIUM_MAX_PERCENT"))
	}
	if cfg.Session.MaxDailySessions <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_MAX_DAILY must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setCentsFromEnv(target *models.Cents, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = models.Cents(i)
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
