package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/example/homeward-matching/internal/clock"
	"github.com/example/homeward-matching/internal/config"
	"github.com/example/homeward-matching/internal/dispatch"
	"github.com/example/homeward-matching/internal/escrow"
	"github.com/example/homeward-matching/internal/fx"
	"github.com/example/homeward-matching/internal/geo"
	httpapi "github.com/example/homeward-matching/internal/http"
	"github.com/example/homeward-matching/internal/ingest"
	"github.com/example/homeward-matching/internal/logging"
	"github.com/example/homeward-matching/internal/matcher"
	"github.com/example/homeward-matching/internal/payments"
	"github.com/example/homeward-matching/internal/pricing"
	"github.com/example/homeward-matching/internal/session"
	"github.com/example/homeward-matching/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("error").Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	clk := clock.New()

	// stores
	type stores interface {
		storage.SessionStore
		storage.UsageStore
		storage.EscrowStore
		storage.MatchStore
	}
	var store stores
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			runMigrations(cfg.PGDSN, logger)
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("PG_DSN unset, using in-memory store")
	}

	// driver directory + session collaborators
	var directory geo.DriverDirectory
	var restrictions session.RestrictionSource
	var homes session.HomeAddresses
	if cfg.RedisAddr != "" {
		directory = geo.NewRedisDirectory(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		restrictions = &session.RedisRestrictions{Client: rc}
		homes = &session.RedisHomes{Client: rc}
	} else {
		directory = geo.NewIndex()
		restrictions = session.NewMemoryRestrictions()
		homes = session.NewMemoryHomes()
		logger.Warn("REDIS_ADDR unset, using in-memory driver directory")
	}

	// events + location ingest
	var events *ingest.Producer
	var locations *ingest.Producer
	if len(cfg.KafkaBrokers) > 0 {
		events = ingest.NewProducer(cfg.KafkaBrokers, cfg.EventsTopic)
		locations = ingest.NewProducer(cfg.KafkaBrokers, cfg.LocationsTopic)
		defer events.Close()
		defer locations.Close()
	}

	// wallet
	var wallet escrow.Wallet
	if cfg.StripeAPIKey != "" {
		wallet = payments.NewStripeWallet(cfg.StripeAPIKey, "usd")
	} else {
		wallet = payments.NewMemoryLedger()
		logger.Warn("STRIPE_API_KEY unset, using in-memory ledger")
	}

	// fx
	var rateSource fx.RateSource
	if cfg.FXEndpoint != "" {
		rateSource = fx.NewHTTPSource(cfg.FXEndpoint)
	} else {
		rateSource = fx.StaticSource{"USD": 1, "EUR": 0.92, "GBP": 0.79, "INR": 83.2, "NGN": 1540, "KES": 129}
	}
	converter := fx.NewConverter(rateSource, clk, cfg.FXCacheTTL)

	// rides
	var rides matcher.RideSource
	if cfg.RideServiceURL != "" {
		rides = matcher.NewHTTPRideSource(cfg.RideServiceURL)
	} else {
		rides = matcher.NewMemoryRidePool()
		logger.Warn("RIDE_SERVICE_URL unset, using in-memory ride pool")
	}

	wsreg := dispatch.NewWSRegistry(logger)

	sessions := &session.Manager{
		Sessions:     store,
		Usage:        store,
		Drivers:      directory,
		Restrictions: restrictions,
		Homes:        homes,
		Clock:        clk,
		Logger:       logger,
		Config:       cfg.Session,
	}
	ranker := &matcher.Ranker{
		Sessions:          store,
		Matches:           store,
		Rides:             rides,
		Drivers:           directory,
		Manager:           sessions,
		Clock:             clk,
		Logger:            logger,
		Pricing:           cfg.Pricing,
		Weights:           pricing.WeightsForTier(cfg.DensityTier),
		MaxAngleDeviation: cfg.MaxAngleDeviation,
		Dispatch:          wsreg,
	}
	engine := &escrow.Engine{
		Store:  store,
		Wallet: wallet,
		FX:     converter,
		Clock:  clk,
		Logger: logger,
		Config: escrow.Config{IntentTTL: cfg.EscrowTTL, Pricing: cfg.Pricing},
	}
	if events != nil {
		ranker.Events = events
		engine.Events = events
	}

	var sink httpapi.LocationSink
	if locations != nil {
		sink = locations
	}
	srv := httpapi.NewServer(sessions, ranker, engine, directory, wsreg, sink, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// periodic sweep: a performance optimization reusing the lazy-expiry path
	if cfg.SweepInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n, err := sessions.SweepExpired(ctx); err != nil {
						logger.Error("session sweep", "error", err)
					} else if n > 0 {
						logger.Info("session sweep", "expired", n)
					}
				}
			}
		}()
	}

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info("homeward-matching listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

func runMigrations(dsn string, logger interface {
	Info(string, ...any)
	Error(string, ...any)
}) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_homeward.sql"))
	if err != nil {
		logger.Error("migration read", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_homeward.sql")
}
