// Package live parses engine flags and launches the session engine.
package live

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/uzh-bf/klicker-live/internal/live/cache"
	cachememory "github.com/uzh-bf/klicker-live/internal/live/cache/memory"
	"github.com/uzh-bf/klicker-live/internal/live/pubsub"
	"github.com/uzh-bf/klicker-live/internal/live/scheduler"
	"github.com/uzh-bf/klicker-live/internal/live/service"
	"github.com/uzh-bf/klicker-live/internal/live/storage/sqlite"
	"github.com/uzh-bf/klicker-live/internal/platform/config"
	platformotel "github.com/uzh-bf/klicker-live/internal/platform/otel"
)

// Config holds live engine configuration.
type Config struct {
	DBPath           string        `env:"KLICKER_LIVE_DB_PATH" envDefault:"klicker-live.db"`
	CacheEnabled     bool          `env:"KLICKER_LIVE_CACHE_ENABLED" envDefault:"true"`
	MinBlockInterval time.Duration `env:"KLICKER_LIVE_MIN_BLOCK_INTERVAL" envDefault:"0s"`
	ServiceName      string        `env:"KLICKER_LIVE_SERVICE_NAME" envDefault:"klicker-live"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to the sqlite database file")
	fs.BoolVar(&cfg.CacheEnabled, "cache", cfg.CacheEnabled, "Enable the in-process aggregation cache")
	fs.DurationVar(&cfg.MinBlockInterval, "min-block-interval", cfg.MinBlockInterval, "Minimum time an activated block stays open before another activation may displace it")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run wires the engine and blocks until the context is cancelled.
func Run(ctx context.Context, cfg Config) error {
	shutdownOtel, err := platformotel.Setup(ctx, cfg.ServiceName)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(flushCtx); err != nil {
			log.Printf("flush traces: %v", err)
		}
	}()

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}()

	var aggCache cache.Store = cache.Disabled{}
	if cfg.CacheEnabled {
		aggCache = cachememory.New()
	}

	sched := scheduler.NewTimerScheduler(nil)
	defer sched.Stop()

	broker := pubsub.NewBroker()
	engine := service.NewEngine(service.EngineConfig{
		Stores: service.Stores{
			Sessions: store,
			Running:  store,
		},
		Cache:            aggCache,
		Scheduler:        sched,
		Publisher:        service.NewBrokerPublisher(broker),
		MinBlockInterval: cfg.MinBlockInterval,
	})
	if err := engine.Blocks.Recover(ctx); err != nil {
		return err
	}

	log.Printf("live engine ready (db=%s cache=%t)", cfg.DBPath, cfg.CacheEnabled)
	<-ctx.Done()
	log.Printf("shutting down")
	return nil
}
