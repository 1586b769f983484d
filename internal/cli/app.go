package cli

import (
	"context"
	"net/http"
	"os"

	"github.com/leadflow/leadflow/internal/config"
	"github.com/leadflow/leadflow/internal/log"
	internal_storage "github.com/leadflow/leadflow/internal/storage"
	redisstore "github.com/leadflow/leadflow/internal/storage/redis"
	"github.com/leadflow/leadflow/pkg/service"
	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/time/rate"
)

// app is everything a command needs, built from configuration.
type app struct {
	cfg    *config.Config
	store  *internal_storage.PostgresStore
	redis  *goredis.Client
	meters *sdkmetric.MeterProvider
	svc    *service.WorkflowService
	runner service.Executor
}

func newApp(cmd *cobra.Command) (*app, error) {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	log.SetLevel(cfg.Log.Level)
	logger := log.GetLogger()

	if dbConnStr, _ := cmd.Flags().GetString("db"); dbConnStr != "" {
		cfg.Database.URL = dbConnStr
	}
	logger.Debugf("Connecting to %s (entities on %s)", cfg.Database.URL, cfg.Entities.Backend)

	store, err := internal_storage.InitStore(cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: store}

	deps := service.StoreDependencies(store, &http.Client{})
	if cfg.Entities.Backend == config.RedisBackend {
		a.redis = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		entities := redisstore.New(a.redis)
		if err := entities.Ping(context.Background()); err != nil {
			a.Close()
			return nil, errors.Wrapf(err, "connect to redis at %s", cfg.Redis.Addr)
		}
		deps.Entities = entities
	}

	opts := []service.Option{service.WithWebhookTimeout(cfg.Webhook.Timeout)}
	if a.meters, err = newMeterProvider(cfg, os.Stderr); err != nil {
		a.Close()
		return nil, err
	}
	if a.meters != nil {
		opts = append(opts, service.WithMeter(a.meters.Meter(service.MeterName)))
	}
	if cfg.Webhook.RateLimit > 0 {
		burst := cfg.Webhook.Burst
		if burst < 1 {
			burst = 1
		}
		opts = append(opts, service.WithWebhookRateLimit(rate.NewLimiter(rate.Limit(cfg.Webhook.RateLimit), burst)))
	}
	a.svc = service.NewWorkflowService(deps, logger, opts...)

	a.runner = a.svc
	if cfg.Retry.MaxAttempts > 1 {
		a.runner = service.NewRetrier(a.svc, service.RetryPolicy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
		}, logger)
	}
	return a, nil
}

func (a *app) Close() {
	if err := shutdownMeterProvider(a.meters); err != nil {
		log.GetLogger().Errorf("Failed to flush metrics: %v", err)
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.GetLogger().Errorf("Failed to close redis client: %v", err)
		}
	}
	if err := a.store.Close(); err != nil {
		log.GetLogger().Errorf("Failed to close store: %v", err)
	}
}
