// Package app assembles the shiptrack components from a config and runs them.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gitlab.ozon.dev/qwestard/shiptrack/internal/audit"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/broker"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/cache"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/config"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/db"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/events"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/health"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/kafka"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/models"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/pricing"
	taskprocessor "gitlab.ozon.dev/qwestard/shiptrack/internal/processor"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/repository"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/server"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/service"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/storage"
)

const (
	auditWorkers   = 2
	healthInterval = 10 * time.Second
)

type stores struct {
	shipments repository.ShipmentRepository
	rates     repository.RateRepository
	users     repository.UserRepository
	tasks     repository.TaskRepository
	ping      func(ctx context.Context) error
}

type App struct {
	cfg    *config.Config
	logger *zap.Logger

	database  *sql.DB
	stores    stores
	bus       *events.Bus
	broker    *broker.Broker
	rateCache *cache.RateCache
	auditPool *audit.AuditWorkerPool
	health    *health.Checker
	producer  *kafka.SaramaProducer

	users  *service.UserService
	rates  *service.RateService
	server *server.Server
}

// New opens storage and builds every component. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	a := &App{cfg: cfg, logger: logger}

	if err := a.openStorage(ctx); err != nil {
		return nil, err
	}

	a.rateCache = cache.NewRateCache(a.stores.rates, logger)
	a.bus = events.NewBus(logger)
	a.broker = broker.New(logger)
	a.health = health.NewChecker(a.stores.ping, logger)

	processors := []audit.AuditLogProcessor{&audit.LogProcessor{Filter: cfg.FilterWord, Logger: logger}}
	if a.database != nil {
		processors = append(processors, audit.NewDBProcessor(a.database))
	}
	a.auditPool = audit.NewAuditWorkerPool(audit.DefaultPoolConfig(), logger, processors...)

	if err := a.wireFanout(); err != nil {
		a.Close()
		return nil, err
	}

	shipments := service.NewShipmentService(a.stores.shipments, pricing.NewEngine(a.rateCache), service.ShipmentOptions{
		StrictTransitions: cfg.StrictTransitions,
		Emitter:           a.bus,
		Auditor:           a.auditPool,
	}, logger)
	a.users = service.NewUserService(a.stores.users, logger)
	a.rates = service.NewRateService(a.stores.rates, a.rateCache, logger)

	a.server = server.NewServer(server.Deps{
		Shipments: shipments,
		Tracking:  service.NewTrackingService(a.stores.shipments),
		Users:     a.users,
		Rates:     a.rates,
		Broker:    a.broker,
		Audit:     a.auditPool,
		Health:    a.health,
	}, cfg.Addr(), logger)
	return a, nil
}

func (a *App) openStorage(ctx context.Context) error {
	switch a.cfg.Storage {
	case config.StorageMemory:
		st, err := storage.New(a.cfg.DataFile)
		if err != nil {
			return fmt.Errorf("open memory storage: %w", err)
		}
		a.stores = stores{
			shipments: st,
			rates:     st,
			users:     st,
			ping:      func(context.Context) error { return nil },
		}
		a.logger.Info("using in-memory storage", zap.String("data_file", a.cfg.DataFile))
		return nil
	default:
		database, err := db.NewDB(ctx, a.cfg.DSN, a.cfg.MigrationsDir)
		if err != nil {
			return err
		}
		a.database = database
		a.stores = stores{
			shipments: repository.NewPostgresShipmentRepository(database),
			rates:     repository.NewPostgresRateRepository(database),
			users:     repository.NewPostgresUserRepository(database),
			tasks:     repository.NewPostgresTaskRepository(database),
			ping:      database.PingContext,
		}
		return nil
	}
}

// wireFanout subscribes the event consumers. With kafka fan-out the broker is
// fed by the relay consumer only, so every instance delivers each update once.
func (a *App) wireFanout() error {
	if a.cfg.Fanout == config.FanoutLocal {
		a.bus.Subscribe(a.broker)
	}
	if !a.cfg.KafkaEnabled {
		return nil
	}
	producer, err := kafka.NewSaramaProducer(a.cfg.KafkaBrokers, a.logger)
	if err != nil {
		return fmt.Errorf("create kafka producer: %w", err)
	}
	a.producer = producer
	a.bus.Subscribe(taskprocessor.NewOutboxHandler(a.stores.tasks))
	return nil
}

// bootstrap seeds the rate table, loads the pricing snapshot and makes sure
// the configured admin account exists.
func (a *App) bootstrap(ctx context.Context) error {
	seed := make([]models.Rate, 0, len(a.cfg.SeedRates))
	for _, r := range a.cfg.SeedRates {
		seed = append(seed, models.Rate{ServiceName: r.ServiceName, BaseRate: models.NewMoney(r.BaseRate)})
	}
	if err := a.rates.Seed(ctx, seed); err != nil {
		return fmt.Errorf("seed rates: %w", err)
	}
	if err := a.rateCache.Refresh(ctx); err != nil {
		return fmt.Errorf("load rates: %w", err)
	}
	if _, err := a.users.EnsureAdmin(ctx, a.cfg.Username, a.cfg.Password); err != nil {
		return fmt.Errorf("ensure admin: %w", err)
	}
	return nil
}

// Run serves until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.bootstrap(ctx); err != nil {
		return err
	}

	auditCtx, auditCancel := context.WithCancel(context.Background())
	a.auditPool.Start(auditCtx, auditWorkers)
	defer a.auditPool.Shutdown(auditCancel)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.rateCache.StartAutoRefresh(ctx, a.cfg.RateRefresh)
		return nil
	})
	g.Go(func() error {
		a.health.Start(ctx, healthInterval)
		return nil
	})
	g.Go(func() error {
		return a.health.Serve(ctx, a.cfg.GRPCAddr())
	})
	g.Go(func() error {
		return a.server.Run(ctx)
	})

	if a.cfg.KafkaEnabled {
		tp := taskprocessor.NewTaskProcessor(a.stores.tasks, a.producer, a.cfg.KafkaTopic, taskprocessor.DefaultOptions(), a.logger)
		g.Go(func() error {
			tp.Start(ctx)
			return nil
		})
	}
	if a.cfg.Fanout == config.FanoutKafka {
		relay := kafka.NewRelayHandler(a.broker, a.logger)
		groupID := relayGroupID(a.cfg.KafkaGroupID)
		a.logger.Info("relaying live updates from kafka", zap.String("group_id", groupID))
		g.Go(func() error {
			return kafka.StartSaramaConsumer(ctx, kafka.NewConsumerConfig(), a.cfg.KafkaBrokers,
				groupID, []string{a.cfg.KafkaTopic}, relay, a.logger)
		})
	}

	err := g.Wait()
	a.broker.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// relayGroupID gives every instance its own consumer group, so each one sees
// every update for the sockets it holds.
func relayGroupID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func (a *App) Close() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn("closing kafka producer failed", zap.Error(err))
		}
	}
	if a.database != nil {
		if err := a.database.Close(); err != nil {
			a.logger.Warn("closing database failed", zap.Error(err))
		}
	}
}
