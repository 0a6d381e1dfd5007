package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/trial-prescreen-server/internal/api"
	"github.com/trial-prescreen-server/internal/cache"
	"github.com/trial-prescreen-server/internal/config"
	"github.com/trial-prescreen-server/internal/database"
	"github.com/trial-prescreen-server/internal/domain"
	"github.com/trial-prescreen-server/internal/handoff"
	"github.com/trial-prescreen-server/internal/metrics"
	"github.com/trial-prescreen-server/internal/prescreen"
	"github.com/trial-prescreen-server/internal/repository"
	"github.com/trial-prescreen-server/internal/service"
	"github.com/trial-prescreen-server/internal/sessionstore"
	"github.com/trial-prescreen-server/pkg/external"
)

var version = "dev"

func main() {
	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	// Load configuration
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate configuration
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	logger := config.NewLogger(cfg.Logging)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := database.Migrate(ctx, configManager.GetDatabaseURL(), cfg.Database.MigrationsPath, logger); err != nil {
		logger.WithError(err).Fatal("Database migration failed")
	}

	db, err := database.NewConnection(ctx, cfg.Database, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	criteria := repository.NewCachedCriterionStore(
		repository.NewCriterionRepository(db.Pool, logger),
		cfg.Cache.CriteriaSize, cfg.Cache.CriteriaTTL, logger,
	)

	sessions, err := sessionstore.NewPostgresStoreFromURL(configManager.GetDatabaseURL(),
		cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open session store")
	}
	defer sessions.Close()

	redisClient, err := cache.NewClient(cfg.Cache)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redisClient.Close()

	engine, obs, err := buildEngine(cfg, criteria, sessions, redisClient, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build prescreening engine")
	}

	server := api.NewServer(cfg.Server, engine, api.Options{
		Checks: map[string]api.HealthCheck{
			"database": db.Health,
			"sessions": sessions.Health,
			"redis": func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		},
		Metrics: obs.Handler(),
		Version: version,
	}, logger)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	logger.WithFields(logrus.Fields{
		"host":    cfg.Server.Host,
		"port":    cfg.Server.Port,
		"version": version,
	}).Info("Starting trial prescreening server")

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}

	logger.Info("Server stopped")
}

func buildEngine(cfg *domain.Config, criteria domain.CriterionStore, sessions domain.SessionStore, redisClient *redis.Client, logger *logrus.Logger) (*prescreen.Engine, *metrics.Metrics, error) {
	var nl domain.NLService
	if cfg.NLService.Enabled {
		nl = external.NewResilientNLClient(external.NewOpenAIClient(cfg.NLService, logger), cfg.NLService, logger)
	} else {
		logger.Warn("NL service disabled; free-text answers the rules cannot settle go to review")
	}

	obs := metrics.New()
	extractor := service.NewEntityExtractor(nl, logger, cfg.NLService.ChatTimeout)

	engine, err := prescreen.NewEngine(prescreen.Dependencies{
		Criteria:   criteria,
		Sessions:   sessions,
		States:     cache.NewRedisStateStore(redisClient, cfg.Cache.StateTTL, logger),
		Locker:     cache.NewRedisTurnLock(redisClient, cfg.Cache.LockTTL, logger),
		Contact:    handoff.NewContactCollector(handoff.NewMemoryContactRecorder(), logger),
		FollowUps:  handoff.NewLogFollowUpSink(logger),
		Generator:  service.NewQuestionGenerator(logger, cfg.Cache.QuestionSetSize),
		Validator:  service.NewResponseValidator(logger, extractor),
		Judge:      service.NewCriterionJudge(logger, nl, cfg.NLService.ChatTimeout),
		Aggregator: service.NewEligibilityAggregator(logger, cfg.Prescreening.PotentialRatio),
		Observer:   obs,
	}, cfg.Prescreening, logger)
	if err != nil {
		return nil, nil, err
	}
	return engine, obs, nil
}
