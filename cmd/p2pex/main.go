package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Aidin1998/p2pex/internal/chain"
	"github.com/Aidin1998/p2pex/internal/config"
	"github.com/Aidin1998/p2pex/internal/database"
	"github.com/Aidin1998/p2pex/internal/ledger"
	"github.com/Aidin1998/p2pex/internal/market"
	"github.com/Aidin1998/p2pex/internal/server"
	"github.com/Aidin1998/p2pex/internal/wallet"
	"github.com/Aidin1998/p2pex/internal/wallet/events"
	"github.com/Aidin1998/p2pex/pkg/logger"
	"github.com/Aidin1998/p2pex/pkg/tracing"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	if err := run(cfg, zapLogger); err != nil {
		zapLogger.Fatal("p2pex stopped", zap.Error(err))
	}
	zapLogger.Info("p2pex stopped")
}

func run(cfg *config.Config, zapLogger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(tracing.Config{
		ServiceName: cfg.Tracing.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			zapLogger.Warn("Failed to flush spans", zap.Error(err))
		}
	}()

	db, err := database.Open(cfg.Database, zapLogger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close(db)

	if err := database.Migrate(db, slices.Concat(ledger.Models(), market.Models(), wallet.Models())...); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	books := ledger.NewLedger(db, zapLogger)
	sweeper := market.NewSweeper(db, zapLogger, cfg.Market.SweepInterval)
	marketSvc := market.NewService(db, zapLogger, books, sweeper, cfg.Market.TransactionExpiry)

	publisher := newEventPublisher(cfg.Events, zapLogger)
	defer publisher.Close()

	supervisor := wallet.NewSupervisor(zapLogger)

	var (
		deposits    server.DepositService
		withdrawals server.WithdrawalService
		resumers    []func(context.Context) (int, error)
	)
	if cfg.ChainEnabled() {
		client, err := chain.Dial(ctx, cfg.Chain, zapLogger)
		if err != nil {
			return fmt.Errorf("dial chain: %w", err)
		}

		repo := wallet.NewRepository(db, zapLogger)
		confirmer := wallet.NewConfirmer(client, wallet.NewConfirmerConfig(cfg.Chain), zapLogger)
		scaler := chain.NewScaler(cfg.Chain.UnitScaleExponent)

		reconciler := wallet.NewDepositReconciler(repo, books, client, confirmer, scaler, supervisor, publisher, zapLogger)
		deposits = reconciler
		resumers = append(resumers, reconciler.Resume)

		if cfg.Chain.PrivateKey != "" {
			processor := wallet.NewWithdrawalProcessor(repo, books, client, confirmer, scaler, supervisor, publisher, zapLogger)
			withdrawals = processor
			resumers = append(resumers, processor.Resume)
		} else {
			zapLogger.Warn("No signing key configured, withdrawals disabled")
		}
	} else {
		zapLogger.Warn("Chain settings incomplete, on-chain settlement disabled")
	}

	for _, resume := range resumers {
		if _, err := resume(ctx); err != nil {
			return fmt.Errorf("resume confirmations: %w", err)
		}
	}

	var limiter server.RateLimiter
	if cfg.Server.RateLimitRedis != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Server.RateLimitRedis})
		defer redisClient.Close()
		limiter = server.NewSlidingWindowLimiter(redisClient, cfg.Server.RateLimitRequests, cfg.Server.RateLimitWindow)
	}

	srv := server.NewServer(zapLogger, cfg.Server, marketSvc, deposits, withdrawals, limiter)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		if err := sweeper.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return sweeper.Stop(stopCtx)
	})
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return supervisor.Shutdown(stopCtx)
	})

	zapLogger.Info("p2pex started",
		zap.String("environment", cfg.Environment),
		zap.Bool("chain_enabled", cfg.ChainEnabled()),
		zap.Bool("withdrawals_enabled", withdrawals != nil))

	return g.Wait()
}

// newEventPublisher fans settlement events out to every configured sink.
func newEventPublisher(cfg config.EventsConfig, zapLogger *zap.Logger) *events.EventPublisher {
	var publishers []events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		publishers = append(publishers, events.NewKafkaPublisher(cfg.KafkaBrokers, zapLogger))
	}
	if cfg.RedisAddress != "" {
		publishers = append(publishers, events.NewRedisPublisher(cfg.RedisAddress, cfg.RedisStream, zapLogger))
	}
	return events.NewEventPublisher(publishers, cfg.KafkaTopic, zapLogger)
}
