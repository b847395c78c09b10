package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	stdhttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/capsule/adapters/clock"
	"github.com/layer-3/capsule/adapters/events"
	"github.com/layer-3/capsule/adapters/signature"
	"github.com/layer-3/capsule/adapters/store"
	"github.com/layer-3/capsule/adapters/store/sqlite"
	"github.com/layer-3/capsule/adapters/tokenizer"
	"github.com/layer-3/capsule/config"
	"github.com/layer-3/capsule/ports"
	"github.com/layer-3/capsule/service"
	"github.com/layer-3/capsule/transport/http"
	"github.com/redis/go-redis/v9"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("Invalid configuration: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Printf("capsule: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := watermill.NewStdLogger(cfg.Debug, cfg.Trace)
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	clk := clock.NewSystem()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	db, err := sqlite.Open(ctx, cfg.SQLitePath)
	if err != nil {
		return err
	}
	defer db.Close()

	var redisClient *redis.Client
	if cfg.NeedsRedis() {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		err = redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
	}

	var codeStore ports.CodeStore
	switch cfg.CodeStore {
	case config.BackendRedis:
		codeStore = store.NewRedisStore(redisClient)
	case config.BackendMemory:
		codeStore = store.NewMemoryStore()
	default:
		codeStore = db
	}

	// Wallet events go to Redis streams; in log mode they stay in process
	var publisher message.Publisher
	if cfg.LogNotifications {
		publisher = gochannel.NewGoChannel(gochannel.Config{}, logger)
	} else {
		publisher, err = redisstream.NewPublisher(
			redisstream.PublisherConfig{
				Client: redisClient,
			},
			logger,
		)
		if err != nil {
			return fmt.Errorf("failed to create Redis publisher: %w", err)
		}
	}
	defer publisher.Close()

	eventPub := events.NewWatermillPublisher(publisher, cfg.EventsTopicPrefix, clk, logger)
	var notifier ports.Notifier = eventPub
	if cfg.LogNotifications {
		notifier = events.NewLogNotifier(logger)
	}

	jwtTokenizer, err := tokenizer.NewJWTTokenizer([]byte(cfg.JWTSecret), clk)
	if err != nil {
		return err
	}
	tokens, err := service.NewTokenManager(jwtTokenizer, clk, cfg.AccessTTL, cfg.RefreshTTL,
		service.WithClaimsSource(service.UserClaimsSource(db)))
	if err != nil {
		return err
	}

	verification, err := service.NewVerificationService(codeStore, notifier, clk, service.VerificationConfig{
		CodeTTL:    cfg.CodeTTL,
		Cooldown:   cfg.CodeCooldown,
		DailyCap:   cfg.CodeDailyCap,
		CodeLength: cfg.CodeLength,
		Location:   loc,
	}, logger)
	if err != nil {
		return err
	}

	authService := service.NewAuthService(db, tokens, verification, clk, logger)
	walletService := service.NewWalletService(db, db, signature.NewEthVerifier(), verification, eventPub, clk,
		cfg.WalletMessageNamesUser, logger)

	health := func(ctx context.Context) error {
		if err := db.Ping(ctx); err != nil {
			return err
		}
		if redisClient != nil {
			return redisClient.Ping(ctx).Err()
		}
		return nil
	}

	// Setup Gin router
	router := http.SetupRouter(http.Dependencies{
		Auth:         authService,
		Tokens:       tokens,
		Verification: verification,
		Wallets:      walletService,
		Health:       health,
		StoreTimeout: cfg.StoreTimeout,
		Logger:       logger,
	})

	server := &stdhttp.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", watermill.LogFields{"addr": cfg.HTTPAddr, "code_store": cfg.CodeStore})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
