package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	appchat "homematch/internal/app/chat"
	"homematch/internal/app/identity"
	domainchat "homematch/internal/domain/chat"
	domainuser "homematch/internal/domain/user"
	"homematch/internal/infra/broker/kafka"
	"homematch/internal/infra/config"
	mongodb "homematch/internal/infra/db/mongo"
	ginserver "homematch/internal/infra/http/gin"
	"homematch/internal/infra/obs"
	"homematch/internal/infra/storage/memory"
	"homematch/internal/infra/storage/scylla"
	"homematch/internal/realtime"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := getenv("APP_ENV", "dev")
	logger := obs.NewLogger(env)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	app, cleanup, err := buildApplication(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	if cfg.StorageMode == "memory" {
		fixturesPath := getenv("USER_FIXTURES", defaultUserFixturesPath())
		if err := loadUserFixtures(app.users, fixturesPath, logger); err != nil {
			logger.Warn("user fixtures load failed", "error", err, "path", fixturesPath)
		}
	}

	health := obs.NewHealthHandlers(app.ready, app.gateway.ConnectionCount)
	server := ginserver.NewServer(cfg, obs.Middleware{Logger: logger}, health, ginserver.Handlers{
		Chat:           ginserver.ChatHandler{Chats: app.chats, Logger: logger},
		WS:             app.gateway.HandleWS,
		AuthMiddleware: ginserver.AuthMiddleware{Verifier: app.verifier, Logger: logger}.Handle,
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := app.gateway.Shutdown(shutdownCtx); err != nil {
			logger.Error("gateway shutdown failed", "error", err)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	logger.Info("HTTP server starting", "addr", cfg.HTTPAddr, "storage", cfg.StorageMode)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("HTTP server stopped")
}

type application struct {
	chats    *appchat.Service
	verifier *identity.Verifier
	gateway  *realtime.Gateway
	users    userSeeder
	ready    func() error
}

type userSeeder interface {
	Put(usr domainuser.User)
}

type noopSeeder struct{}

func (noopSeeder) Put(domainuser.User) {}

func buildApplication(ctx context.Context, cfg config.Config, logger *slog.Logger) (application, func(), error) {
	var (
		store    domainchat.Store
		users    domainuser.Repository
		seeder   userSeeder = noopSeeder{}
		ready               = func() error { return nil }
		cleanups []func()
	)
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	switch cfg.StorageMode {
	case "scylla":
		client, err := mongodb.New(cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return application{}, cleanup, fmt.Errorf("mongo connect: %w", err)
		}
		cleanups = append(cleanups, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Close(closeCtx); err != nil {
				logger.Warn("mongo close failed", "error", err)
			}
		})
		if err := client.Ping(ctx); err != nil {
			return application{}, cleanup, fmt.Errorf("mongo ping: %w", err)
		}
		users = mongodb.NewUserRepository(client.DB)

		session, err := scylla.NewSession(cfg, logger)
		if err != nil {
			return application{}, cleanup, fmt.Errorf("scylla connect: %w", err)
		}
		cleanups = append(cleanups, session.Close)
		store = scylla.NewStore(session, logger)
		ready = func() error { return client.Ping(context.Background()) }
	default:
		memUsers := memory.NewUserRepository()
		users = memUsers
		seeder = memUsers
		store = memory.NewChatStore()
	}

	var events appchat.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, logger)
		if err != nil {
			return application{}, cleanup, fmt.Errorf("kafka connect: %w", err)
		}
		cleanups = append(cleanups, func() {
			if err := producer.Close(); err != nil {
				logger.Warn("kafka close failed", "error", err)
			}
		})
		events = producer
	} else {
		logger.Info("kafka disabled, chat events will not be published")
	}

	verifier := &identity.Verifier{
		Users:  users,
		Secret: []byte(cfg.JWTSecret),
		Leeway: cfg.JWTLeeway,
	}
	chats := &appchat.Service{
		Store:  store,
		Users:  users,
		Events: events,
		Topic:  cfg.KafkaTopic,
		Logger: logger,
	}
	gateway := realtime.NewGateway(verifier, chats, logger, realtime.Config{
		HandlerTimeout:   cfg.HandlerTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		SendBuffer:       cfg.SendBuffer,
	})

	return application{
		chats:    chats,
		verifier: verifier,
		gateway:  gateway,
		users:    seeder,
		ready:    ready,
	}, cleanup, nil
}

type userFixture struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Active    *bool  `json:"active"`
}

func loadUserFixtures(seeder userSeeder, path string, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("user fixtures file not found, skipping", "path", path)
			return nil
		}
		return fmt.Errorf("read fixtures: %w", err)
	}
	var fixtures []userFixture
	if err := json.Unmarshal(data, &fixtures); err != nil {
		return fmt.Errorf("decode fixtures: %w", err)
	}
	for _, fx := range fixtures {
		if fx.ID == "" {
			logger.Warn("user fixture missing id, skipping")
			continue
		}
		active := true
		if fx.Active != nil {
			active = *fx.Active
		}
		seeder.Put(domainuser.User{
			ID:        domainuser.ID(fx.ID),
			Email:     fx.Email,
			FirstName: fx.FirstName,
			LastName:  fx.LastName,
			Active:    active,
		})
		logger.Info("user fixture imported", "user_id", fx.ID)
	}
	return nil
}

func defaultUserFixturesPath() string {
	candidates := []string{
		filepath.Join("data", "users.json"),
		filepath.Join("..", "data", "users.json"),
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return candidates[0]
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
