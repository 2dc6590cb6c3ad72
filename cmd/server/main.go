package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"chatcore/internal/config"
	"chatcore/internal/domain"
	"chatcore/internal/httpserver"
	"chatcore/internal/security"
	"chatcore/internal/service"
	"chatcore/internal/store/memory"
	"chatcore/internal/store/postgres"
	"chatcore/internal/store/sqlite"
	"chatcore/internal/ws"
)

type repositories struct {
	conversations domain.ConversationRepository
	participants  domain.ParticipantRepository
	messages      domain.MessageRepository
	calls         domain.CallRepository
}

func openStore(cfg *config.Config) (repositories, func(), error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.DBDriver {
	case "memory":
		mem := memory.New()
		return repositories{
			conversations: memory.NewConversationRepo(mem),
			participants:  memory.NewParticipantRepo(mem),
			messages:      memory.NewMessageRepo(mem),
			calls:         memory.NewCallRepo(mem),
		}, func() {}, nil

	case "sqlite":
		if db, err = sqlite.Open(cfg.SQLitePath); err != nil {
			return repositories{}, nil, err
		}
		if err = sqlite.Migrate(db); err != nil {
			db.Close()
			return repositories{}, nil, err
		}
		return repositories{
			conversations: sqlite.NewConversationRepo(db),
			participants:  sqlite.NewParticipantRepo(db),
			messages:      sqlite.NewMessageRepo(db),
			calls:         sqlite.NewCallRepo(db),
		}, func() { db.Close() }, nil

	default:
		if db, err = postgres.Open(cfg.DatabaseURL); err != nil {
			return repositories{}, nil, err
		}
		if err = postgres.Migrate(db); err != nil {
			db.Close()
			return repositories{}, nil, err
		}
		return repositories{
			conversations: postgres.NewConversationRepo(db),
			participants:  postgres.NewParticipantRepo(db),
			messages:      postgres.NewMessageRepo(db),
			calls:         postgres.NewCallRepo(db),
		}, func() { db.Close() }, nil
	}
}

// @title           chatcore API
// @version         1.0
// @description     Conversations, ordered message log, receipts and call signaling.

// @host            localhost:8000
// @BasePath        /api

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	repos, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("failed to open %s store: %v", cfg.DBDriver, err)
	}
	defer closeStore()

	tokenSvc := security.NewTokenService(cfg.JWTSecret, time.Duration(cfg.AccessTokenMinutes)*time.Minute)
	encryptor, err := security.NewEncryptor([]byte(cfg.EncryptKey), cfg.LegacyEncryptKeys)
	if err != nil {
		log.Fatalf("failed to initialize encryptor: %v", err)
	}

	ctx, cancelRelay := context.WithCancel(context.Background())
	defer cancelRelay()

	hub := ws.NewHub()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("invalid REDIS_URL: %v", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()

		relay := ws.NewRedisRelay(rdb, cfg.AppName+":events", hub)
		if err := relay.Start(ctx); err != nil {
			log.Fatalf("failed to start redis relay: %v", err)
		}
		hub.SetRelay(relay)
		log.Printf("relaying events through redis %s", opts.Addr)
	}

	locks := service.NewLockArena()
	notifier := service.LogNotifier{}
	convSvc := service.NewConversationService(repos.conversations, repos.participants, repos.messages, hub, locks, cfg.MaxGroupParticipants)
	msgSvc := service.NewMessageService(convSvc, repos.messages, encryptor, hub, notifier, locks, cfg.MaxFetchLimit)
	msgSvc.RejectPostsToArchived = cfg.RejectPostsToArchived
	callSvc := service.NewCallService(convSvc, repos.calls, msgSvc, hub, notifier, locks, cfg.RingTimeout, cfg.ConnectTimeout)
	defer callSvc.Stop()

	router := httpserver.NewRouter(cfg, httpserver.Services{
		Conversations: convSvc,
		Messages:      msgSvc,
		Calls:         callSvc,
		Hub:           hub,
		Tokens:        tokenSvc,
	})

	srv := &http.Server{
		Addr:        cfg.HTTPAddr(),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("Starting %s on %s (store: %s)\n", cfg.AppName, cfg.HTTPAddr(), cfg.DBDriver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
