package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/pickup-sports/matchchat/internal/chat"
	"github.com/pickup-sports/matchchat/internal/config"
	"github.com/pickup-sports/matchchat/internal/db"
	"github.com/pickup-sports/matchchat/internal/event"
	"github.com/pickup-sports/matchchat/internal/logger"
	myMiddleware "github.com/pickup-sports/matchchat/internal/middleware"
	"github.com/pickup-sports/matchchat/internal/user"
)

func main() {
	// 1. Config & Flags
	envFile := flag.String("env", ".env", "optional dotenv file")
	addr := flag.String("addr", "", "http service address (overrides ADDR)")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logger.Default().Error("loading config", "err", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	log := logger.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err := cfg.ValidateServer(); err != nil {
		log.Error("invalid config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Database (Platform Layer)
	database, err := db.NewDatabase(cfg.DB)
	if err != nil {
		log.Error("failed to connect to postgres", "err", err)
		os.Exit(1)
	}
	defer database.Close()
	log.Info("connected to postgres")

	if err := database.AutoMigrate(ctx); err != nil {
		log.Error("migration failed", "err", err)
		os.Exit(1)
	}
	log.Info("database schema initialized")

	// 3. Connect to Redis (Platform Layer)
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Error("failed to connect to redis", "err", err)
		os.Exit(1)
	}
	log.Info("connected to redis", "addr", cfg.Redis.Addr)

	// 4. Identity and events
	userService := user.NewService(user.NewRepository(database.Conn), cfg.JWT.Secret, cfg.JWT.TTL, log.With("component", "user"))
	userHandler := user.NewHandler(userService)

	eventService := event.NewService(event.NewRepository(database.Conn))
	eventHandler := event.NewHandler(eventService)

	// 5. Chat: hub for the push channel, service for REST and ws frames
	hub := chat.NewHub(redisClient, log.With("component", "hub"))
	go hub.Run(ctx)
	go func() {
		if err := hub.SubscribeToRedis(ctx, nil); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("redis subscription ended", "err", err)
		}
	}()

	chatService := chat.NewService(chat.NewRepository(database.Conn), eventService, hub, log.With("component", "chat"))
	chatHandler := chat.NewHandler(hub, chatService, log.With("component", "ws"))

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)
	sendLimiter := myMiddleware.NewLimiterStore(cfg.Chat.SendRatePerMinute, cfg.Chat.SendBurst, time.Minute)
	defer sendLimiter.Stop()

	// 6. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/me", userHandler.Me)
		r.Get("/api/users/search", userHandler.SearchUsers)
		eventHandler.Routes(r)
		chatHandler.Routes(r, sendLimiter.PerUser)
	})

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("server starting", "addr", cfg.Server.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server stopped", "err", err)
		os.Exit(1)
	}
}
