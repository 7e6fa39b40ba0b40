package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"aicsl/realtime/internal/agent"
	"aicsl/realtime/internal/bridge"
	"aicsl/realtime/internal/chat"
	"aicsl/realtime/internal/config"
	"aicsl/realtime/internal/hub"
	"aicsl/realtime/internal/room"
	"aicsl/realtime/internal/search"
	"aicsl/realtime/internal/session"
	"aicsl/realtime/internal/snapshot"
	"aicsl/realtime/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	dataStore := store.NewPostgresStore(db)

	redisStore, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Error("redis connection failed", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, dataStore, log)

	var assistant agent.Streamer
	if strings.TrimSpace(cfg.AgentAPIKey) != "" {
		assistant = agent.New(cfg.AgentBaseURL, cfg.AgentAPIKey, cfg.AgentModel, log)
	} else {
		log.Info("assistant disabled, no agent api key configured")
	}

	snapshots := snapshot.New(dataStore, log, cfg.SnapshotDebounce)
	docBridge := bridge.New(snapshots, log)
	guard := room.NewGuard(dataStore, log)

	h := hub.New([]byte(cfg.JWTSecret), dataStore, redisStore, guard, docBridge, log)
	chatService := chat.New(dataStore, h, searchService, assistant, cfg.AssistantName, cfg.AssistantKeywords, log)
	h.RegisterModule("chat", chatService)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(cfg.CORSOrigin))

	r.Get("/api/health", func(w http.ResponseWriter, req *http.Request) {
		if err := dataStore.Ping(req.Context()); err != nil {
			http.Error(w, "degraded", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/ws", h.ServeEventChannel)
	r.Get("/collab/{room}", h.ServeDurableChannel(docBridge))

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("realtime service listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	// Pending snapshot writes must land before the process exits.
	docBridge.Shutdown(shutdownCtx)
}

func corsMiddleware(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
