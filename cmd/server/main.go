package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"

	"github.com/Craig-0219/potato-sub004/actions"
	"github.com/Craig-0219/potato-sub004/automation"
	"github.com/Craig-0219/potato-sub004/internal/config"
	"github.com/Craig-0219/potato-sub004/internal/logger"
)

// Server exposes the rule authoring and event ingestion surface over HTTP.
type Server struct {
	engine *automation.Engine
	db     *sql.DB // nil when running on the in-memory store
	router *chi.Mux
	log    *slog.Logger
}

// NewServer assembles the engine and its HTTP surface from configuration.
func NewServer(cfg *config.Config, log *slog.Logger) (*Server, error) {
	var db *sql.DB
	var store automation.RuleStore

	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("ping database: %w", err)
		}
		store = automation.NewPostgresRuleStore(db)
		log.Info("using postgres rule store")
	} else {
		store = automation.NewInMemoryRuleStore()
		log.Info("using in-memory rule store")
	}

	// Builtin handlers. Chat-platform handlers (send_message, assign_role,
	// ...) are registered by the embedding process that owns the platform
	// client.
	registry := automation.NewHandlerRegistry()
	registry.Register(automation.ActionSendWebhook, actions.NewWebhookHandler(cfg.WebhookTimeout))

	engineCfg := automation.DefaultEngineConfig()
	engineCfg.RetentionKeep = cfg.RetentionKeep
	engineCfg.RetentionEvery = cfg.RetentionEvery

	engine, err := automation.NewEngine(store, registry, log, engineCfg)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	s := &Server{engine: engine, db: db, log: log}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Post("/api/v1/events", s.handleIngestEvent)
	r.Post("/api/v1/webhooks/{scopeID}", s.handleWebhook)

	r.Route("/api/v1/scopes/{scopeID}/rules", func(r chi.Router) {
		r.Post("/", s.handleCreateRule)
		r.Get("/", s.handleListRules)

		r.Route("/{ruleID}", func(r chi.Router) {
			r.Get("/", s.handleGetRule)
			r.Put("/", s.handleUpdateRule)
			r.Delete("/", s.handleDeleteRule)
			r.Post("/status", s.handleUpdateStatus)
			r.Get("/stats", s.handleRuleStats)
			r.Get("/audit", s.handleRuleAudit)
		})
	})

	s.router = r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func main() {
	ctx := context.Background()

	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.Init(ctx)
	if level, err := logger.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	server, err := NewServer(cfg, log)
	if err != nil {
		log.Error("server setup failed", "err", err)
		os.Exit(1)
	}
	if server.db != nil {
		defer server.db.Close()
	}

	engineCtx, engineCancel := context.WithCancel(ctx)
	defer engineCancel()
	if err := server.engine.Start(engineCtx); err != nil {
		log.Error("engine start failed", "err", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownGrace)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "err", err)
	}
	server.engine.Stop()
	if err := logger.Shutdown(shutdownCtx); err != nil {
		log.Error("logger shutdown", "err", err)
	}
	log.Info("stopped")
}
