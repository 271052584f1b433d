package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"diagrid/api/internal/app"
	"diagrid/api/internal/authpw"
	"diagrid/api/internal/completion"
	"diagrid/api/internal/config"
	"diagrid/api/internal/history"
	"diagrid/api/internal/ledger"
	"diagrid/api/internal/renderer"
	"diagrid/api/internal/search"
	"diagrid/api/internal/session"
	"diagrid/api/internal/snapshot"
	"diagrid/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
		log.Fatalf("failed to create history dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	historyService := history.New(cfg.HistoryDir)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliAPIKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	searchService.ReindexAllFromPG(ctx)

	redisStore, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer redisStore.Close()

	redisLedger, err := ledger.NewRedisLedger(cfg.RedisURL, cfg.InitialCredits)
	if err != nil {
		log.Fatalf("credit ledger connection failed: %v", err)
	}
	defer redisLedger.Close()
	creditClient := ledger.NewClient(redisLedger, dataStore)

	var snapshotStore *snapshot.Store
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		snapshotStore, err = snapshot.New(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("object storage connection failed: %v", err)
		}
		if err := snapshotStore.EnsureBucket(ctx); err != nil {
			log.Printf("WARNING: snapshot bucket unavailable: %v", err)
			snapshotStore = nil
		}
	}

	chromeRenderer := renderer.NewChromeRenderer(cfg.MermaidScriptURL, cfg.RenderTimeout)
	defer chromeRenderer.Close()

	var completer *completion.AnthropicClient
	if strings.TrimSpace(cfg.AnthropicAPIKey) != "" {
		completer = completion.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	} else {
		log.Printf("WARNING: no Anthropic API key configured, fix requests disabled")
	}

	opts := app.Options{
		Config:   cfg,
		Store:    dataStore,
		AuthPW:   authpw.NewService(dataStore),
		Refresh:  redisStore,
		Ledger:   creditClient,
		History:  historyService,
		Search:   searchService,
		Renderer: chromeRenderer,
	}
	if snapshotStore != nil {
		opts.Snapshot = snapshotStore
	}
	if completer != nil {
		opts.Completer = completer
	}
	service := app.New(opts)
	defer service.Close()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Diagrid API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
