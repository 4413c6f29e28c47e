package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/photopd/photopd/internal/access"
	"github.com/photopd/photopd/internal/database"
	"github.com/photopd/photopd/internal/logging"
	"github.com/photopd/photopd/internal/mirror"
	"github.com/photopd/photopd/internal/policy"
	"github.com/photopd/photopd/internal/policyfile"
	"github.com/photopd/photopd/internal/pool"
	"github.com/photopd/photopd/internal/provider"
	_ "github.com/photopd/photopd/internal/provider/localdir"
	"github.com/photopd/photopd/internal/server"
	"github.com/photopd/photopd/internal/session"
	"github.com/photopd/photopd/internal/store"
	"github.com/photopd/photopd/internal/transport"
	"github.com/photopd/photopd/internal/worker"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func main() {
	logger := logging.Setup(envOr("PHOTOPD_LOG_LEVEL", "info"))

	port := envOr("PHOTOPD_PORT", "8080")
	dbPath := envOr("PHOTOPD_DB_PATH", "photopd.db")
	policyDir := envOr("PHOTOPD_POLICY_DIR", "policies")
	secretPath := envOr("PHOTOPD_SECRET_HASH_PATH", "photopd.secret")
	driverName := envOr("PHOTOPD_PROVIDER", "localdir")

	dialer, err := provider.Lookup(driverName)
	if err != nil {
		log.Fatalf("provider driver: %v", err)
	}

	db, err := database.Open(dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	files, err := policyfile.NewStore(policyDir)
	if err != nil {
		log.Fatalf("policy store: %v", err)
	}

	guard, err := access.Load(secretPath)
	if err != nil {
		log.Fatalf("access secret: %v", err)
	}
	if secret := os.Getenv("PHOTOPD_SET_SECRET"); secret != "" {
		if err := guard.SetSecret(secret); err != nil {
			log.Fatalf("set access secret: %v", err)
		}
		logger.Info("server access secret updated")
	}

	workers := worker.New(envInt("PHOTOPD_WORKERS", 4),
		float64(envInt("PHOTOPD_RATE_LIMIT", 0)))
	defer workers.Close()

	deps := policy.Deps{
		Dialer:  dialer,
		Pool:    pool.New(),
		Workers: workers,
	}
	registry := session.NewRegistry(logger, files, deps, session.Config{
		MaxConnections: envInt("PHOTOPD_MAX_CONNS", 10),
		RetainSessions: os.Getenv("PHOTOPD_RETAIN_SESSIONS") == "true",
	})

	hub := transport.NewHub(logger)
	srv := server.New(logger, hub, registry, store.NewRunStore(db), guard, server.Config{
		HistoryRetention: time.Duration(envInt("PHOTOPD_HISTORY_DAYS", 90)) * 24 * time.Hour,
		Mirror: mirror.Config{
			Endpoint:  os.Getenv("PHOTOPD_S3_ENDPOINT"),
			Bucket:    os.Getenv("PHOTOPD_S3_BUCKET"),
			Region:    envOr("PHOTOPD_S3_REGION", "auto"),
			AccessKey: os.Getenv("PHOTOPD_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("PHOTOPD_S3_SECRET_KEY"),
		},
	})

	schedCtx, stopSched := context.WithCancel(context.Background())
	defer stopSched()
	go srv.RunScheduler(schedCtx)

	// No write timeout: websocket connections and archive streams stay
	// open for hours.
	httpServer := &http.Server{
		Addr:        ":" + port,
		Handler:     srv.Router(),
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		fmt.Printf("photopd running at http://localhost:%s\n", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	fmt.Println("\nShutting down...")
	stopSched()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}
}
