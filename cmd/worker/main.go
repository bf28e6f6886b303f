package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classattend/internal/config"
	"classattend/internal/face"
	"classattend/internal/faceclient"
	"classattend/internal/metrics"
	"classattend/internal/queue"
	"classattend/internal/store"
	"classattend/internal/worker"
)

// Worker consumes face registration jobs, calls the face service, and stores templates.
func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("warning: .env not loaded: %v", err)
	}
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("worker failed: %v", err)
	}
}

func run(ctx context.Context, cfg config.App) error {
	if cfg.Memory() || cfg.QueueBackend == "memory" {
		return errors.New("worker needs the postgres store and the redis queue; in-memory backends run inside the api process")
	}

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("db connect failed: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("db migrate failed: %w", err)
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	q := queue.NewRedisQueue(redisClient.Client, "attendance:jobs")

	detector := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	if !cfg.FaceSkip {
		if err := detector.Health(ctx); err != nil {
			log.Printf("WARNING: Face service not available: %v", err)
			log.Println("Worker will retry face processing when jobs arrive")
		} else {
			log.Println("Face service connected")
		}
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics listener stopped: %v", err)
		}
	}()
	defer metricsSrv.Close()

	matcher := face.NewMatcher(detector, face.Config{
		MinFaceSize: cfg.Face.MinSize,
		EdgeMargin:  cfg.Face.EdgeMargin,
	})
	w := worker.New(q, face.NewRegistrar(matcher, face.NewRepository(db.Client)), m)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
