package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"classattend/internal/api"
	"classattend/internal/attendance"
	"classattend/internal/cloudinary"
	"classattend/internal/config"
	"classattend/internal/face"
	"classattend/internal/faceclient"
	"classattend/internal/geofence"
	"classattend/internal/liveness"
	"classattend/internal/metrics"
	"classattend/internal/queue"
	"classattend/internal/session"
	"classattend/internal/store"
	"classattend/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("warning: .env not loaded: %v", err)
	}
	cfg := config.Load()

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

type backends struct {
	sessions  session.Store
	records   attendance.Repository
	templates face.TemplateStore
	db        *store.DB
}

func openBackends(ctx context.Context, cfg config.App) (backends, error) {
	if cfg.Memory() {
		log.Println("using in-memory stores; data is lost on restart")
		sessions := session.NewMemoryStore()
		return backends{
			sessions:  sessions,
			records:   attendance.NewMemoryRepository(sessions),
			templates: face.NewMemoryTemplates(),
		}, nil
	}
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		_ = db.Close()
		return backends{}, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return backends{}, err
	}
	return backends{
		sessions:  session.NewRepository(db.Client),
		records:   attendance.NewRepository(db.Client),
		templates: face.NewRepository(db.Client),
		db:        db,
	}, nil
}

func runHTTP(cfg config.App) error {
	ctx := context.Background()
	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = b.db.Close() }()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "attendance:jobs")
	}

	var claims attendance.Claimer
	if redisClient.Healthy(ctx) {
		claims = redisClient
	} else {
		log.Printf("warning: redis not reachable at %s, commit claims disabled", cfg.RedisAddr)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	detector := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	manager := session.NewManager(b.sessions, cfg.SessionTTL)
	recorder := attendance.NewRecorder(b.records, claims, cfg.CommitClaimTTL)
	matcher := face.NewMatcher(detector, faceConfig(cfg))
	pipeline := attendance.NewPipeline(
		manager,
		geofence.NewValidator(cfg.GeofenceToleranceMeters),
		liveness.NewDetector(detector, liveness.Config{
			OpenThreshold:   cfg.Liveness.OpenThreshold,
			ClosedThreshold: cfg.Liveness.ClosedThreshold,
			MaxFrames:       cfg.Liveness.MaxFrames,
			Interval:        cfg.Liveness.Interval,
			FrameTimeout:    cfg.Liveness.FrameTimeout,
			Budget:          cfg.Liveness.Budget,
		}),
		matcher,
		b.templates,
		recorder,
		m,
	)

	if cfg.QueueBackend == "memory" {
		// Nothing else can read an in-process queue.
		w := worker.New(q, face.NewRegistrar(matcher, b.templates), m)
		go func() { _ = w.Run(workerCtx) }()
	}

	deps := api.Deps{
		Sessions: manager,
		Pipeline: pipeline,
		Records:  recorder,
		Jobs:     q,
		Gatherer: reg,
		Health: func(ctx context.Context) map[string]bool {
			checks := map[string]bool{"face_service": detector.Health(ctx) == nil}
			if b.db != nil {
				checks["db"] = b.db.Client.PingContext(ctx) == nil
			}
			if cfg.QueueBackend != "memory" {
				checks["redis"] = redisClient.Healthy(ctx)
			}
			return checks
		},
	}
	if cfg.CloudinaryConfigured() {
		deps.Snapshots = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("Cloudinary configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("Cloudinary not configured; registration photos are queued inline")
	}

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.NewRouter(cfg, deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding verifications time to finish their commit
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

func faceConfig(cfg config.App) face.Config {
	return face.Config{
		Threshold:     cfg.Face.Threshold,
		FrameCount:    cfg.Face.FrameCount,
		MinMatches:    cfg.Face.MinMatches,
		FrameInterval: cfg.Face.FrameInterval,
		FrameTimeout:  cfg.Face.FrameTimeout,
		MinFaceSize:   cfg.Face.MinSize,
		EdgeMargin:    cfg.Face.EdgeMargin,
	}
}
