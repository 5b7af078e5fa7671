package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/clinicops/reception/internal/api/router"
	"github.com/clinicops/reception/internal/clinic"
	appconfig "github.com/clinicops/reception/internal/config"
	"github.com/clinicops/reception/internal/document"
	"github.com/clinicops/reception/internal/http/handlers"
	"github.com/clinicops/reception/internal/observability/metrics"
	"github.com/clinicops/reception/internal/reception"
	"github.com/clinicops/reception/pkg/logging"
)

func main() {
	// Load .env if present (local development)
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting clinic reception API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx := context.Background()

	reg := prometheus.NewRegistry()
	receptionMetrics := metrics.NewReceptionMetrics(reg)

	// Clinical data gateway
	var gateway clinic.Gateway
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to create pgx pool", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			logger.Error("failed to ping database", "error", err)
			os.Exit(1)
		}
		gateway = clinic.NewPostgresGateway(pool)
		logger.Info("using postgres clinical data gateway")
	} else {
		gateway = seededMemoryGateway()
		logger.Warn("DATABASE_URL not set, using in-memory clinical data with dev fixtures")
	}

	// Process store
	var store reception.ProcessStore
	if cfg.RedisAddr != "" && !cfg.UseMemoryStore {
		opts := &redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		}
		if cfg.RedisTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Error("failed to ping redis", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		store = reception.NewRedisStore(client)
		logger.Info("using redis process store", "addr", cfg.RedisAddr)
	} else {
		store = reception.NewMemoryStore()
		logger.Warn("using in-memory process store, state will not survive a restart")
	}

	// Prescription artifact storage
	var storage document.Storage
	staticDir := ""
	if cfg.ArtifactBucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
		s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.AWSEndpointOverride != "" {
				o.BaseEndpoint = &cfg.AWSEndpointOverride
				o.UsePathStyle = true
			}
		})
		storage = document.NewS3Storage(s3Client, cfg.ArtifactBucket, cfg.PublicBaseURL)
		logger.Info("using S3 artifact storage", "bucket", cfg.ArtifactBucket)
	} else {
		fsStorage, err := document.NewFSStorage(cfg.ArtifactDir, cfg.PublicBaseURL)
		if err != nil {
			logger.Error("failed to init artifact dir", "error", err)
			os.Exit(1)
		}
		storage = fsStorage
		staticDir = cfg.ArtifactDir
		logger.Info("using filesystem artifact storage", "dir", cfg.ArtifactDir)
	}

	docs := document.NewRenderer(storage, logger)
	picker := clinic.NewDiagnosisPicker(gateway, nil, logger)

	host := reception.NewHost(gateway, docs, picker, store, logger,
		reception.WithConsultDelay(cfg.ConsultDelay),
		reception.WithQueueSettleDelay(cfg.QueueSettleDelay),
		reception.WithRetention(cfg.ProcessRetention),
		reception.WithMetrics(receptionMetrics),
	)

	resumed, err := host.Resume(ctx)
	if err != nil {
		logger.Error("failed to resume persisted processes", "error", err)
		os.Exit(1)
	}
	if resumed > 0 {
		logger.Info("resumed persisted processes", "count", resumed)
	}

	receptionHandler := handlers.NewReceptionHandler(host, logger, 0)

	r := router.New(&router.Config{
		Logger:             logger,
		Reception:          receptionHandler,
		MetricsHandler:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		CORSAllowedOrigins: []string{"*"},
		ArtifactDir:        staticDir,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Park every live process; persisted state resumes on next start.
	host.Close()
	logger.Info("server stopped")
}

// seededMemoryGateway provides local-development fixtures matching the demo
// clinic: two doctors with weekday windows and a small diagnosis catalog.
func seededMemoryGateway() *clinic.MemoryGateway {
	g := clinic.NewMemoryGateway()
	for _, day := range []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday"} {
		g.AddScheduleWindow(clinic.ScheduleWindow{
			DoctorID:   1,
			DoctorName: "Smith",
			DayOfWeek:  day,
			StartTime:  "09:00:00",
			EndTime:    "12:00:00",
		})
		g.AddScheduleWindow(clinic.ScheduleWindow{
			DoctorID:   2,
			DoctorName: "Patel",
			DayOfWeek:  day,
			StartTime:  "14:00:00",
			EndTime:    "17:00:00",
		})
	}
	g.AddPatient(clinic.PatientRecord{
		ID:      1,
		Name:    "Asha Verma",
		Phone:   "+91 98765 43210",
		Gender:  "female",
		Age:     "34",
		Address: "12 Lake Road",
	})
	g.SetCatalog([]clinic.DiagnosisEntry{
		{Diagnosis: "Seasonal Flu", Medicines: []string{"Paracetamol", "Antihistamine", "Rest"}},
		{Diagnosis: "Migraine", Medicines: []string{"Sumatriptan", "Ibuprofen"}},
		{Diagnosis: "Common Cold", Medicines: []string{"Decongestant", "Vitamin C", "Fluids"}},
	})
	return g
}
