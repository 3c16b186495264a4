package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/LeventeLantos/bulk-dispatch/internal/api"
	"github.com/LeventeLantos/bulk-dispatch/internal/cache"
	"github.com/LeventeLantos/bulk-dispatch/internal/config"
	"github.com/LeventeLantos/bulk-dispatch/internal/engine"
	"github.com/LeventeLantos/bulk-dispatch/internal/jobs"
	"github.com/LeventeLantos/bulk-dispatch/internal/pool"
	"github.com/LeventeLantos/bulk-dispatch/internal/repo"
	"github.com/LeventeLantos/bulk-dispatch/internal/routes"
	"github.com/LeventeLantos/bulk-dispatch/internal/scheduler"
	"github.com/LeventeLantos/bulk-dispatch/internal/targets"
	"github.com/LeventeLantos/bulk-dispatch/internal/templates"
	"github.com/LeventeLantos/bulk-dispatch/internal/transport/webhook"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	db, err := sql.Open("pgx", cfg.Database.PostgresURL)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancelPing()
		log.Fatal(err)
	}
	cancelPing()

	jobRepo := repo.NewPostgresJobRepo(db)
	identityRepo := repo.NewPostgresIdentityRepo(db)
	routeRepo := repo.NewPostgresRouteRepo(db)
	recipientRepo := repo.NewPostgresRecipientRepo(db)
	templateRepo := repo.NewPostgresTemplateRepo(db)

	routeSvc := routes.NewService(routeRepo, cfg.Gateway.RouteTestURL)
	poolSvc := pool.NewService(identityRepo, routeSvc, webhook.NewDialer(cfg.Gateway.URL))
	targetSvc := targets.NewService(recipientRepo)
	templateSvc := templates.NewService(templateRepo)

	eng := engine.New(poolSvc, targetSvc, templateSvc, jobRepo, engine.Config{
		MessageDelayMin:     cfg.Dispatch.MessageDelayMin,
		MessageDelayMax:     cfg.Dispatch.MessageDelayMax,
		IdentitySwitchDelay: cfg.Dispatch.IdentitySwitchDelay,
		MessagesPerIdentity: cfg.Dispatch.MessagesPerIdentity,
	})
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		eng.WithReceipts(cache.NewRedisCache(rdb, cfg.Redis.TTL))
	}
	if cfg.Dispatch.SendRatePerSec > 0 {
		eng.WithLimiter(rate.NewLimiter(rate.Limit(cfg.Dispatch.SendRatePerSec), 1))
	}

	jobSvc := jobs.NewService(jobRepo, eng, cfg.Dispatch.MaxConcurrentJobs)

	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), 10*time.Second)
	if err := jobSvc.RecoverInterrupted(recoverCtx); err != nil {
		cancelRecover()
		log.Fatal(err)
	}
	cancelRecover()

	sched, err := scheduler.New(cfg.Scheduler.Interval, jobSvc.StartDue)
	if err != nil {
		log.Fatal(err)
	}
	sched.Start()

	h := api.NewHandler(sched, jobSvc, poolSvc, routeSvc, targetSvc, templateSvc, cfg.Dispatch.ReportDir)
	srv := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: loggingMiddleware(api.Router(h)),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	slog.Info("dispatch service started",
		"addr", cfg.Server.Address,
		"sched_interval", cfg.Scheduler.Interval.String(),
		"max_jobs", cfg.Dispatch.MaxConcurrentJobs,
		"redis", cfg.Redis.Enabled,
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	sched.Stop()
	// Running jobs park themselves as paused and persist their cursor.
	jobSvc.Shutdown()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "err", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
