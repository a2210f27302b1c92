package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"lead-qualifier/internal/archive"
	"lead-qualifier/internal/audit"
	"lead-qualifier/internal/auth"
	"lead-qualifier/internal/calls"
	"lead-qualifier/internal/classifier"
	"lead-qualifier/internal/config"
	"lead-qualifier/internal/dispatch"
	"lead-qualifier/internal/feed"
	"lead-qualifier/internal/metrics"
	"lead-qualifier/internal/orchestrator"
	"lead-qualifier/internal/rbac"
	"lead-qualifier/internal/reporting"
	"lead-qualifier/internal/routing"
	"lead-qualifier/internal/scheduler"
	"lead-qualifier/internal/speech"
	"lead-qualifier/internal/telephony"
	"lead-qualifier/pkg/logger"
	"lead-qualifier/pkg/utils"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := build(rootCtx, cfg, log)
	if err != nil {
		log.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.close()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(a.metrics.Middleware())
	registerRoutes(r, cfg, a)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening",
			"addr", srv.Addr,
			"env", cfg.App.Env,
			"store", cfg.Store.Backend,
			"transport", cfg.Twilio.Transport,
			"archive", cfg.Archive.Backend,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}

// app holds everything the routes need.
type app struct {
	dispatcher *dispatch.Dispatcher
	repo       calls.Repository
	audit      *audit.Service
	reports    *reporting.Service
	auth       *auth.Manager
	operators  *auth.Directory
	metrics    *metrics.Metrics
	hub        *feed.Hub
	callbacks  telephony.Callbacks
	renderer   telephony.Renderer

	// Optional; /healthz pings whichever are set.
	db  *sql.DB
	rdb *redis.Client

	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	var err error
	if a.auth, err = auth.NewManager(cfg.Auth); err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	if a.operators, err = auth.ParseOperators(cfg.Auth.Operators, rbac.IsKnownRole); err != nil {
		return nil, fmt.Errorf("operators: %w", err)
	}
	if len(a.operators.IDs()) == 0 {
		log.Warn("no operator accounts configured; the operator API cannot be logged into")
	}

	var db *sql.DB
	if cfg.NeedsPostgres() {
		db, err = utils.OpenPostgres(ctx, cfg.PostgresDSN(), utils.PostgresPool{
			MaxOpenConns:    cfg.DB.MaxOpenConns,
			MaxIdleConns:    cfg.DB.MaxIdleConns,
			ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		a.db = db
		a.closers = append(a.closers, func() { _ = db.Close() })
	}

	var rdb *redis.Client
	if cfg.Redis.Host != "" {
		rdb, err = utils.OpenRedis(ctx, utils.RedisConfig{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.closers = append(a.closers, func() { _ = rdb.Close() })
	}

	switch cfg.Store.Backend {
	case "postgres":
		a.repo = calls.NewPostgresRepo(db)
	case "redis":
		a.repo = calls.NewRedisRepo(rdb, cfg.Store.SessionTTL)
	default:
		a.repo = calls.NewMemoryRepo()
	}

	if db != nil {
		a.audit = audit.NewService(audit.NewPostgresRepo(db))
	} else {
		a.audit = audit.NewService(audit.NewMemoryRepo())
	}
	a.reports = reporting.NewService(a.repo)
	a.metrics = metrics.New("lead-qualifier")
	a.hub = feed.NewHub(log, feed.Options{})
	a.closers = append(a.closers, a.hub.Close)

	orch, err := orchestrator.New(cfg.Policy())
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	var cls classifier.Provider = classifier.NewKeywordClassifier()
	if cfg.Classifier.URL != "" {
		cls = classifier.NewHTTPClassifier(cfg.Classifier.URL, cfg.Classifier.APIKey, cfg.Classifier.Timeout)
	}
	var sch scheduler.Provider = scheduler.NewMemoryScheduler(cfg.Scheduler.Unavailable...)
	if cfg.Scheduler.URL != "" {
		sch = scheduler.NewHTTPScheduler(cfg.Scheduler.URL, cfg.Scheduler.APIKey, cfg.Scheduler.Timeout)
	}

	var callerIDs dispatch.CallerIDPicker
	if cfg.Twilio.FromNumbers != "" {
		nums, err := routing.ParseWeightedNumbers(cfg.Twilio.FromNumbers)
		if err != nil {
			return nil, fmt.Errorf("caller ids: %w", err)
		}
		pool, err := routing.NewCallerIDPool(nums, rand.New(rand.NewSource(time.Now().UnixNano())))
		if err != nil {
			return nil, fmt.Errorf("caller ids: %w", err)
		}
		callerIDs = pool
	}

	a.callbacks = telephony.NewCallbacks(cfg.App.PublicBaseURL)
	a.renderer = telephony.Renderer{Voice: cfg.Twilio.Voice, Language: cfg.Twilio.Language}
	var transport dispatch.Transport
	switch cfg.Twilio.Transport {
	case "twilio":
		client, err := telephony.NewTwilioClient(telephony.TwilioConfig{
			AccountSID: cfg.Twilio.AccountSID,
			AuthToken:  cfg.Twilio.AuthToken,
			BaseURL:    cfg.Twilio.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("twilio: %w", err)
		}
		tt := telephony.NewTwilioTransport(client, a.callbacks, a.renderer)
		tt.RingTimeout = cfg.Twilio.RingTimeout
		tt.MachineDetection = cfg.Twilio.MachineDetection
		if callerIDs == nil {
			log.Warn("TWILIO_FROM_NUMBERS is empty; outbound calls need an explicit from number")
		}
		transport = tt
	default:
		transport = telephony.NewLoopbackTransport()
	}

	var archiver dispatch.Archiver
	switch cfg.Archive.Backend {
	case "postgres":
		archiver = archive.NewPostgresArchiver(db)
	case "minio":
		client, err := archive.NewMinioClient(archive.MinioConfig{
			Endpoint:  cfg.Archive.MinioEndpoint,
			AccessKey: cfg.Archive.MinioAccessKey,
			SecretKey: cfg.Archive.MinioSecretKey,
			UseSSL:    cfg.Archive.MinioUseSSL,
		})
		if err != nil {
			return nil, err
		}
		if archiver, err = archive.NewMinioArchiver(ctx, client, cfg.Archive.MinioBucket); err != nil {
			return nil, err
		}
	}

	deps := dispatch.Deps{
		Repo:            a.repo,
		Orchestrator:    orch,
		Speech:          speech.NewGatherProvider(cfg.Call.MinConfidence),
		Classifier:      cls,
		Scheduler:       sch,
		Transport:       transport,
		CallerIDs:       callerIDs,
		Archiver:        archiver,
		Observers:       []dispatch.Observer{a.audit, a.metrics, a.hub},
		Instrumentation: a.metrics,
		Log:             log,
	}
	deps.DialLimiter = dispatch.NewMemoryDialLimiter(cfg.Call.MaxConcurrentDials)
	if rdb != nil {
		deps.Locker = dispatch.NewRedisLocker(rdb, cfg.Redis.LockTTL)
		// An unlimited cap needs no shared counter.
		if cfg.Call.MaxConcurrentDials > 0 {
			deps.DialLimiter = dispatch.NewRedisDialLimiter(rdb, cfg.Call.MaxConcurrentDials, time.Hour)
		}
	}
	if a.dispatcher, err = dispatch.New(deps); err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}
	a.closers = append(a.closers, a.dispatcher.Close)

	ok = true
	return a, nil
}
