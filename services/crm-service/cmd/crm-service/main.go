package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/KAMASDM/cryocrm/libs/config"
	"github.com/KAMASDM/cryocrm/libs/db"
	"github.com/KAMASDM/cryocrm/libs/httpx"
	"github.com/KAMASDM/cryocrm/libs/kafkax"
	otelx "github.com/KAMASDM/cryocrm/libs/otel"
	"github.com/KAMASDM/cryocrm/libs/redisx"
	"github.com/KAMASDM/cryocrm/libs/runtime"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/appointments"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/clock"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/dispatch"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/email"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/handlers"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/inbox"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/jobs"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/ledger"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/memstore"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/outbox"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/pricing"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/storage"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/templates"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/tracking"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		panic(err)
	}
	cfg, err := loadConfig()
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLoggerWithLevel(cfg.Service, cfg.LogLevel)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(cfg.Service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := runtime.ShutdownContext(ctx, 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	clk := clock.Real(cfg.Location)
	readyChecks := []runtime.ReadyCheck{}

	var (
		store    crmStore
		inboxRec tracking.Inbox
		pool     *db.Pool
	)
	switch cfg.Store {
	case "memory":
		mem := memstore.New()
		store, inboxRec = mem, mem
		logger.Warn("using in-memory store; data is lost on restart")
	default:
		pool, err = db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("db connection failed", "err", err)
			panic(err)
		}
		defer pool.Close()
		if err := storage.ApplyMigrations(ctx, pool); err != nil {
			logger.Error("db migration failed", "err", err)
			panic(err)
		}
		store, inboxRec = storage.New(pool), inbox.NewRepository(pool)
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})
	}

	if cfg.TemplatesFile != "" {
		catalog, err := templates.LoadCatalogFile(cfg.TemplatesFile, clk.Now())
		if err != nil {
			logger.Error("template catalog load failed", "err", err)
			panic(err)
		}
		for _, t := range catalog {
			if err := store.UpsertTemplate(ctx, t); err != nil {
				logger.Error("template seed failed", "template_id", t.ID, "err", err)
				panic(err)
			}
		}
		logger.Info("template catalog loaded", "file", cfg.TemplatesFile, "templates", len(catalog))
	}

	var locker jobs.Locker
	if cfg.RedisAddr != "" {
		rdb, err := redisx.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Error("redis connection failed", "err", err)
			panic(err)
		}
		defer func() { _ = rdb.Close() }()
		locker = redisx.NewLocker(rdb, cfg.Service)
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "redis", Check: redisx.ReadyCheck(rdb)})
	} else {
		logger.Warn("REDIS_ADDR not set; job locks are local to this process")
	}

	var sender email.Sender
	if cfg.SMTPHost != "" {
		sender = email.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom)
	} else {
		sender = email.NewLogSender(func(m email.Message) {
			logger.Info("email not sent (no SMTP_HOST)", "to", m.To, "subject", m.Subject)
		})
	}

	pricer := pricing.NewService(store, clk, logger)
	purchases := ledger.New(store, store, pricer, clk, logger)
	workflow := appointments.NewWorkflow(store, store, purchases, pricer, clk, logger)
	renderer := templates.NewService(store, nil)
	dispatcher := dispatch.New(store, renderer, sender, clk, logger, cfg.Dispatch)

	scheduler := jobs.NewScheduler(logger, locker, jobs.Config{Location: cfg.Location, LockTTL: cfg.JobLockTTL})
	for _, j := range jobs.DefaultJobs(dispatcher, purchases, cfg.Schedules) {
		if err := scheduler.Register(j); err != nil {
			logger.Error("job registration failed", "err", err)
			panic(err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if pool != nil {
		outboxRepo := outbox.NewRepository(pool)
		if err := scheduler.Register(jobs.Job{
			Name:     "outbox_purge",
			Schedule: cfg.OutboxPurgeSchedule,
			Run: func(ctx context.Context) ([]any, error) {
				n, err := outboxRepo.PurgePublished(ctx, clk.Now().Add(-cfg.OutboxRetention))
				return []any{"deleted", n}, err
			},
		}); err != nil {
			logger.Error("job registration failed", "err", err)
			panic(err)
		}
		publisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
			Brokers:   cfg.KafkaBrokers,
			PollEvery: 2 * time.Second,
			BatchSize: 50,
		})
		g.Go(func() error {
			publisher.Run(gctx)
			return nil
		})
	}

	g.Go(func() error { return scheduler.Run(gctx) })

	if cfg.KafkaBrokers != "" {
		consumer := tracking.NewConsumer(logger, inboxRec, tracking.Config{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.KafkaGroupID,
			Topics:  cfg.TrackingTopics,
		}, tracking.NewHandler(store, logger, clk.Now))
		g.Go(func() error {
			consumer.Run(gctx)
			return nil
		})
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(cfg.KafkaBrokers)})
	}

	readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "store", Check: store.Ping})
	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	handlers.NewCRMHandler(workflow, purchases, pricer, dispatcher, scheduler, clk, logger).Register(mux)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithRecover(logger),
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "crm")
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := runtime.ShutdownContext(gctx, 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "err", err)
		}
		logger.Info("http server stopped")
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("crm service stopped with error", "err", err)
	}
}

func splitTopics(raw string) []string {
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
