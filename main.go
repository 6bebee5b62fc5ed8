package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"minifarm-monitor/internal/actuation"
	actuationrepo "minifarm-monitor/internal/actuation/infrastructure/postgres"
	apihttp "minifarm-monitor/internal/api/http"
	"minifarm-monitor/internal/audit"
	"minifarm-monitor/internal/auth"
	"minifarm-monitor/internal/config"
	devices "minifarm-monitor/internal/devices/domain"
	devicesmemory "minifarm-monitor/internal/devices/infrastructure/memory"
	devicesrepo "minifarm-monitor/internal/devices/infrastructure/postgres"
	"minifarm-monitor/internal/eventbus"
	"minifarm-monitor/internal/monitor"
	"minifarm-monitor/internal/mqttadapter"
	"minifarm-monitor/internal/notify"
	"minifarm-monitor/internal/observability/metrics"
	"minifarm-monitor/internal/onem2m"
	resourcesapp "minifarm-monitor/internal/resources/application"
	resources "minifarm-monitor/internal/resources/domain"
	resourcesmemory "minifarm-monitor/internal/resources/infrastructure/memory"
	resourcesrepo "minifarm-monitor/internal/resources/infrastructure/postgres"
	samplesrepo "minifarm-monitor/internal/samples/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	startupTimeout  = 15 * time.Second
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("db open error: %v", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			logger.Fatalf("db ping error: %v", err)
		}
	} else {
		logger.Printf("DATABASE_URL not set; definitions and devices are kept in memory")
	}
	metrics.Init(db, logger)

	var (
		deviceRepo     devices.Repository
		definitionRepo resources.DefinitionRepository
	)
	if db != nil {
		deviceRepo = devicesrepo.NewRepository(db)
		definitionRepo = resourcesrepo.NewDefinitionRepository(db)
	} else {
		deviceRepo = devicesmemory.NewRepository()
		definitionRepo = resourcesmemory.NewDefinitionRepository()
	}

	client, err := onem2m.NewClient(cfg.Registry.BaseURL, cfg.Registry.CSE,
		onem2m.WithOrigin(cfg.Registry.Origin),
		onem2m.WithRVI(cfg.Registry.RVI),
		onem2m.WithHTTPClient(&http.Client{Timeout: cfg.Registry.Timeout}),
	)
	if err != nil {
		logger.Fatalf("onem2m client error: %v", err)
	}

	alerts := monitor.NewAlertBoard()
	schedulerOpts := []monitor.Option{
		monitor.WithLogger(logger),
		monitor.WithSensorIntervals(cfg.Monitor.SensorIntervals),
		monitor.WithActuatorInterval(cfg.Monitor.ActuatorInterval),
		monitor.WithInferenceInterval(cfg.Monitor.InferenceInterval),
		monitor.WithRefreshLimit(cfg.Monitor.RefreshLimit),
	}
	var sampleRepo *samplesrepo.SampleRepository
	if db != nil {
		sampleRepo = samplesrepo.NewSampleRepository(db)
		schedulerOpts = append(schedulerOpts, monitor.WithSampleRecorder(sampleRepo))
	}
	if cfg.Alerts.WebhookURL != "" {
		notifier, err := buildAlertNotifier(cfg.Alerts, alerts, logger)
		if err != nil {
			logger.Fatalf("alert notifier error: %v", err)
		}
		defer notifier.Close()
		schedulerOpts = append(schedulerOpts, monitor.WithAlertNotifier(notifier))
	}
	scheduler, err := monitor.NewScheduler(
		client,
		client.ContainerPath,
		monitor.NewLiveCache(),
		monitor.NewHistoryManager(cfg.Monitor.HistoryWindow),
		alerts,
		schedulerOpts...,
	)
	if err != nil {
		logger.Fatalf("scheduler error: %v", err)
	}
	defer scheduler.StopAll()

	var commandRepo *actuationrepo.CommandRepository
	var commandLog actuation.CommandLog
	if db != nil {
		commandRepo = actuationrepo.NewCommandRepository(db)
		commandLog = commandRepo
		// Commands left in flight by a previous process never resolve.
		if n, err := commandRepo.MarkTimeoutBefore(ctx, time.Now().UTC()); err != nil {
			logger.Printf("command log cleanup error: %v", err)
		} else if n > 0 {
			logger.Printf("marked %d stale commands as timed out", n)
		}
	}
	tracker := actuation.NewTracker(commandLog, logger)

	bus := eventbus.NewInMemoryBus()
	var (
		commander  actuation.Commander
		subscriber resourcesapp.Subscriber
		mqttClient *mqttadapter.Client
	)
	if cfg.MQTTEnabled() {
		mqttClient, err = mqttadapter.NewClient(cfg.MQTT, bus, logger)
		if err != nil {
			logger.Fatalf("mqtt client error: %v", err)
		}
		connectCtx, cancel := context.WithTimeout(ctx, startupTimeout)
		err = mqttClient.Connect(connectCtx)
		cancel()
		if err != nil {
			logger.Fatalf("mqtt connect error: %v", err)
		}
		defer mqttClient.Close()
		eventbus.On(bus, scheduler.HandleNotification)
	}
	switch cfg.Actuation.Mode {
	case config.ModeMQTT:
		async, err := actuation.NewAsyncCoordinator(mqttClient, client.ContainerPath, tracker, scheduler, logger)
		if err != nil {
			logger.Fatalf("async coordinator error: %v", err)
		}
		eventbus.On(bus, async.HandleResponse)
		go expirePending(ctx, async, cfg.Actuation.PendingTimeout, logger)
		commander = async
		subscriber = async
	default:
		syncCoord, err := actuation.NewSyncCoordinator(client, client.ContainerPath, tracker, scheduler,
			actuation.WithTimeout(cfg.Actuation.Timeout),
			actuation.WithPollInterval(cfg.Actuation.PollInterval),
			actuation.WithSyncLogger(logger),
		)
		if err != nil {
			logger.Fatalf("sync coordinator error: %v", err)
		}
		commander = syncCoord
	}
	commander = actuation.NewGuard(commander, scheduler)

	fetcher, err := resourcesapp.NewFetcher(client, client.CategoryPath, cfg.Monitor.SensorIntervals, logger)
	if err != nil {
		logger.Fatalf("fetcher error: %v", err)
	}
	store, err := resourcesapp.NewDefinitionStore(definitionRepo)
	if err != nil {
		logger.Fatalf("definition store error: %v", err)
	}
	reconciler, err := resourcesapp.NewReconciler(fetcher, store, scheduler, subscriber, logger)
	if err != nil {
		logger.Fatalf("reconciler error: %v", err)
	}

	serverOpts := []apihttp.Option{
		apihttp.WithLogger(logger),
		apihttp.WithBackfillPoints(cfg.Monitor.BackfillPoints),
	}
	if db != nil {
		serverOpts = append(serverOpts,
			apihttp.WithCommandHistory(commandRepo),
			apihttp.WithSampleHistory(sampleRepo),
			apihttp.WithAuditLogger(audit.NewRepository(db)),
		)
		if cfg.SampleRetention > 0 {
			go pruneSamples(ctx, sampleRepo, cfg.SampleRetention, logger)
		}
	}
	api, err := apihttp.NewServer(deviceRepo, client, reconciler, store, scheduler, commander, tracker, serverOpts...)
	if err != nil {
		logger.Fatalf("api server error: %v", err)
	}

	startDevices(ctx, deviceRepo, reconciler, cfg.Devices, logger)

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)
	if cfg.JWTSecret == "" {
		logger.Printf("AUTH_JWT_SECRET not set; API is unauthenticated")
	}

	mux := http.NewServeMux()
	api.Routes(mux)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if mqttClient != nil && !mqttClient.Connected() {
			http.Error(w, "mqtt disconnected", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Printf("http shutdown error: %v", err)
		}
	}()
	logger.Printf("http listening on %s (actuation=%s)", cfg.HTTPAddr, commander.Mode())
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("http server error: %v", err)
	}
	logger.Printf("shutting down")
}

func buildAlertNotifier(cfg config.AlertConfig, pending notify.PendingReader, logger *log.Logger) (*notify.Notifier, error) {
	channel, err := notify.NewWebhookChannel(cfg.WebhookURL)
	if err != nil {
		return nil, err
	}
	tpl, err := notify.NewTemplate(cfg.Template)
	if err != nil {
		return nil, err
	}
	opts := []notify.Option{
		notify.WithLogger(logger),
		notify.WithCooldown(cfg.Cooldown),
		notify.WithDedupeWindow(cfg.DedupeWindow),
		notify.WithEscalation(cfg.EscalateAfter, pending),
	}
	if base := strings.TrimRight(cfg.DashboardURL, "/"); base != "" {
		opts = append(opts, notify.WithDashboardURL(func(alert monitor.Alert) string {
			return base + "/devices/" + alert.DeviceID
		}))
	}
	return notify.NewNotifier(channel, tpl, opts...)
}

// startDevices resumes every registered device plus the configured ones.
// Devices without stored definitions are reconciled against the registry.
func startDevices(ctx context.Context, repo devices.Repository, reconciler *resourcesapp.Reconciler, configured []string, logger *log.Logger) {
	for _, id := range configured {
		if _, err := repo.Add(ctx, id); err != nil {
			logger.Printf("device register error: device=%s err=%v", id, err)
		}
	}
	list, err := repo.List(ctx)
	if err != nil {
		logger.Printf("device list error: %v", err)
		return
	}
	for _, device := range list {
		_, err := reconciler.Resume(ctx, device.ID)
		if errors.Is(err, resources.ErrNoResources) {
			_, err = reconciler.Reconcile(ctx, device.ID)
		}
		if err != nil {
			logger.Printf("device start error: device=%s err=%v", device.ID, err)
		}
	}
}

func expirePending(ctx context.Context, async *actuation.AsyncCoordinator, timeout time.Duration, logger *log.Logger) {
	if timeout <= 0 {
		return
	}
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			if n := async.ExpirePending(ctx, tick.Add(-timeout)); n > 0 {
				logger.Printf("expired %d pending commands", n)
			}
		}
	}
}

func pruneSamples(ctx context.Context, repo *samplesrepo.SampleRepository, retention time.Duration, logger *log.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			n, err := repo.Prune(ctx, tick.Add(-retention).UTC())
			if err != nil {
				logger.Printf("sample prune error: %v", err)
				continue
			}
			if n > 0 {
				logger.Printf("pruned %d samples", n)
			}
		}
	}
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
