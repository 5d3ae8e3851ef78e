package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/autoweaved/autoweaved/internal/anomaly"
	"github.com/autoweaved/autoweaved/internal/apperrors"
	"github.com/autoweaved/autoweaved/internal/boundary"
	"github.com/autoweaved/autoweaved/internal/cache"
	"github.com/autoweaved/autoweaved/internal/db"
	"github.com/autoweaved/autoweaved/internal/enforcer"
	"github.com/autoweaved/autoweaved/internal/eventbus"
	"github.com/autoweaved/autoweaved/internal/lifecycle"
	"github.com/autoweaved/autoweaved/internal/logger"
	"github.com/autoweaved/autoweaved/internal/pluginhost"
	"github.com/autoweaved/autoweaved/internal/queue"
	"github.com/autoweaved/autoweaved/internal/streamconsumer"
	"github.com/autoweaved/autoweaved/internal/workerpool"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration platform: stream consumer, queues, worker pools, and plugin host",
	RunE: func(cmd *cobra.Command, args []string) error {
		serve()
		return nil
	},
}

// Exit codes, matching the documented process contract: 0 clean shutdown,
// 1 fatal config error, 2 failed to reach the ingress stream at start, 3
// host-level security lock triggered.
const (
	exitOK                = 0
	exitFatalConfig       = 1
	exitStreamUnreachable = 2
	exitHostLocked        = 3
)

func serve() {
	logger.Initialize(getEnv("LOG_LEVEL", "info"), getEnv("LOG_PRETTY", "false") == "true")
	log := logger.Lifecycle()

	database, err := db.NewDatabase(db.Config{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnv("DB_PORT", "5432"),
		User:     getEnv("DB_USER", "autoweaved"),
		Password: getEnv("DB_PASSWORD", "autoweaved"),
		DBName:   getEnv("DB_NAME", "autoweaved"),
		SSLMode:  getEnv("DB_SSL_MODE", "disable"),
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to connect to database")
		os.Exit(exitFatalConfig)
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		log.Error().Err(err).Msg("failed to run plugin registry migrations")
		os.Exit(exitFatalConfig)
	}

	redisClient, err := cache.NewClient(cache.Config{
		Host:     getEnv("REDIS_HOST", "localhost"),
		Port:     getEnv("REDIS_PORT", "6379"),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       getEnvInt("REDIS_DB", 0),
		Enabled:  true,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to connect to redis")
		os.Exit(exitFatalConfig)
	}

	bus := eventbus.New(getEnvInt("EVENT_QUEUE_DEPTH", 256))
	b := boundary.New(boundary.Config{
		MaxMessageSize: getEnvInt("BOUNDARY_MAX_MESSAGE_SIZE", 1<<20),
		RateLimit:      getEnvInt("BOUNDARY_RATE_LIMIT", 200),
		AuditCapacity:  getEnvInt("BOUNDARY_AUDIT_CAPACITY", 1000),
	})
	e := enforcer.New(eventbus.AsEnforcerSink(bus))
	detector := anomaly.New(bus, anomaly.Limits{
		EventsPerMinuteCap: getEnvInt("ANOMALY_EVENTS_PER_MINUTE_CAP", 6000),
		ErrorRateCap:       0.5,
		ErrorFloodCap:      getEnvInt("ANOMALY_ERROR_FLOOD_CAP", 20),
		ErrorFloodWindow:   time.Minute,
	})

	host := pluginhost.New(pluginhost.Config{
		PluginRoot:             getEnv("PLUGIN_DIR", "./plugins"),
		RequireSignedPlugins:   getEnv("REQUIRE_SIGNED_PLUGINS", "false") == "true",
		MaxActivePlugins:       getEnvInt("MAX_ACTIVE_PLUGINS", 64),
		HostViolationThreshold: getEnvInt("HOST_VIOLATION_THRESHOLD", 20),
		SecurityLevel:          enforcer.SecurityLevel(getEnv("SECURITY_LEVEL", string(enforcer.LevelMedium))),
	}, b, e, bus)

	qm := queue.New(redisClient, bus, queue.Config{
		StallTimeout: getEnvDuration("QUEUE_STALL_TIMEOUT", 30*time.Second),
	})
	consumer := streamconsumer.New(redisClient, qm, streamconsumer.Config{
		Stream:        getEnv("INGRESS_STREAM", "usb-hotplug"),
		ConsumerGroup: getEnv("CONSUMER_GROUP", "autoweaved"),
		ConsumerName:  getEnv("CONSUMER_NAME", hostnameOrDefault()),
	})
	scheduler := workerpool.New(qm, bus)

	pluginDirs := splitEnvList("PLUGINS")
	for _, dir := range pluginDirs {
		if _, err := host.LoadPlugin(dir); err != nil {
			log.Warn().Err(err).Str("plugin_dir", dir).Msg("failed to pre-load plugin at startup")
		}
	}

	queueNames := queuesSubscribedByPlugins(host)
	for _, queueName := range queueNames {
		if err := scheduler.AddQueue(context.Background(), workerpool.QueueConfig{
			Name:      queueName,
			WorkerMin: getEnvInt("WORKER_MIN", 1),
			WorkerMax: getEnvInt("WORKER_MAX", 8),
		}, pluginExecutor(host, detector)); err != nil {
			log.Error().Err(err).Str("queue", queueName).Msg("failed to register queue with scheduler")
		}
	}

	controller := lifecycle.New(lifecycle.Config{
		ShutdownTimeout:        getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		CleanupTimeout:         getEnvDuration("CLEANUP_TIMEOUT", 5*time.Second),
		OverallShutdownTimeout: getEnvDuration("OVERALL_SHUTDOWN_TIMEOUT", 60*time.Second),
		SweepInterval:          getEnvDuration("SWEEP_INTERVAL", 5*time.Second),
		Plugins:                pluginDirs,
		Queues:                 queueNames,
	}, host, b, qm, consumer, scheduler, bus)

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	startErr := controller.Start(startCtx)
	startCancel()
	if startErr != nil {
		log.Error().Err(startErr).Msg("failed to start")
		if ae, ok := startErr.(*apperrors.Error); ok && ae.Code == "stream-unreachable" {
			os.Exit(exitStreamUnreachable)
		}
		os.Exit(exitFatalConfig)
	}
	log.Info().Strs("queues", queueNames).Msg("started")

	persistDone := make(chan struct{})
	go persistAuditAndViolations(bus, b, database, getEnvDuration("AUDIT_FLUSH_INTERVAL", 10*time.Second), persistDone)

	admin := newAdminHTTPServer(controller, host, scheduler, getEnv("ADMIN_ADDR", ":8090"))
	go admin.run()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	admin.shutdown(shutdownCtx)
	shutdownCancel()

	close(persistDone)

	if err := controller.Stop(context.Background()); err != nil {
		log.Error().Err(err).Msg("graceful shutdown reported an error")
	} else {
		log.Info().Msg("clean shutdown")
	}

	if host.IsLocked() {
		os.Exit(exitHostLocked)
	}
	os.Exit(exitOK)
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil {
		return "autoweaved"
	}
	return h
}

func splitEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
