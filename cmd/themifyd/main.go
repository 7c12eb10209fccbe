package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/gyotov/themify-scheduler/internal/analytics"
	"github.com/gyotov/themify-scheduler/internal/api"
	"github.com/gyotov/themify-scheduler/internal/audit"
	"github.com/gyotov/themify-scheduler/internal/cadence"
	"github.com/gyotov/themify-scheduler/internal/circuitbreaker"
	"github.com/gyotov/themify-scheduler/internal/config"
	"github.com/gyotov/themify-scheduler/internal/leaderelection"
	"github.com/gyotov/themify-scheduler/internal/metrics"
	"github.com/gyotov/themify-scheduler/internal/publisher"
	"github.com/gyotov/themify-scheduler/internal/scheduler"
	"github.com/gyotov/themify-scheduler/internal/store/postgres"
	"github.com/gyotov/themify-scheduler/internal/transport/channel"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`themifyd - scheduled theme publish engine

Usage:
  themifyd <command>

Commands:
  serve      Start the scheduler and admission API
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  DATABASE_URL              PostgreSQL connection string (required)
  REDIS_ADDR                Redis address for publish analytics (optional)
  HTTP_ADDR                 HTTP server address (default: ":8080", falls back to PORT)
  CRON_SECRET               Bearer token for POST /run (required in http mode)

  CADENCE_MODE              "timer" or "http" (default: "timer")
  CADENCE_EXPRESSION        Cron cadence for the polling loop (default: "*/5 * * * *")
  CADENCE_TIMEZONE          Timezone for the cadence (default: "UTC")

  PLAN_SCHEDULE_LIMIT       Per-tenant publish ceiling (default: "5")
  MAX_ATTEMPTS              Retry ceiling per job, 0 = unbounded (default: "0")
  JOB_TIMEOUT               Per-job publish timeout (default: "30s")

  DB_OP_TIMEOUT             Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME     Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")
  METRICS_PORT              Metrics server port (default: "9090")

  AUDIT_BUFFER_SIZE         Audit bus buffer capacity (default: "100")
  AUDIT_RETENTION           How long audit rows are kept (default: "720h")
  AUDIT_PRUNE_INTERVAL      How often old audit rows are pruned (default: "1h")

  SHOPIFY_API_VERSION       Admin GraphQL API version (default: "2024-10")
  CIRCUIT_BREAKER_THRESHOLD Consecutive failures before a shop is paused, 0 = off (default: "5")
  CIRCUIT_BREAKER_COOLDOWN  Pause length before a probe is allowed (default: "2m")

  LEADER_ELECTION_ENABLED   Run the polling loop on one instance only (default: "false")
  LEADER_LOCK_KEY           Advisory lock key shared by all instances (default: "917354")
  LEADER_RETRY_INTERVAL     Follower acquisition retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL Leader connection health check interval (default: "2s")`)
}

func runServe() int {
	cfg := config.Load()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logConfigWarnings(cfg)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	log.Printf("themifyd: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s, max_idle_time=%s)",
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		return exitRuntimeError
	}

	if err := probeSchema(db); err != nil {
		fmt.Fprintf(os.Stderr, "schema probe failed: %v\n", err)
		return exitRuntimeError
	}

	store := postgres.New(db, cfg.DBOpTimeout)

	// Metrics sink (optional)
	var metricsSink *metrics.PrometheusSink
	var metricsServer *http.Server

	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("themifyd: metrics enabled (port=%s, path=%s)", cfg.MetricsPort, cfg.MetricsPath)

		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    ":" + cfg.MetricsPort,
			Handler: metricsMux,
		}
		go func() {
			log.Printf("themifyd: metrics server listening on :%s", cfg.MetricsPort)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("themifyd: metrics server error: %v", err)
			}
		}()
	}

	// Audit pipeline: bus -> recorder -> (optional) analytics
	var busOpts []channel.Option
	if metricsSink != nil {
		busOpts = append(busOpts, channel.WithMetrics(metricsSink))
	}
	bus := channel.NewAuditBus(cfg.AuditBufferSize, busOpts...)

	recorder := audit.NewRecorder(store)
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		recorder = recorder.WithAnalytics(analytics.NewRedisSink(redisClient))
		log.Printf("themifyd: analytics enabled (redis=%s)", cfg.RedisAddr)
	} else {
		log.Println("themifyd: REDIS_ADDR not set; analytics disabled")
	}

	// Publisher with per-shop rate limiting and optional circuit breaker
	pub := publisher.NewShopify().WithAPIVersion(cfg.ShopifyAPIVersion)
	if cfg.CircuitBreakerThreshold > 0 {
		pub = pub.WithCircuitBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
		log.Printf("themifyd: circuit breaker enabled (threshold=%d, cooldown=%s)",
			cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	}

	cad, err := cadence.NewCron(cfg.CadenceExpression, cfg.CadenceTimezone)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid cadence: %v\n", err)
		return exitInvalidConfig
	}

	sched := scheduler.New(
		scheduler.Config{
			PlanScheduleLimit: cfg.PlanScheduleLimit,
			JobTimeout:        cfg.JobTimeout,
			MaxAttempts:       cfg.MaxAttempts,
		},
		store,
		store,
		pub,
		cad,
	).WithAudit(bus)
	if metricsSink != nil {
		sched = sched.WithMetrics(metricsSink)
	}

	janitor := audit.NewJanitor(
		audit.JanitorConfig{
			Interval:  cfg.AuditPruneInterval,
			Retention: cfg.AuditRetention,
		},
		store,
	)

	apiHandler := api.NewHandler(store, sched, cfg.CronSecret).
		WithHealthChecker(db).
		WithAudit(bus)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: apiHandler,
	}

	go func() {
		log.Printf("themifyd: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("themifyd: http server error: %v", err)
		}
	}()

	// The recorder runs on every instance: cancellations emitted by the
	// API must be persisted even on followers.
	recorderCtx, cancelRecorder := context.WithCancel(context.Background())
	var recorderWg sync.WaitGroup
	recorderWg.Add(1)
	go func() {
		defer recorderWg.Done()
		recorder.Run(recorderCtx, bus.Channel())
	}()

	// Leader duties: the polling loop (timer mode) and the audit janitor.
	// With leader election enabled they run only while this instance
	// holds the advisory lock; otherwise they run unconditionally.
	startDuties := func(ctx context.Context, wg *sync.WaitGroup) {
		if cfg.CadenceMode == "timer" {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
					log.Printf("themifyd: scheduler stopped with error: %v", err)
				}
			}()
		} else {
			log.Println("themifyd: CADENCE_MODE=http; cycles run only via POST /run")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			janitor.Run(ctx)
		}()
	}

	dutiesCtx, cancelDuties := context.WithCancel(context.Background())
	var dutiesWg sync.WaitGroup

	var electorWg sync.WaitGroup
	if cfg.LeaderElectionEnabled {
		elector := leaderelection.New(db,
			leaderelection.Config{
				LockKey:           cfg.LeaderLockKey,
				RetryInterval:     cfg.LeaderRetryInterval,
				HeartbeatInterval: cfg.LeaderHeartbeatInterval,
			},
			func(leaderCtx context.Context) { startDuties(leaderCtx, &dutiesWg) },
			dutiesWg.Wait,
		)
		if metricsSink != nil {
			elector = elector.WithMetrics(metricsSink)
		}
		electorWg.Add(1)
		go func() {
			defer electorWg.Done()
			elector.Run(dutiesCtx)
		}()
	} else {
		startDuties(dutiesCtx, &dutiesWg)
	}

	log.Printf("themifyd: started (cadence=%q mode=%s plan_limit=%d http=%s)",
		cfg.CadenceExpression, cfg.CadenceMode, cfg.PlanScheduleLimit, cfg.HTTPAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("themifyd: received signal %v, shutting down", received)

	// Phase 1: stop the polling loop and janitor (no new outcomes emitted)
	log.Println("themifyd: stopping scheduler...")
	cancelDuties()
	electorWg.Wait()
	dutiesWg.Wait()
	log.Println("themifyd: scheduler stopped")

	// Phase 2: stop the HTTP server (no new jobs or cancellations)
	log.Println("themifyd: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("themifyd: http server shutdown error: %v", err)
	}
	log.Println("themifyd: http server stopped")

	// Phase 3: stop the recorder (drains buffered audit events)
	log.Println("themifyd: stopping audit recorder (draining events)...")
	cancelRecorder()
	recorderWg.Wait()
	log.Println("themifyd: audit recorder stopped")

	// Phase 4: stop the metrics server if running
	if metricsServer != nil {
		log.Println("themifyd: stopping metrics server...")
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			log.Printf("themifyd: metrics server shutdown error: %v", err)
		}
		log.Println("themifyd: metrics server stopped")
	}

	log.Println("themifyd: stopped")
	return exitSuccess
}

// probeSchema verifies the tables the engine depends on exist, so a
// misconfigured deployment fails at startup instead of on the first cycle.
func probeSchema(db *sql.DB) error {
	var jobs, sessions sql.NullString
	err := db.QueryRow("SELECT to_regclass('scheduled_jobs')::text, to_regclass('sessions')::text").
		Scan(&jobs, &sessions)
	if err != nil {
		return err
	}
	if !jobs.Valid {
		return fmt.Errorf("table scheduled_jobs does not exist (run migrations)")
	}
	if !sessions.Valid {
		return fmt.Errorf("table sessions does not exist (run migrations)")
	}
	return nil
}

// logConfigWarnings surfaces risky but valid configurations at startup.
func logConfigWarnings(cfg config.Config) {
	if !cfg.LeaderElectionEnabled && cfg.CadenceMode == "timer" {
		log.Println("WARNING [P0]: LEADER_ELECTION_ENABLED=false - running more than one replica " +
			"will publish the same jobs twice. Enable leader election before scaling out.")
	}
	if cfg.MaxAttempts == 0 {
		log.Println("INFO: MAX_ATTEMPTS=0 - failed jobs are retried on every cycle until they " +
			"succeed or are cancelled.")
	}
	if !cfg.MetricsEnabled {
		log.Println("WARNING [P1]: METRICS_ENABLED=false - no visibility into cycle health or " +
			"publish outcomes. Enable metrics in production.")
	}
	if cfg.CircuitBreakerThreshold == 0 {
		log.Println("WARNING [P1]: CIRCUIT_BREAKER_THRESHOLD=0 - a shop with a dead token will " +
			"be retried at full rate on every cycle.")
	}
	if cfg.CadenceMode == "http" {
		log.Println("INFO: CADENCE_MODE=http - the engine is passive; an external cron must call " +
			"POST /run or no job will ever execute.")
	}
}

func runValidate() int {
	cfg := config.Load()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("themifyd version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
