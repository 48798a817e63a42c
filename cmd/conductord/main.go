package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"

	"github.com/nocsys/conductor/internal/api"
	"github.com/nocsys/conductor/internal/breaker"
	"github.com/nocsys/conductor/internal/chaos"
	"github.com/nocsys/conductor/internal/dispatch"
	"github.com/nocsys/conductor/internal/hub"
	"github.com/nocsys/conductor/internal/metrics"
	"github.com/nocsys/conductor/internal/monitor"
	"github.com/nocsys/conductor/internal/retry"
	"github.com/nocsys/conductor/internal/store"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr = ":8080"
	defaultStore      = "memory"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	chaosCfg, err := chaos.FromEnv()
	if err != nil {
		return fmt.Errorf("failed to load chaos config: %w", err)
	}
	if chaosCfg.Enabled() {
		log.Warn("chaos injection enabled", "latencyMin", chaosCfg.LatencyMin, "latencyMax", chaosCfg.LatencyMax, "dropRate", chaosCfg.DropRate)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clock := clockwork.NewRealClock()

	var st store.Store
	switch cfg.Store {
	case "memory":
		log.Warn("using in-memory store, state is lost on restart")
		st = store.NewMemory()
	case "postgres":
		if cfg.PostgresDSN == "" {
			return fmt.Errorf("postgres dsn is empty (set POSTGRES_DSN or --postgres-dsn)")
		}
		st, err = store.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
	default:
		return fmt.Errorf("unknown store %q (expected memory or postgres)", cfg.Store)
	}
	defer st.Close()

	operatorHub, err := hub.NewOperatorHub(&hub.OperatorHubConfig{
		Logger: log,
	})
	if err != nil {
		return fmt.Errorf("failed to create operator hub: %w", err)
	}

	deviceHub, err := hub.NewDeviceHub(&hub.DeviceHubConfig{
		Logger:    log,
		Store:     st,
		Publisher: operatorHub,
		Clock:     clock,
	})
	if err != nil {
		return fmt.Errorf("failed to create device hub: %w", err)
	}

	router, err := dispatch.NewRouter(&dispatch.Config{
		Logger:    log,
		Store:     st,
		Breakers:  breaker.NewRegistry(clock),
		Retry:     retry.NewExecutor(clock),
		Sender:    deviceHub,
		Publisher: operatorHub,
		Clock:     clock,
		Chaos:     chaosCfg,
	})
	if err != nil {
		return fmt.Errorf("failed to create dispatch router: %w", err)
	}

	liveness, err := monitor.New(&monitor.Config{
		Logger:    log,
		Store:     st,
		Publisher: operatorHub,
		Clock:     clock,
	})
	if err != nil {
		return fmt.Errorf("failed to create liveness monitor: %w", err)
	}

	server, err := api.NewServer(&api.Config{
		Logger:         log,
		ListenAddr:     cfg.ListenAddr,
		APIKey:         cfg.APIKey,
		AllowedOrigins: cfg.AllowedOrigins,
		Store:          st,
		Router:         router,
		DeviceHub:      deviceHub,
		OperatorHub:    operatorHub,
		Publisher:      operatorHub,
		Clock:          clock,
	})
	if err != nil {
		return fmt.Errorf("failed to create api server: %w", err)
	}

	if cfg.APIKey == "" {
		log.Warn("api key is empty, authentication is disabled")
	}

	router.Start(ctx)
	go liveness.Run(ctx)

	log.Info("conductord starting", "version", version, "listenAddr", cfg.ListenAddr, "store", cfg.Store)
	return server.Run(ctx)
}

type Config struct {
	ShowVersion bool
	Verbose     bool

	ListenAddr     string
	Store          string
	PostgresDSN    string
	APIKey         string
	AllowedOrigins []string
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func loadConfig() (Config, error) {
	var cfg Config
	var originsCSV string

	flag.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")

	flag.StringVar(&cfg.ListenAddr, "listen-addr", getenv("LISTEN_ADDR", defaultListenAddr), "address to listen on (env: LISTEN_ADDR)")
	flag.StringVar(&cfg.Store, "store", getenv("STORE", defaultStore), "backing store: memory or postgres (env: STORE)")
	flag.StringVar(&cfg.PostgresDSN, "postgres-dsn", getenv("POSTGRES_DSN", ""), "postgres connection string (env: POSTGRES_DSN)")
	flag.StringVar(&cfg.APIKey, "api-key", getenv("API_KEY", ""), "shared secret for the REST and device surfaces (env: API_KEY)")
	flag.StringVar(&originsCSV, "allowed-origins", getenv("ALLOWED_ORIGINS", ""), "CORS allowed origins csv (env: ALLOWED_ORIGINS)")

	flag.Parse()

	cfg.AllowedOrigins = splitCSV(originsCSV)
	return cfg, nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
