package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pitwall/pitwall"
	"github.com/pitwall/pitwall/cache"
	"github.com/pitwall/pitwall/internal/auth"
	"github.com/pitwall/pitwall/internal/config"
	"github.com/pitwall/pitwall/internal/server"
)

var (
	// CLI flags
	configFlag         string
	portFlag           int
	originFlag         string
	providerFlag       string
	dbFilenameFlag     string
	authDBFlag         string
	ttlFlag            time.Duration
	logFilenameFlag    string
	verbosityTraceFlag bool

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "Config file to load (YAML)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&originFlag, "origin", "", "Upstream API base URL (overrides config)")
	flag.StringVar(&providerFlag, "provider", "", "Cache backend: sqlite, leveldb, redis or memory")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for an in-memory db)")
	flag.StringVar(&authDBFlag, "auth-db", "", "Accounts DB file name")
	flag.DurationVar(&ttlFlag, "ttl", 0, "Default cache TTL (overrides config)")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	cfg, err := config.Load(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	applyFlags(&cfg)
	setupLogging(cfg)

	store, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache store")
	}
	defer store.Close()

	fetcher := pitwall.New(pitwall.Options{
		Store:   store,
		BaseURL: cfg.UpstreamURL,
		Timeout: cfg.UpstreamTimeout(),
		TTL:     cfg.CacheTTL(),
	})
	fetcher.CleanupExpired()
	sweeper := fetcher.StartSweeper(cfg.SweepInterval())
	defer sweeper.Stop()

	users, err := auth.NewRepository(cfg.Auth.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open accounts store")
	}
	defer users.Close()

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		// sessions won't survive a restart without a configured secret
		secret = uuid.NewString()
		log.Warn().Msg("No session secret configured, using an ephemeral one")
	}
	sessions := auth.NewSessions(secret, cfg.Auth.SessionTTL())

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: server.New(server.Options{
			Fetcher:  fetcher,
			Users:    users,
			Sessions: sessions,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Msgf("Serving openf1 data on %s (cache backend '%s')", cfg.Addr, cfg.Cache.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Could not serve HTTP")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Could not shut down cleanly")
	}
}

func applyFlags(cfg *config.Config) {
	if portFlag != 0 {
		cfg.Addr = fmt.Sprintf(":%d", portFlag)
	}
	if originFlag != "" {
		cfg.UpstreamURL = originFlag
	}
	if providerFlag != "" {
		cfg.Cache.Backend = providerFlag
	}
	if dbFilenameFlag != "" {
		cfg.Cache.Path = dbFilenameFlag
	}
	if authDBFlag != "" {
		cfg.Auth.DBPath = authDBFlag
	}
	if ttlFlag > 0 {
		cfg.CacheTTLSeconds = int(ttlFlag / time.Second)
	}
	if logFilenameFlag != "" {
		cfg.Log.File = logFilenameFlag
	}
}

// setupLogging points the global logger at stdout, plus a rotated log
// file when one is configured.
func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if verbosityTraceFlag {
		level = zerolog.TraceLevel
	}

	outputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	if cfg.Log.File != "" {
		outputs = append(outputs, &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    20, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
		})
	}
	log.Logger = log.Level(level).Output(zerolog.MultiLevelWriter(outputs...)).
		With().Str("version", version).Logger()
}

func openStore(cfg config.Config) (cache.Store, error) {
	switch cfg.Cache.Backend {
	case "", "sqlite":
		filename := cfg.Cache.Path
		if filename == "memory" {
			filename = ""
		}
		return cache.NewSQLiteStore(filename)
	case "memory":
		return cache.NewMemoryStore(), nil
	case "leveldb":
		return cache.NewLevelDBStore(cfg.Cache.Path)
	case "redis":
		return cache.NewRedisStore(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}
