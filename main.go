// Command milkyway-bot runs the CHZZK chat bot and its admin API.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Connects to Redis for prefixes, greetings and cooldowns; without Redis
//     an in-process cache takes over and cooldowns hold per instance.
//   - Restores a chat session for every authorized channel and starts the
//     token refresh sweep.
//   - Exposes the HTTP server with session control, the OAuth callback,
//     /healthz, /readyz and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/milkyway-bot/cache"
	"github.com/onnwee/milkyway-bot/chat"
	"github.com/onnwee/milkyway-bot/chzzk"
	"github.com/onnwee/milkyway-bot/command"
	"github.com/onnwee/milkyway-bot/config"
	"github.com/onnwee/milkyway-bot/crypto"
	"github.com/onnwee/milkyway-bot/db"
	"github.com/onnwee/milkyway-bot/oauth"
	"github.com/onnwee/milkyway-bot/server"
	"github.com/onnwee/milkyway-bot/telemetry"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidatePlatformReady(); err != nil {
		slog.Error("platform credentials missing", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateOAuthReady(); err != nil {
		slog.Warn("authorization flow disabled", slog.Any("err", err))
	}

	telemetry.Init()
	tracingCtx, cancelTracing := context.WithTimeout(context.Background(), 5*time.Second)
	shutdownTracing, err := telemetry.InitTracing(tracingCtx, telemetry.TracingConfig{
		ServiceName:    "milkyway-bot",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		SampleRatio:    cfg.TraceSampleRatio,
	})
	cancelTracing()
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Error("failed to flush traces", slog.Any("err", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	migrateCtx, cancelMigrate := context.WithTimeout(ctx, time.Minute)
	err = db.Migrate(migrateCtx, database)
	cancelMigrate()
	if err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	cipher, err := crypto.FromEnv()
	if err != nil {
		slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
		os.Exit(1)
	}
	if cipher == nil {
		slog.Warn("ENCRYPTION_KEY not set; tokens are stored in plaintext")
	}
	credentials := db.NewCredentialStore(database, cipher)
	chatStore := db.NewChatStore(database)

	// Cache. cachePinger stays nil (not typed-nil) when Redis is unavailable.
	var (
		commandCache command.Cache = cache.NewLocal()
		cachePinger  server.Pinger
	)
	connectCtx, cancelConnect := context.WithTimeout(ctx, 5*time.Second)
	rc, err := cache.Connect(connectCtx, cfg.RedisURL)
	cancelConnect()
	if err != nil {
		slog.Warn("redis unavailable; using in-process cache", slog.Any("err", err), slog.String("component", "cache"))
	} else {
		defer func() {
			if err := rc.Close(); err != nil {
				slog.Warn("failed to close redis", slog.Any("err", err))
			}
		}()
		commandCache = rc
		cachePinger = rc
	}

	client := chzzk.NewClient(cfg.OpenAPIBase, cfg.AccountBase, cfg.ChzzkClientID, cfg.ChzzkClientSecret, cfg.HTTPTimeout)
	refresher := oauth.NewRefresher(credentials, client, cfg.RefreshInterval, cfg.RefreshWindow)
	pipeline := command.NewPipeline(chatStore, commandCache, cfg.DefaultLanguage)

	registry := chat.NewRegistry(chat.Deps{
		Platform:    client,
		Credentials: credentials,
		Refresher:   refresher,
		Handler:     pipeline,
		Dial:        chat.DialChzzk,
	}, chat.Options{
		HandshakeTimeout:  cfg.HandshakeTimeout,
		SendDelay:         cfg.ChatSendDelay,
		LazyRefreshWithin: cfg.LazyRefreshHorizon,
		ReconnectAttempts: cfg.ReconnectAttempts,
		EventBuffer:       cfg.SessionEventBuffer,
	}, credentials, cfg.RestoreConcurrency)
	defer registry.CloseAll()
	refresher.Sink = registry
	refresher.Start(ctx)

	if cfg.RestoreSessionsOnBoot {
		go func() {
			failed, err := registry.RestoreAll(ctx)
			if err != nil {
				slog.Error("session restore failed", slog.Any("err", err), slog.String("component", "session_registry"))
				return
			}
			for ch, ferr := range failed {
				slog.Warn("channel not restored", slog.String("channel", ch), slog.Any("err", ferr), slog.String("component", "session_registry"))
			}
		}()
	}

	startPprof()

	deps := server.Deps{
		DB:              database,
		Cache:           cachePinger,
		Sessions:        registry,
		Platform:        client,
		Credentials:     credentials,
		Channels:        chatStore,
		RedirectURI:     cfg.ChzzkRedirectURI,
		DefaultLanguage: cfg.DefaultLanguage,
	}
	go func() {
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()
	slog.Info("milkyway bot started", slog.String("addr", cfg.HTTPAddr))

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}

// setupLogging configures the default logger from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// startPprof serves /debug/pprof on PPROF_ADDR when ENABLE_PPROF=1.
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
