// Package server exposes the bot's HTTP surface: session control for the
// admin panel, the CHZZK authorization flow, health checks and metrics.
// Every request carries a correlation id; /sessions routes sit behind admin
// auth and the rate limiter.
package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"

	"github.com/onnwee/milkyway-bot/chat"
	"github.com/onnwee/milkyway-bot/chzzk"
	"github.com/onnwee/milkyway-bot/db"
	"github.com/onnwee/milkyway-bot/telemetry"
)

// Sessions is the session registry as seen by HTTP handlers.
type Sessions interface {
	Open(ctx context.Context, channelID string) (chat.SessionInfo, bool, error)
	Send(ctx context.Context, channelID, text string) error
	Remove(channelID string) bool
	List() []chat.SessionInfo
	UpdateToken(channelID string, tok *oauth2.Token)
}

// Authorizer runs the platform side of the authorization-code flow.
type Authorizer interface {
	AuthorizeURL(redirectURI, state string) (string, error)
	ExchangeCode(ctx context.Context, code, state, redirectURI string) (*oauth2.Token, error)
	GetMe(ctx context.Context, tok *oauth2.Token) (chzzk.Me, error)
}

// CredentialWriter stores a channel's tokens after authorization.
type CredentialWriter interface {
	Upsert(ctx context.Context, c db.Credential) error
}

// ChannelConfigs creates default settings for newly authorized channels.
type ChannelConfigs interface {
	EnsureChannelConfig(ctx context.Context, channelID, language string) error
}

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the HTTP layer needs. DB and Cache may be nil.
type Deps struct {
	DB              *sql.DB
	Cache           Pinger
	Sessions        Sessions
	Platform        Authorizer
	Credentials     CredentialWriter
	Channels        ChannelConfigs
	RedirectURI     string
	DefaultLanguage string
}

// NewMux returns the HTTP handler with all routes.
// ctx bounds the rate limiter cleanup loop and sessions opened in the background.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	authCfg := loadAuthConfig()
	corsCfg := loadCORSConfig()
	limiter := newRateLimiter(ctx, loadRateLimiterConfig(), deps.Cache)

	h := NewHandlers(ctx, deps)
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)

	mux.HandleFunc("GET /auth/start", h.HandleAuthStart)
	mux.HandleFunc("GET /auth/callback", h.HandleAuthCallback)

	mux.HandleFunc("GET /sessions", h.HandleListSessions)
	mux.HandleFunc("POST /sessions/{channel_id}", h.HandleCreateSession)
	mux.HandleFunc("DELETE /sessions/{channel_id}", h.HandleCloseSession)
	mux.HandleFunc("POST /sessions/{channel_id}/messages", h.HandleSendMessage)

	protected := adminAuth(rateLimitMiddleware(mux, limiter), authCfg)
	limited := rateLimitMiddleware(mux, limiter)
	selective := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/sessions" || strings.HasPrefix(r.URL.Path, "/sessions/"):
			protected.ServeHTTP(w, r)
		case strings.HasPrefix(r.URL.Path, "/auth/"):
			limited.ServeHTTP(w, r)
		default:
			mux.ServeHTTP(w, r)
		}
	})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(telemetry.ExtractHTTP(r.Context(), r.Header), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, telemetry.TracerHTTP, r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selective.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.statusCode))
		if rec.statusCode >= 500 {
			span.SetStatus(codes.Error, http.StatusText(rec.statusCode))
		} else {
			telemetry.SetSpanSuccess(span)
		}
	})
	return withCORSConfig(handler, corsCfg)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(ctx, deps),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second, // session create waits for the socket handshake
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
