package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/milkyway-bot/db"
	"github.com/onnwee/milkyway-bot/telemetry"
)

// backgroundOpenTimeout bounds the session opened after authorization.
const backgroundOpenTimeout = 30 * time.Second

// HandleAuthStart redirects the broadcaster to the CHZZK authorization page.
func (h *Handlers) HandleAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.deps.RedirectURI == "" {
		http.Error(w, "oauth not configured (need CHZZK_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	st := uuid.NewString()
	if !h.addOAuthState(st, time.Now().Add(stateTTL)) {
		http.Error(w, "too many pending authorizations", http.StatusServiceUnavailable)
		return
	}
	authURL, err := h.deps.Platform.AuthorizeURL(h.deps.RedirectURI, st)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleAuthCallback exchanges the authorization code, stores the channel's
// credential and default settings, and opens its session in the background.
func (h *Handlers) HandleAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	if !h.consumeOAuthState(st) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "oauth_callback"))

	tok, err := h.deps.Platform.ExchangeCode(ctx, code, st, h.deps.RedirectURI)
	if err != nil {
		log.Error("code exchange failed", slog.Any("err", err))
		http.Error(w, "code exchange failed", http.StatusBadGateway)
		return
	}
	me, err := h.deps.Platform.GetMe(ctx, tok)
	if err != nil {
		log.Error("users/me failed", slog.Any("err", err))
		http.Error(w, "could not resolve channel", http.StatusBadGateway)
		return
	}
	cred := db.Credential{
		ChannelID:    me.ChannelID,
		ChannelName:  me.ChannelName,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if err := h.deps.Credentials.Upsert(ctx, cred); err != nil {
		log.Error("store credential failed", slog.String("channel_id", me.ChannelID), slog.Any("err", err))
		http.Error(w, "could not store credential", http.StatusInternalServerError)
		return
	}
	if err := h.deps.Channels.EnsureChannelConfig(ctx, me.ChannelID, h.deps.DefaultLanguage); err != nil {
		log.Error("store channel config failed", slog.String("channel_id", me.ChannelID), slog.Any("err", err))
		http.Error(w, "could not store channel settings", http.StatusInternalServerError)
		return
	}

	h.deps.Sessions.UpdateToken(me.ChannelID, tok)
	go h.openInBackground(me.ChannelID)

	log.Info("channel authorized", slog.String("channel_id", me.ChannelID), slog.String("channel_name", me.ChannelName))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"channel_id":   me.ChannelID,
		"channel_name": me.ChannelName,
		"expires_at":   tok.Expiry,
	})
}

func (h *Handlers) openInBackground(channelID string) {
	ctx, cancel := context.WithTimeout(h.ctx, backgroundOpenTimeout)
	defer cancel()
	if _, _, err := h.deps.Sessions.Open(ctx, channelID); err != nil {
		slog.Warn("session open after authorization failed",
			slog.String("channel_id", channelID), slog.Any("err", err), slog.String("component", "oauth_callback"))
	}
}
