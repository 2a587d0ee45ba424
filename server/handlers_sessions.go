package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/milkyway-bot/chat"
	"github.com/onnwee/milkyway-bot/chzzk"
	"github.com/onnwee/milkyway-bot/db"
	"github.com/onnwee/milkyway-bot/telemetry"
)

type sendRequest struct {
	Message string `json:"message" validate:"required,max=2000"`
}

// sessionStatus maps registry errors to HTTP status codes.
func sessionStatus(err error) int {
	var apiErr *chzzk.APIError
	switch {
	case errors.Is(err, chat.ErrNoSession), errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, chat.ErrHandshakeTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, chzzk.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.As(err, &apiErr) && chzzk.IsRetryable(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

// HandleCreateSession opens (or returns) the channel's live session.
func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("channel_id")
	info, created, err := h.deps.Sessions.Open(r.Context(), id)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("create session failed",
			slog.String("channel_id", id), slog.Any("err", err), slog.String("component", "http"))
		writeError(w, sessionStatus(err), err.Error())
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, info)
}

// HandleSendMessage posts a chat message through the channel's session.
func (h *Handlers) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("channel_id")
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if err := h.deps.Sessions.Send(r.Context(), id, req.Message); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("send failed",
			slog.String("channel_id", id), slog.Any("err", err), slog.String("component", "http"))
		writeError(w, sessionStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// HandleCloseSession disconnects and forgets the channel's session.
func (h *Handlers) HandleCloseSession(w http.ResponseWriter, r *http.Request) {
	if !h.deps.Sessions.Remove(r.PathValue("channel_id")) {
		writeError(w, http.StatusNotFound, chat.ErrNoSession.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListSessions returns every registered session.
func (h *Handlers) HandleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Sessions.List())
}
