// Package api serves the chat service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/schoolchat/pkg/auth"
	"github.com/mahaj/schoolchat/pkg/chat"
	"github.com/mahaj/schoolchat/pkg/model"
)

// Presence is what the presence endpoints read.
type Presence interface {
	Ping(ctx context.Context) error
	IsOnline(ctx context.Context, principalID string) (bool, error)
	LastSeen(ctx context.Context, principalID string) (time.Time, bool, error)
	OnlineAmong(ctx context.Context, principalIDs []string) (map[string]bool, error)
	TypingUsers(ctx context.Context, roomID string) ([]string, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	chat     *chat.Service
	presence Presence
	store    Pinger
	log      zerolog.Logger
}

func NewHandler(svc *chat.Service, presence Presence, store Pinger, logger zerolog.Logger) *Handler {
	return &Handler{
		chat:     svc,
		presence: presence,
		store:    store,
		log:      logger.With().Str("component", "api").Logger(),
	}
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) Error(w http.ResponseWriter, status int, code, message string) {
	h.JSON(w, status, ErrorResponse{Error: message, Code: code})
}

// Fail maps a chat error onto a status code. Unexpected errors are
// logged and reported without detail.
func (h *Handler) Fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		h.Error(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, chat.ErrAccessDenied):
		h.Error(w, http.StatusForbidden, "access_denied", err.Error())
	case errors.Is(err, chat.ErrForbidden):
		h.Error(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, chat.ErrRelationshipNotAuthorized):
		h.Error(w, http.StatusForbidden, "relationship_not_authorized", err.Error())
	case errors.Is(err, chat.ErrBadRequest):
		h.Error(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, chat.ErrUnavailable):
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("backend unavailable")
		h.Error(w, http.StatusServiceUnavailable, "unavailable", "service unavailable")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		h.Error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// caller returns the authenticated principal; the auth middleware
// guarantees one on protected routes.
func caller(r *http.Request) model.Principal {
	p, _ := auth.PrincipalFrom(r.Context())
	return p
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.Error(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return false
	}
	return true
}

type Check struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
}

type HealthResponse struct {
	Status    string           `json:"status"`
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

// Health reports degraded when the ephemeral store is down and
// unhealthy when the durable store is.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	check := func(p Pinger) (Check, bool) {
		start := time.Now()
		if err := p.Ping(ctx); err != nil {
			return Check{Status: "fail"}, false
		}
		return Check{Status: "pass", Latency: time.Since(start).String()}, true
	}

	resp := HealthResponse{Status: "healthy", Checks: map[string]Check{}, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	status := http.StatusOK

	c, ok := check(h.presence)
	resp.Checks["redis"] = c
	if !ok {
		resp.Status = "degraded"
	}
	c, ok = check(h.store)
	resp.Checks["store"] = c
	if !ok {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	h.JSON(w, status, resp)
}
