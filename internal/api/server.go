// Package api exposes the account manager over HTTP.
package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/narayane88/whatsapp-management-system-sub002/internal/accounts"
	"github.com/narayane88/whatsapp-management-system-sub002/internal/eventbus"
)

// WebhookStats is implemented by the webhook dispatcher.
type WebhookStats interface {
	Stats() (delivered, failed, dropped uint64)
}

type Options struct {
	Manager       *accounts.Manager
	Bus           *eventbus.Bus
	Webhooks      WebhookStats
	SessionMaxAge time.Duration
	AllowOrigins  []string
	Version       string
}

type Server struct {
	manager       *accounts.Manager
	bus           *eventbus.Bus
	webhooks      WebhookStats
	sessionMaxAge time.Duration
	version       string
	started       time.Time
	ws            *wsHandler
}

func New(opts Options) *Server {
	return &Server{
		manager:       opts.Manager,
		bus:           opts.Bus,
		webhooks:      opts.Webhooks,
		sessionMaxAge: opts.SessionMaxAge,
		version:       opts.Version,
		started:       time.Now(),
		ws:            newWSHandler(opts.Bus, opts.AllowOrigins),
	}
}

// Handler returns the routed handler with request logging applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(loggingMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/accounts", s.handleListAccounts).Methods(http.MethodGet)
	r.HandleFunc("/accounts", s.handleCreateAccount).Methods(http.MethodPost)
	r.HandleFunc("/accounts/{id}", s.handleGetAccount).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id}", s.handleDeleteAccount).Methods(http.MethodDelete)
	r.HandleFunc("/accounts/{id}/qr/refresh", s.handleRefreshQR).Methods(http.MethodPost)
	r.HandleFunc("/accounts/{id}/send", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/accounts/{id}/messages", s.handleMessages).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id}/history", s.handleAccountHistory).Methods(http.MethodGet)

	r.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/sessions/stats", s.handleSessionStats).Methods(http.MethodGet)
	r.HandleFunc("/sessions/cleanup", s.handleSessionCleanup).Methods(http.MethodPost)

	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	r.Handle("/ws", s.ws).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"error": true, "message": message})
}

// writeManagerError maps manager errors onto HTTP statuses.
func writeManagerError(w http.ResponseWriter, err error) {
	var limited *accounts.RateLimitedError
	var invalid validation.Errors

	switch {
	case errors.As(err, &limited):
		secs := int(math.Ceil(limited.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, accounts.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, accounts.ErrDuplicateAccount):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, accounts.ErrNotConnected):
		writeError(w, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, accounts.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, accounts.ErrInvalidAccountID),
		errors.Is(err, accounts.ErrPhoneRequired),
		errors.Is(err, accounts.ErrInvalidMessageType),
		errors.Is(err, accounts.ErrInvalidRecipient),
		errors.Is(err, errBadRequest),
		errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("api: %T does not support hijacking", r.ResponseWriter)
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}
