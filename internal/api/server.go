// Package api exposes the guard service over HTTP/JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"economy-guard/internal/metrics"
	"economy-guard/internal/model"
	"economy-guard/internal/pkg/lock"
	"economy-guard/internal/service"
	guardvalidator "economy-guard/internal/validator"
)

const maxBodyBytes = 64 << 10

// Guard is the subset of service.GuardService the transport calls.
type Guard interface {
	ValidateAndSaveGameState(ctx context.Context, userID int64, proposed model.GameStateSnapshot) (*service.SaveResult, error)
	ValidateAndProcessUpgrade(ctx context.Context, userID int64, upgradeID string, current model.GameStateSnapshot, allUpgrades []model.UpgradeDefinition) (*service.UpgradeResult, error)
	ValidateAndProcessOfflineProgress(ctx context.Context, userID int64, claimedOfflineMs int64, state guardvalidator.OfflineState) (*service.OfflineProgressResult, error)
}

// HealthChecker reports whether a backing dependency is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context, timeout time.Duration) error
}

// Config holds transport settings.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	IngressRPS      float64
	IngressBurst    int
}

// Server is the HTTP front of the guard service.
type Server struct {
	cfg      Config
	guard    Guard
	health   HealthChecker
	metrics  *metrics.Metrics
	validate *validator.Validate
	handler  http.Handler
	srv      *http.Server
}

// NewServer builds the routes. health and m may be nil.
func NewServer(cfg Config, guard Guard, health HealthChecker, m *metrics.Metrics) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.IngressRPS <= 0 {
		cfg.IngressRPS = 500
	}
	if cfg.IngressBurst <= 0 {
		cfg.IngressBurst = int(math.Ceil(cfg.IngressRPS))
	}

	s := &Server{
		cfg:      cfg,
		guard:    guard,
		health:   health,
		metrics:  m,
		validate: validator.New(),
	}

	mux := http.NewServeMux()
	mux.Handle("POST /v1/users/{id}/state", s.instrument(service.OpSaveState, s.handleSaveState))
	mux.Handle("POST /v1/users/{id}/upgrades", s.instrument(service.OpUpgrade, s.handleUpgrade))
	mux.Handle("POST /v1/users/{id}/offline", s.instrument(service.OpOffline, s.handleOffline))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	s.handler = chain(mux,
		RecoveryMiddleware(),
		LoggingMiddleware(),
		IngressLimitMiddleware(rate.NewLimiter(rate.Limit(cfg.IngressRPS), cfg.IngressBurst)),
	)
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.Info().Msg("HTTP server stopped")
	return nil
}

func (s *Server) instrument(operation string, h http.HandlerFunc) http.Handler {
	if s.metrics == nil {
		return h
	}
	return metrics.Middleware(s.metrics, operation)(h)
}

// stateRequest wraps a full reported game state.
type stateRequest struct {
	State *model.GameStateSnapshot `json:"state" validate:"required"`
}

type upgradeRequest struct {
	UpgradeID string                   `json:"upgrade_id" validate:"required,max=64"`
	State     *model.GameStateSnapshot `json:"state" validate:"required"`
}

type offlineRequest struct {
	ClaimedOfflineMs int64              `json:"claimed_offline_ms" validate:"gte=0"`
	State            *offlineStateInput `json:"state" validate:"required"`
}

type offlineStateInput struct {
	PointsPerSecond float64 `json:"points_per_second"`
	MiningLevel     int     `json:"mining_level"`
	OfflineBonus    float64 `json:"offline_bonus"`
	CurrentEnergy   float64 `json:"current_energy"`
	MaxEnergy       float64 `json:"max_energy"`
	Premium         bool    `json:"premium"`
}

func (s *Server) handleSaveState(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(w, r)
	if !ok {
		return
	}
	var req stateRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.guard.ValidateAndSaveGameState(r.Context(), userID, *req.State)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeResult(w, res.Success, res)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(w, r)
	if !ok {
		return
	}
	var req upgradeRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.guard.ValidateAndProcessUpgrade(r.Context(), userID, req.UpgradeID, *req.State, nil)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeResult(w, res.Success, res)
}

func (s *Server) handleOffline(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(w, r)
	if !ok {
		return
	}
	var req offlineRequest
	if !s.decode(w, r, &req) {
		return
	}

	state := guardvalidator.OfflineState{
		PointsPerSecond: req.State.PointsPerSecond,
		MiningLevel:     req.State.MiningLevel,
		OfflineBonus:    req.State.OfflineBonus,
		CurrentEnergy:   req.State.CurrentEnergy,
		MaxEnergy:       req.State.MaxEnergy,
		Premium:         req.State.Premium,
	}
	res, err := s.guard.ValidateAndProcessOfflineProgress(r.Context(), userID, req.ClaimedOfflineMs, state)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeResult(w, res.Success, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.HealthCheck(r.Context(), 2*time.Second); err != nil {
			log.Warn().Err(err).Msg("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads a JSON body into dst and runs its validate tags.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	return fmt.Sprintf("field %s failed %s validation", fe.Field(), fe.Tag())
}

func userIDFromPath(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return id, true
}

// writeResult sends 200 for an accepted mutation and 422 for a rejected one.
func writeResult(w http.ResponseWriter, success bool, body any) {
	status := http.StatusOK
	if !success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, body)
}

func writeServiceError(w http.ResponseWriter, err error) {
	var rlErr *service.RateLimitError
	switch {
	case errors.As(err, &rlErr):
		secs := int(math.Ceil(rlErr.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, http.StatusTooManyRequests, rlErr.Error())
	case errors.Is(err, service.ErrUserBanned):
		writeError(w, http.StatusForbidden, "account suspended")
	case errors.Is(err, service.ErrStoreUnavailable), errors.Is(err, lock.ErrLockTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable, retry shortly")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		log.Error().Err(err).Msg("Unhandled guard service error")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Debug().Err(err).Msg("Failed to write response body")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
