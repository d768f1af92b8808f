// ABOUTME: User-facing HTTP API: agents, batch commands, alert rules, channels
// ABOUTME: JWT bearer auth; live updates bridge to the broadcaster over websocket

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"github.com/fleetd-io/fleetd/internal/alert"
	"github.com/fleetd-io/fleetd/internal/broadcast"
	"github.com/fleetd-io/fleetd/internal/dispatch"
	"github.com/fleetd-io/fleetd/internal/session"
	"github.com/fleetd-io/fleetd/internal/store"
)

// Config carries the API server's secrets and addresses.
type Config struct {
	Addr          string
	JWTSecret     string
	EncryptionKey string
	FrontendURL   string
}

// Server is the user-facing HTTP surface.
type Server struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher
	manager    *session.Manager
	bus        *broadcast.Broadcaster
	engine     *alert.Engine
	cfg        Config
	logger     *slog.Logger
	http       *http.Server
}

// New builds the API server and its route table.
func New(st store.Store, d *dispatch.Dispatcher, m *session.Manager, bus *broadcast.Broadcaster,
	engine *alert.Engine, cfg Config, logger *slog.Logger) *Server {

	s := &Server{
		store:      st,
		dispatcher: d,
		manager:    m,
		bus:        bus,
		engine:     engine,
		cfg:        cfg,
		logger:     logger.With("component", "api"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	authed := r.PathPrefix("/").Subrouter()
	authed.Use(s.authMiddleware)

	authed.HandleFunc("/api/agents", s.handleRegisterAgent).Methods(http.MethodPost)
	authed.HandleFunc("/api/agents", s.handleListAgents).Methods(http.MethodGet)
	authed.HandleFunc("/api/agents/{id}", s.handleGetAgent).Methods(http.MethodGet)
	authed.HandleFunc("/api/agents/{id}", s.handleUpdateAgent).Methods(http.MethodPut)
	authed.HandleFunc("/api/agents/{id}/metrics", s.handleAgentMetrics).Methods(http.MethodGet)
	authed.HandleFunc("/api/agents/{id}/containers", s.handleAgentContainers).Methods(http.MethodGet)
	authed.HandleFunc("/api/agents/{id}/monitors", s.handleListMonitors).Methods(http.MethodGet)
	authed.HandleFunc("/api/agents/{id}/monitors", s.handleCreateMonitor).Methods(http.MethodPost)

	authed.HandleFunc("/api/batch-commands", s.handleCreateBatch).Methods(http.MethodPost)
	authed.HandleFunc("/api/batch-commands", s.handleListBatches).Methods(http.MethodGet)
	authed.HandleFunc("/api/batch-commands/{id}", s.handleGetBatch).Methods(http.MethodGet)
	authed.HandleFunc("/api/batch-commands/{id}", s.handleCancelBatch).Methods(http.MethodDelete)

	authed.HandleFunc("/api/alert-rules", s.handleCreateRule).Methods(http.MethodPost)
	authed.HandleFunc("/api/alert-rules", s.handleListRules).Methods(http.MethodGet)
	authed.HandleFunc("/api/alert-rules/{id}", s.handleUpdateRule).Methods(http.MethodPut)
	authed.HandleFunc("/api/alert-rules/{id}", s.handleDeleteRule).Methods(http.MethodDelete)
	authed.HandleFunc("/api/alert-events", s.handleListAlertEvents).Methods(http.MethodGet)

	authed.HandleFunc("/api/channels", s.handleCreateChannel).Methods(http.MethodPost)
	authed.HandleFunc("/api/channels", s.handleListChannels).Methods(http.MethodGet)
	authed.HandleFunc("/api/channels/{id}", s.handleDeleteChannel).Methods(http.MethodDelete)

	authed.HandleFunc("/api/monitors/{id}", s.handleDeleteMonitor).Methods(http.MethodDelete)

	authed.HandleFunc("/ws/subscribe", s.handleSubscribe).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.corsMiddleware(r),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving the API.
func (s *Server) ListenAndServe() error {
	s.logger.Info("api listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type contextKey string

const userIDKey contextKey = "user_id"

// authMiddleware validates the bearer JWT and stashes the user ID.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			// Browsers cannot set Authorization on websocket upgrades.
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			s.respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		userID, err := s.parseToken(token)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

func (s *Server) parseToken(raw string) (int64, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return 0, fmt.Errorf("parsing token: %w", err)
	}

	subject, err := token.Claims.GetSubject()
	if err != nil {
		return 0, fmt.Errorf("reading subject: %w", err)
	}
	userID, err := strconv.ParseInt(subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing subject: %w", err)
	}
	return userID, nil
}

// IssueToken mints a JWT for a user. Exposed for the CLI's login flow and for
// deployments fronted by an external identity layer that exchanges sessions.
func (s *Server) IssueToken(userID int64, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.JWTSecret))
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.FrontendURL != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.cfg.FrontendURL)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userID(r *http.Request) int64 {
	id, _ := r.Context().Value(userIDKey).(int64)
	return id
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encoding response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// mapDomainError translates dispatcher and store errors to HTTP statuses.
func (s *Server) mapDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, dispatch.ErrUnauthorized):
		s.respondError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, dispatch.ErrEmptyTargetSet),
		errors.Is(err, dispatch.ErrInvalidTarget),
		errors.Is(err, dispatch.ErrQueueFlagMissing):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrPayloadTooLarge):
		s.respondError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, dispatch.ErrAlreadyTerminal):
		s.respondError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("internal error", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
