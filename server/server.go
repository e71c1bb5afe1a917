// Package server exposes the HTTP API: health probes, operational status,
// account connection, stream session control, and Prometheus metrics.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/loomy/backend/config"
	dbpkg "github.com/onnwee/loomy/backend/db"
	"github.com/onnwee/loomy/backend/oauth"
	"github.com/onnwee/loomy/backend/quota"
	"github.com/onnwee/loomy/backend/rag"
	"github.com/onnwee/loomy/backend/session"
	"github.com/onnwee/loomy/backend/telemetry"
)

// Server wires HTTP handlers to the shared application dependencies.
type Server struct {
	db     *sql.DB
	cfg    *config.Config
	deps   *session.Deps
	engine *rag.Engine // nil when the RAG pipeline is not configured
}

// New builds the server. engine may be nil.
func New(db *sql.DB, cfg *config.Config, deps *session.Deps, engine *rag.Engine) *Server {
	return &Server{db: db, cfg: cfg, deps: deps, engine: engine}
}

// Handler returns the full route table wrapped in middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /auth/youtube/start", s.handleAuthStart)
	mux.HandleFunc("GET /auth/youtube/callback", s.handleAuthCallback)

	mux.HandleFunc("GET /streams", s.handleListStreams)
	mux.HandleFunc("POST /streams/discover", s.handleDiscover)
	mux.HandleFunc("POST /streams/{id}/stop", s.handleStopStream)

	mux.HandleFunc("GET /accounts/{id}/config", s.handleGetBotConfig)
	mux.HandleFunc("PUT /accounts/{id}/config", s.handlePutBotConfig)
	mux.HandleFunc("POST /accounts/{id}/knowledge", s.handleAddKnowledge)

	mux.HandleFunc("GET /quota", s.handleQuota)

	return corsMiddleware(correlationMiddleware(mux))
}

// Start runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", slog.String("addr", s.cfg.HTTPAddr), slog.String("component", "server"))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Correlation-ID", id)
		next.ServeHTTP(w, r.WithContext(telemetry.WithCorrelationID(r.Context(), id)))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Correlation-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	active, err := session.ListSessions(ctx, s.db, session.StatusActive, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list sessions failed")
		return
	}
	if telemetry.ActiveSessions != nil {
		telemetry.ActiveSessions.Set(float64(len(active)))
	}
	qs, _ := quota.GetStatus(ctx, s.db, s.cfg.QuotaSoftThreshold)
	writeJSON(w, http.StatusOK, map[string]any{
		"active_sessions": len(active),
		"quota":           qs,
		"rag_enabled":     s.engine != nil,
		"jobs": map[string]string{
			"discovery":       dbpkg.GetKV(ctx, s.db, "job_discovery_last"),
			"reaper":          dbpkg.GetKV(ctx, s.db, "job_reaper_last"),
			"retention":       dbpkg.GetKV(ctx, s.db, "job_retention_last"),
			"oauth_refresher": dbpkg.GetKV(ctx, s.db, "job_oauth_refresher_last"),
		},
	})
}

func (s *Server) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account_id required")
		return
	}
	if err := s.cfg.ValidateYouTubeReady(); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	// account id rides in state so the callback knows who connected
	http.Redirect(w, r, oauth.AuthCodeURL(s.cfg, accountID), http.StatusFound)
}

func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if accountID == "" || code == "" {
		writeError(w, http.StatusBadRequest, "state and code required")
		return
	}
	tok, err := oauth.Exchange(r.Context(), s.cfg, code)
	if err != nil {
		slog.Error("oauth exchange failed", slog.Any("err", err), slog.String("component", "server"))
		writeError(w, http.StatusBadGateway, "token exchange failed")
		return
	}
	if err := dbpkg.UpsertAccountToken(r.Context(), s.db, accountID, "", tok.RefreshToken); err != nil {
		slog.Error("store account token failed", slog.Any("err", err), slog.String("component", "server"))
		writeError(w, http.StatusInternalServerError, "store token failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected", "account_id": accountID})
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	sessions, err := session.ListSessions(r.Context(), s.db, status, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list sessions failed")
		return
	}
	if sessions == nil {
		sessions = []session.StreamSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	started, err := session.DiscoverStreams(r.Context(), s.deps)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "discovery failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"started": started})
}

func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := session.GetSession(r.Context(), s.db, id); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := session.MarkStatus(r.Context(), s.db, id, session.StatusEnded); err != nil {
		writeError(w, http.StatusInternalServerError, "stop failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "id": id})
}

func (s *Server) handleGetBotConfig(w http.ResponseWriter, r *http.Request) {
	bc, err := session.GetBotConfig(r.Context(), s.db, s.cfg, r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load config failed")
		return
	}
	writeJSON(w, http.StatusOK, bc)
}

func (s *Server) handlePutBotConfig(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")
	// Start from current values so partial updates keep the rest.
	bc, err := session.GetBotConfig(r.Context(), s.db, s.cfg, accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load config failed")
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&bc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	bc.AccountID = accountID
	if bc.TriggerPhrase == "" {
		writeError(w, http.StatusBadRequest, "trigger_phrase required")
		return
	}
	if bc.MaxConcurrentStreams <= 0 || bc.MessageRetentionDays <= 0 {
		writeError(w, http.StatusBadRequest, "max_concurrent_streams and message_retention_days must be positive")
		return
	}
	if err := session.UpsertBotConfig(r.Context(), s.db, bc); err != nil {
		writeError(w, http.StatusInternalServerError, "save config failed")
		return
	}
	writeJSON(w, http.StatusOK, bc)
}

type knowledgeRequest struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

func (s *Server) handleAddKnowledge(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "rag pipeline not configured")
		return
	}
	accountID := r.PathValue("id")
	var req knowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "text required")
		return
	}
	if req.ID == "" {
		req.ID = fmt.Sprintf("kb_%s", uuid.NewString())
	}
	err := s.engine.Store().AddDocument(r.Context(), accountID, req.ID, req.Text, map[string]string{"kind": "knowledge"})
	// Ingestion embeds the document, which is an API call either way.
	if terr := quota.Track(r.Context(), s.db, 1, 1); terr != nil {
		slog.Warn("quota tracking failed", slog.Any("err", terr), slog.String("component", "server"))
	}
	if err != nil {
		slog.Error("add knowledge failed", slog.Any("err", err), slog.String("component", "server"))
		writeError(w, http.StatusInternalServerError, "store document failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	qs, err := quota.GetStatus(r.Context(), s.db, s.cfg.QuotaSoftThreshold)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "quota status failed")
		return
	}
	writeJSON(w, http.StatusOK, qs)
}
