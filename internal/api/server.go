// Package api exposes the control plane over HTTP: the payment webhook
// ingress, the admin surface for credits, snapshots, fleet, vault and
// deletion, and the node-agent websocket.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/botfleet/backend/internal/auth"
	"github.com/botfleet/backend/internal/credits"
	"github.com/botfleet/backend/internal/deletion"
	"github.com/botfleet/backend/internal/fleet"
	"github.com/botfleet/backend/internal/gateway"
	"github.com/botfleet/backend/internal/metering"
	"github.com/botfleet/backend/internal/metrics"
	"github.com/botfleet/backend/internal/notify"
	"github.com/botfleet/backend/internal/payments"
	"github.com/botfleet/backend/internal/snapshots"
	"github.com/botfleet/backend/internal/vault"
)

// Server bundles the wired components behind the HTTP surface.
type Server struct {
	Ledger     *credits.Ledger
	Meter      *metering.Pipeline
	Gate       *gateway.Gate
	Reconciler *payments.Reconciler
	Topup      *payments.TopupScheduler
	Snapshots  *snapshots.Manager
	Registry   *fleet.Registry
	Drainer    *fleet.Drainer
	Recovery   *fleet.Orchestrator
	AgentHub   *fleet.AgentHub
	Vault      *vault.Store
	Deletion   *deletion.Executor
	Notifier   *notify.Notifier

	// Auth guards /api/v1 when set. BootstrapKey is a literal token
	// accepted alongside stored keys so the first key can be minted.
	Auth         *auth.Manager
	BootstrapKey string

	// Limits, when set, applies per-client rate limiting to the
	// webhook ingress and the gate endpoints.
	Limits *RateLimiter

	// Metrics is optional; handlers record into it when set.
	Metrics *metrics.Metrics
}

// limit wraps h with the rate limiter when one is configured.
func (s *Server) limit(h http.HandlerFunc) http.Handler {
	if s.Limits == nil {
		return h
	}
	return s.Limits.Middleware(h)
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(loggingMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.Handle("/webhooks/payments", s.limit(s.handlePaymentWebhook)).Methods("POST")
	r.Handle("/ws/agent", s.AgentHub)

	api := r.PathPrefix("/api/v1").Subrouter()
	if s.Auth != nil {
		api.Use(s.authMiddleware)
	}

	// API keys
	api.HandleFunc("/apikeys", s.handleAPIKeyCreate).Methods("POST")
	api.HandleFunc("/apikeys", s.handleAPIKeyList).Methods("GET")
	api.HandleFunc("/apikeys/{id}", s.handleAPIKeyRevoke).Methods("DELETE")

	// Credits
	api.HandleFunc("/tenants/{tenant}/balance", s.handleBalance).Methods("GET")
	api.HandleFunc("/tenants/{tenant}/transactions", s.handleHistory).Methods("GET")
	api.HandleFunc("/tenants/{tenant}/credits", s.handleAdminCredit).Methods("POST")
	api.HandleFunc("/tenants/{tenant}/usage", s.handleUsageSummaries).Methods("GET")
	api.HandleFunc("/tenants/{tenant}/usage/daily", s.handleDailyUsage).Methods("GET")
	api.HandleFunc("/tenants/{tenant}/members/usage", s.handleMemberUsage).Methods("GET")

	// Gate (data plane)
	api.Handle("/gate/precheck", s.limit(s.handleGatePreCheck)).Methods("POST")
	api.Handle("/gate/settle", s.limit(s.handleGateSettle)).Methods("POST")

	// Payments
	api.HandleFunc("/tenants/{tenant}/topup", s.handleTopupUpsert).Methods("PUT")

	// Snapshots
	api.HandleFunc("/snapshots", s.handleSnapshotCreate).Methods("POST")
	api.HandleFunc("/tenants/{tenant}/snapshots", s.handleSnapshotList).Methods("GET")
	api.HandleFunc("/snapshots/{id}/restore", s.handleSnapshotRestore).Methods("POST")
	api.HandleFunc("/snapshots/{id}", s.handleSnapshotDelete).Methods("DELETE")

	// Fleet
	api.HandleFunc("/nodes", s.handleNodeList).Methods("GET")
	api.HandleFunc("/nodes/{id}", s.handleNodeGet).Methods("GET")
	api.HandleFunc("/nodes/{id}/tenants", s.handleNodeTenants).Methods("GET")
	api.HandleFunc("/nodes/{id}/drain", s.handleDrain).Methods("POST")
	api.HandleFunc("/nodes/{id}/drain", s.handleCancelDrain).Methods("DELETE")
	api.HandleFunc("/bots/{id}/migrate", s.handleMigrate).Methods("POST")
	api.HandleFunc("/recovery/{id}", s.handleRecoveryGet).Methods("GET")
	api.HandleFunc("/recovery/{id}/retry", s.handleRecoveryRetry).Methods("POST")

	// Vault
	api.HandleFunc("/credentials", s.handleCredentialCreate).Methods("POST")
	api.HandleFunc("/credentials", s.handleCredentialList).Methods("GET")
	api.HandleFunc("/credentials/{id}/rotate", s.handleCredentialRotate).Methods("POST")
	api.HandleFunc("/credentials/{id}", s.handleCredentialDeactivate).Methods("DELETE")

	// Deletion
	api.HandleFunc("/tenants/{tenant}", s.handleTenantDelete).Methods("DELETE")

	// Notifications
	api.HandleFunc("/tenants/{tenant}/notifications/preferences", s.handleNotifyPrefs).Methods("PUT")

	return r
}

// authMiddleware requires a valid "Authorization: Bearer bfk_..."
// token on every admin route. The webhook ingress and the agent
// websocket authenticate their own way and sit outside /api/v1.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing api key")
			return
		}
		if s.BootstrapKey != "" && token == s.BootstrapKey {
			next.ServeHTTP(w, r)
			return
		}
		key, err := s.Auth.Validate(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithKey(r.Context(), key)))
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("http", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "botfleet-control-plane",
	})
}
