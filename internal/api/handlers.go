package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/botfleet/backend/internal/auth"
	"github.com/botfleet/backend/internal/credits"
	"github.com/botfleet/backend/internal/fleet"
	"github.com/botfleet/backend/internal/gateway"
	"github.com/botfleet/backend/internal/payments"
	"github.com/botfleet/backend/internal/snapshots"
	"github.com/botfleet/backend/internal/vault"
)

// maxWebhookBody bounds the payment webhook ingress.
const maxWebhookBody = 256 << 10

func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	res, err := s.Reconciler.HandleWebhook(r.Context(), body, r.Header.Get("X-Webhook-Signature"))
	switch {
	case errors.Is(err, payments.ErrInvalidSignature):
		s.countWebhook("rejected")
		writeError(w, http.StatusUnauthorized, "invalid signature")
	case err != nil:
		// Signal the processor to redeliver.
		s.countWebhook("failed")
		writeError(w, http.StatusInternalServerError, "webhook processing failed")
	case !res.Handled:
		s.countWebhook("ignored")
		writeJSON(w, http.StatusOK, res)
	default:
		s.countWebhook("applied")
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) countWebhook(outcome string) {
	if s.Metrics != nil {
		s.Metrics.WebhookEvents.WithLabelValues(outcome).Inc()
	}
}

// ---- credits ----

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	bal, err := s.Ledger.Balance(r.Context(), tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "balance read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenantId":     tenant,
		"balanceCents": bal.Cents(),
		"display":      bal.String(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	txns, err := s.Ledger.History(r.Context(), tenant, credits.HistoryFilter{
		Limit:  limit,
		Offset: offset,
		Type:   q.Get("type"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history read failed")
		return
	}
	writeJSON(w, http.StatusOK, txns)
}

func (s *Server) handleAdminCredit(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	var req struct {
		AmountCents int64  `json:"amountCents"`
		Type        string `json:"type"`
		Description string `json:"description"`
		ReferenceID string `json:"referenceId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	txn, err := s.Ledger.Credit(r.Context(), tenant, credits.FromCents(req.AmountCents), req.Type,
		credits.CreditParams{Description: req.Description, ReferenceID: req.ReferenceID})
	switch {
	case errors.Is(err, credits.ErrDuplicateReference):
		s.countLedgerOp(req.Type, "duplicate")
		writeError(w, http.StatusConflict, "reference id already used")
	case errors.Is(err, credits.ErrInvalidAmount):
		s.countLedgerOp(req.Type, "invalid")
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.countLedgerOp(req.Type, "error")
		writeError(w, http.StatusInternalServerError, "credit failed")
	default:
		s.countLedgerOp(req.Type, "ok")
		writeJSON(w, http.StatusCreated, txn)
	}
}

func (s *Server) countLedgerOp(txType, result string) {
	if s.Metrics != nil {
		s.Metrics.LedgerOps.WithLabelValues(txType, result).Inc()
	}
}

func (s *Server) handleUsageSummaries(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	now := time.Now().UTC()
	from := now.AddDate(0, -1, 0)
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		from = t
	}

	sums, err := s.Meter.Summaries(r.Context(), tenant, from, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "usage read failed")
		return
	}
	writeJSON(w, http.StatusOK, sums)
}

func (s *Server) handleDailyUsage(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	now := time.Now().UTC()
	from := now.AddDate(0, -1, 0)
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		from = t
	}

	sums, err := s.Meter.DailyUsage(r.Context(), tenant, from, now.AddDate(0, 0, 1))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "daily usage read failed")
		return
	}
	writeJSON(w, http.StatusOK, sums)
}

func (s *Server) handleMemberUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.Ledger.MemberUsage(r.Context(), mux.Vars(r)["tenant"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "member usage read failed")
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// ---- gate ----

func (s *Server) handleGatePreCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID       string `json:"tenantId"`
		EstimatedCents int64  `json:"estimatedCents"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	start := time.Now()
	d, err := s.Gate.PreCheck(r.Context(), req.TenantID, req.EstimatedCents)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "precheck failed")
		return
	}
	if s.Metrics != nil {
		s.Metrics.GateLatency.WithLabelValues("precheck").Observe(time.Since(start).Seconds())
		s.Metrics.GateDecisions.WithLabelValues(decisionOutcome(d)).Inc()
	}
	writeJSON(w, http.StatusOK, d)
}

func decisionOutcome(d gateway.Decision) string {
	switch {
	case d.Allowed && d.Grace:
		return "permit_grace"
	case d.Allowed:
		return "permit"
	default:
		return d.Reason
	}
}

func (s *Server) handleGateSettle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID   string  `json:"tenantId"`
		Capability string  `json:"capability"`
		Provider   string  `json:"provider"`
		Model      string  `json:"model"`
		CostUSD    float64 `json:"costUsd"`
		SessionID  string  `json:"sessionId"`
		DurationMS int64   `json:"durationMs"`
		UserID     string  `json:"userId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	start := time.Now()
	txn, err := s.Gate.PostDebit(r.Context(), req.TenantID, gateway.Usage{
		Capability: req.Capability,
		Provider:   req.Provider,
		Model:      req.Model,
		CostUSD:    req.CostUSD,
		SessionID:  req.SessionID,
		Duration:   time.Duration(req.DurationMS) * time.Millisecond,
		UserID:     req.UserID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "settle failed")
		return
	}
	if s.Metrics != nil {
		s.Metrics.GateLatency.WithLabelValues("settle").Observe(time.Since(start).Seconds())
	}
	writeJSON(w, http.StatusOK, txn)
}

// ---- payments ----

func (s *Server) handleTopupUpsert(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	var req struct {
		AmountCents   int64 `json:"amountCents"`
		IntervalHours int   `json:"intervalHours"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	err := s.Topup.Upsert(r.Context(), payments.Schedule{
		TenantID:      tenant,
		AmountCents:   req.AmountCents,
		IntervalHours: req.IntervalHours,
		NextAt:        time.Now().UTC().Add(time.Duration(req.IntervalHours) * time.Hour),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- snapshots ----

func (s *Server) handleSnapshotCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID   string `json:"tenantId"`
		InstanceID string `json:"instanceId"`
		UserID     string `json:"userId"`
		Name       string `json:"name"`
		SourcePath string `json:"sourcePath"`
		Tier       string `json:"tier"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	snap, err := s.Snapshots.Create(r.Context(), snapshots.CreateParams{
		TenantID:   req.TenantID,
		InstanceID: req.InstanceID,
		UserID:     req.UserID,
		Name:       req.Name,
		Type:       snapshots.TypeOnDemand,
		Trigger:    snapshots.TriggerManual,
		SourcePath: req.SourcePath,
		Tier:       req.Tier,
	})
	switch {
	case errors.Is(err, snapshots.ErrQuotaExceeded):
		writeError(w, http.StatusForbidden, "snapshot quota exceeded")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "snapshot create failed")
	default:
		writeJSON(w, http.StatusCreated, snap)
	}
}

func (s *Server) handleSnapshotList(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.Snapshots.ListByTenant(r.Context(), mux.Vars(r)["tenant"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "snapshot list failed")
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleSnapshotRestore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetPath string `json:"targetPath"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	safety, err := s.Snapshots.Restore(r.Context(), mux.Vars(r)["id"], req.TargetPath)
	switch {
	case errors.Is(err, snapshots.ErrNotFound):
		writeError(w, http.StatusNotFound, "snapshot not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "restore failed")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"safetySnapshotId": safety.ID})
	}
}

func (s *Server) handleSnapshotDelete(w http.ResponseWriter, r *http.Request) {
	err := s.Snapshots.Delete(r.Context(), mux.Vars(r)["id"])
	switch {
	case errors.Is(err, snapshots.ErrNotFound):
		writeError(w, http.StatusNotFound, "snapshot not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "snapshot delete failed")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// ---- fleet ----

func (s *Server) handleNodeList(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.Registry.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "node list failed")
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleNodeGet(w http.ResponseWriter, r *http.Request) {
	node, err := s.Registry.Get(r.Context(), mux.Vars(r)["id"])
	switch {
	case errors.Is(err, fleet.ErrNodeNotFound):
		writeError(w, http.StatusNotFound, "node not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "node read failed")
	default:
		writeJSON(w, http.StatusOK, node)
	}
}

func (s *Server) handleNodeTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.Registry.Tenants(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "node tenants read failed")
		return
	}
	writeJSON(w, http.StatusOK, tenants)
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	res, err := s.Drainer.Drain(r.Context(), mux.Vars(r)["id"])
	switch {
	case errors.Is(err, fleet.ErrNodeNotFound):
		writeError(w, http.StatusNotFound, "node not found")
	case errors.Is(err, fleet.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "drain failed")
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleCancelDrain(w http.ResponseWriter, r *http.Request) {
	err := s.Drainer.CancelDrain(r.Context(), mux.Vars(r)["id"])
	switch {
	case errors.Is(err, fleet.ErrNodeNotFound):
		writeError(w, http.StatusNotFound, "node not found")
	case errors.Is(err, fleet.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "cancel drain failed")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetNodeID string `json:"targetNodeId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	err := s.Drainer.MigrateTenant(r.Context(), mux.Vars(r)["id"], req.TargetNodeID)
	switch {
	case errors.Is(err, fleet.ErrBotNotFound):
		writeError(w, http.StatusNotFound, "bot not found")
	case errors.Is(err, fleet.ErrSameNode):
		writeError(w, http.StatusBadRequest, "bot already on target node")
	case errors.Is(err, fleet.ErrNodeNotFound):
		writeError(w, http.StatusBadRequest, "target node not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "migration failed")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleRecoveryGet(w http.ResponseWriter, r *http.Request) {
	ev, err := s.Recovery.GetEvent(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "recovery event not found")
		return
	}
	items, err := s.Recovery.Items(r.Context(), ev.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "recovery items read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event": ev, "items": items})
}

func (s *Server) handleRecoveryRetry(w http.ResponseWriter, r *http.Request) {
	ev, err := s.Recovery.RetryWaiting(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "retry failed")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// ---- vault ----

func (s *Server) handleCredentialCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider   string `json:"provider"`
		KeyName    string `json:"keyName"`
		Value      string `json:"value"`
		AuthType   string `json:"authType"`
		AuthHeader string `json:"authHeader"`
		Actor      string `json:"actor"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	sum, err := s.Vault.Create(r.Context(), vault.CreateParams{
		Provider:   req.Provider,
		KeyName:    req.KeyName,
		Value:      req.Value,
		AuthType:   req.AuthType,
		AuthHeader: req.AuthHeader,
		Actor:      req.Actor,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sum)
}

func (s *Server) handleCredentialList(w http.ResponseWriter, r *http.Request) {
	list, err := s.Vault.List(r.Context(), r.URL.Query().Get("provider"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "credential list failed")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCredentialRotate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
		Actor string `json:"actor"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	err := s.Vault.Rotate(r.Context(), mux.Vars(r)["id"], req.Value, req.Actor)
	switch {
	case errors.Is(err, vault.ErrCredentialNotFound):
		writeError(w, http.StatusNotFound, "credential not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "rotation failed")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleCredentialDeactivate(w http.ResponseWriter, r *http.Request) {
	err := s.Vault.Deactivate(r.Context(), mux.Vars(r)["id"], r.URL.Query().Get("actor"))
	switch {
	case errors.Is(err, vault.ErrCredentialNotFound):
		writeError(w, http.StatusNotFound, "credential not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "deactivation failed")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// ---- deletion ----

func (s *Server) handleTenantDelete(w http.ResponseWriter, r *http.Request) {
	report := s.Deletion.Execute(r.Context(), mux.Vars(r)["tenant"])
	status := http.StatusOK
	if len(report.Errors) > 0 {
		status = http.StatusMultiStatus
	}
	if s.Metrics != nil {
		s.Metrics.DeletionSteps.WithLabelValues("ok").Add(float64(len(report.Deleted)))
		s.Metrics.DeletionSteps.WithLabelValues("error").Add(float64(len(report.Errors)))
	}
	writeJSON(w, status, report)
}

// ---- api keys ----

func (s *Server) handleAPIKeyCreate(w http.ResponseWriter, r *http.Request) {
	if s.Auth == nil {
		writeError(w, http.StatusNotImplemented, "api key auth not enabled")
		return
	}
	var req struct {
		TenantID string `json:"tenantId"`
		Name     string `json:"name"`
		TTLHours int    `json:"ttlHours"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	key, token, err := s.Auth.Create(r.Context(), req.TenantID, req.Name,
		time.Duration(req.TTLHours)*time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "key creation failed")
		return
	}
	// The token appears in this response and nowhere else.
	writeJSON(w, http.StatusCreated, map[string]any{"key": key, "token": token})
}

func (s *Server) handleAPIKeyList(w http.ResponseWriter, r *http.Request) {
	if s.Auth == nil {
		writeError(w, http.StatusNotImplemented, "api key auth not enabled")
		return
	}
	keys, err := s.Auth.List(r.Context(), r.URL.Query().Get("tenant"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "key list failed")
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleAPIKeyRevoke(w http.ResponseWriter, r *http.Request) {
	if s.Auth == nil {
		writeError(w, http.StatusNotImplemented, "api key auth not enabled")
		return
	}
	err := s.Auth.Revoke(r.Context(), mux.Vars(r)["id"])
	switch {
	case errors.Is(err, auth.ErrInvalidKey):
		writeError(w, http.StatusNotFound, "key not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "revoke failed")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// ---- notifications ----

func (s *Server) handleNotifyPrefs(w http.ResponseWriter, r *http.Request) {
	var prefs map[string]bool
	if !decodeBody(w, r, &prefs) {
		return
	}
	if err := s.Notifier.SetPreferences(r.Context(), mux.Vars(r)["tenant"], prefs); err != nil {
		writeError(w, http.StatusInternalServerError, "preferences save failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
