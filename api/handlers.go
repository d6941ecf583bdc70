package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"bluelight/core"
	"bluelight/detect"
)

// ingestEventRequest is the inbound event payload.
type ingestEventRequest struct {
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	UserID    string                 `json:"user_id,omitempty"`
	Email     string                 `json:"email,omitempty"`
	IPAddress string                 `json:"ip_address,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Timestamp time.Time              `json:"timestamp,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (a *API) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var req ingestEventRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	if req.EventID == "" {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "event_id is required"})
		return
	}
	if req.EventType == "" {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "event_type is required"})
		return
	}

	ec := &core.EvaluationContext{
		UserID:    req.UserID,
		Email:     req.Email,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		SessionID: req.SessionID,
		EventType: req.EventType,
		Timestamp: req.Timestamp,
		Metadata:  req.Metadata,
	}

	outcome, err := a.pipeline.ProcessEvent(r.Context(), req.EventID, ec)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, outcome)
}

func (a *API) listRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := &core.RuleFilter{
		Status:        core.RuleStatus(q.Get("status")),
		ConditionType: core.ConditionType(q.Get("condition_type")),
		Severity:      core.Severity(q.Get("severity")),
		Tag:           q.Get("tag"),
	}
	limit, offset := pagination(q.Get("limit"), q.Get("offset"))

	rules, err := a.rules.ListRules(filter, limit, offset)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules, "count": len(rules)})
}

func (a *API) createRule(w http.ResponseWriter, r *http.Request) {
	var rule core.ThreatRule
	if !a.decodeBody(w, r, &rule) {
		return
	}
	if err := a.rules.CreateRule(&rule); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, rule)
}

func (a *API) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := a.rules.GetRule(mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, rule)
}

func (a *API) updateRule(w http.ResponseWriter, r *http.Request) {
	var rule core.ThreatRule
	if !a.decodeBody(w, r, &rule) {
		return
	}
	// The path wins over any id in the body.
	rule.ID = mux.Vars(r)["id"]
	if err := a.rules.UpdateRule(&rule); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, rule)
}

func (a *API) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := a.rules.DeleteRule(mux.Vars(r)["id"]); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getRuleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := a.rules.GetStatistics()
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, stats)
}

func (a *API) getRuleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.engine.GetRuleStats(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, detect.ErrRuleNotLoaded) {
			a.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
			return
		}
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, stats)
}

// testRuleRequest carries an ad-hoc rule plus the context to evaluate it
// against. Nothing is persisted.
type testRuleRequest struct {
	Rule    core.ThreatRule    `json:"rule"`
	Context ingestEventRequest `json:"context"`
}

func (a *API) testRule(w http.ResponseWriter, r *http.Request) {
	var req testRuleRequest
	if !a.decodeBody(w, r, &req) {
		return
	}

	ec := &core.EvaluationContext{
		UserID:    req.Context.UserID,
		Email:     req.Context.Email,
		IPAddress: req.Context.IPAddress,
		UserAgent: req.Context.UserAgent,
		SessionID: req.Context.SessionID,
		EventType: req.Context.EventType,
		Timestamp: req.Context.Timestamp,
		Metadata:  req.Context.Metadata,
	}

	result, err := a.pipeline.TestRule(r.Context(), &req.Rule, ec)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, result)
}

func (a *API) reloadRules(w http.ResponseWriter, r *http.Request) {
	if err := a.rules.Reload(); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, a.engine.GetMetrics())
}

func (a *API) getEngineMetrics(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.engine.GetMetrics())
}

func (a *API) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := &core.AlertFilters{
		Status:      core.AlertStatus(q.Get("status")),
		Severity:    core.Severity(q.Get("severity")),
		RuleID:      q.Get("rule_id"),
		UserID:      q.Get("user_id"),
		IPAddress:   q.Get("ip_address"),
		Fingerprint: q.Get("fingerprint"),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid since timestamp"})
			return
		}
		filters.Since = &t
	}
	if until := q.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid until timestamp"})
			return
		}
		filters.Until = &t
	}
	limit, offset := pagination(q.Get("limit"), q.Get("offset"))

	alerts, err := a.alerts.ListAlerts(r.Context(), filters, limit, offset)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts, "count": len(alerts)})
}

func (a *API) getAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := a.alerts.GetAlert(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, alert)
}

type actorRequest struct {
	UserID string `json:"user_id"`
	Notes  string `json:"notes,omitempty"`
}

func (a *API) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	alert, err := a.alerts.Acknowledge(r.Context(), mux.Vars(r)["id"], req.UserID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, alert)
}

func (a *API) resolveAlert(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	alert, err := a.alerts.Resolve(r.Context(), mux.Vars(r)["id"], req.UserID, req.Notes)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, alert)
}

type suppressRequest struct {
	Until  time.Time `json:"until"`
	Reason string    `json:"reason,omitempty"`
}

func (a *API) suppressAlert(w http.ResponseWriter, r *http.Request) {
	var req suppressRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	alert, err := a.alerts.Suppress(r.Context(), mux.Vars(r)["id"], req.Until, req.Reason)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, alert)
}

func (a *API) unsuppressAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := a.alerts.Unsuppress(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, alert)
}

type commentRequest struct {
	AuthorID    string `json:"author_id"`
	AuthorEmail string `json:"author_email,omitempty"`
	Comment     string `json:"comment"`
}

func (a *API) addComment(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	comment, err := a.alerts.AddComment(r.Context(), mux.Vars(r)["id"], req.AuthorID, req.AuthorEmail, req.Comment)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, comment)
}

func (a *API) getComments(w http.ResponseWriter, r *http.Request) {
	comments, err := a.alerts.GetComments(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{"comments": comments, "count": len(comments)})
}

func (a *API) getNotifications(w http.ResponseWriter, r *http.Request) {
	notifications, err := a.alerts.GetNotifications(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{"notifications": notifications, "count": len(notifications)})
}

func (a *API) cancelNotifications(w http.ResponseWriter, r *http.Request) {
	cancelled, err := a.alerts.CancelNotifications(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{"cancelled": cancelled})
}

func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// pagination parses limit/offset query values with safe defaults.
func pagination(limitStr, offsetStr string) (int, int) {
	limit := 100
	offset := 0
	if limitStr != "" {
		if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
			limit = v
		}
	}
	if offsetStr != "" {
		if v, err := strconv.Atoi(offsetStr); err == nil && v >= 0 {
			offset = v
		}
	}
	return limit, offset
}
