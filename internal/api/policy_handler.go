package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/tally/internal/policy"
)

// PolicyObserver counts governance actions. *metrics.Metrics implements it.
type PolicyObserver interface {
	IncPolicyChange(action string)
}

// policyHandler groups the policy governance HTTP handlers.
type policyHandler struct {
	gov      *policy.Governance
	resolver *policy.Resolver
	obs      PolicyObserver
}

func newPolicyHandler(gov *policy.Governance, resolver *policy.Resolver, obs PolicyObserver) *policyHandler {
	return &policyHandler{gov: gov, resolver: resolver, obs: obs}
}

func (h *policyHandler) changed(action string) {
	if h.obs != nil {
		h.obs.IncPolicyChange(action)
	}
}

// scopeParams reads {scope}/{scopeId} from the route. Platform scope is
// addressed as /policy/platform/-.
func scopeParams(w http.ResponseWriter, r *http.Request) (policy.Scope, string, bool) {
	id := chi.URLParam(r, "scopeId")
	if id == "-" {
		id = ""
	}
	scope, scopeID, err := policy.ParseScope(chi.URLParam(r, "scope"), id)
	if err != nil {
		writeServiceError(w, r, err)
		return "", "", false
	}
	return scope, scopeID, true
}

// GetEffective handles GET /policy/{scope}/{scopeId}. Project and
// environment lookups accept their parents as ?workspace= and ?project= so
// the whole chain is layered.
func (h *policyHandler) GetEffective(w http.ResponseWriter, r *http.Request) {
	scope, scopeID, ok := scopeParams(w, r)
	if !ok {
		return
	}

	var doc policy.Document
	var err error
	ws, proj := r.URL.Query().Get("workspace"), r.URL.Query().Get("project")
	switch {
	case scope == policy.ScopeProject && ws != "":
		doc, err = h.resolver.EffectiveForPath(r.Context(), policy.Path{Workspace: ws, Project: scopeID})
	case scope == policy.ScopeEnvironment && ws != "" && proj != "":
		doc, err = h.resolver.EffectiveForPath(r.Context(), policy.Path{Workspace: ws, Project: proj, Environment: scopeID})
	default:
		doc, err = h.resolver.Effective(r.Context(), scope, scopeID)
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scope":   scope,
		"scopeId": scopeID,
		"policy":  doc,
	})
}

// GetDraft handles GET /policy/{scope}/{scopeId}/draft.
func (h *policyHandler) GetDraft(w http.ResponseWriter, r *http.Request) {
	scope, scopeID, ok := scopeParams(w, r)
	if !ok {
		return
	}
	draft, err := h.gov.Draft(r.Context(), scope, scopeID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

type saveDraftRequest struct {
	Body   policy.Document `json:"body" validate:"required"`
	UserID string          `json:"userId" validate:"required,max=128"`
}

// SaveDraft handles POST /policy/{scope}/{scopeId}/draft.
func (h *policyHandler) SaveDraft(w http.ResponseWriter, r *http.Request) {
	scope, scopeID, ok := scopeParams(w, r)
	if !ok {
		return
	}
	var req saveDraftRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON request body")
		return
	}
	if err := validateRequest(&req); err != nil {
		writeValidationError(w, err)
		return
	}

	draft, err := h.gov.SaveDraft(r.Context(), scope, scopeID, req.Body, req.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	auditPolicy(r, "policy.draft", draft, req.UserID)
	writeJSON(w, http.StatusOK, draft)
}

type applyRequest struct {
	DraftID string `json:"draftId" validate:"required"`
	UserID  string `json:"userId" validate:"required,max=128"`
	Reason  string `json:"reason" validate:"max=1024"`
}

// Apply handles POST /policy/{scope}/{scopeId}/apply.
func (h *policyHandler) Apply(w http.ResponseWriter, r *http.Request) {
	scope, scopeID, ok := scopeParams(w, r)
	if !ok {
		return
	}
	var req applyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON request body")
		return
	}
	if err := validateRequest(&req); err != nil {
		writeValidationError(w, err)
		return
	}

	// The draft must belong to the addressed scope.
	draft, err := h.gov.Draft(r.Context(), scope, scopeID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if draft.ID != req.DraftID {
		writeServiceError(w, r, policy.ErrDraftNotFound)
		return
	}

	applied, err := h.gov.ApplyPolicy(r.Context(), req.DraftID, req.UserID, req.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	h.changed(policy.ActionApply)
	auditPolicy(r, policy.ActionApply, applied, req.UserID)
	writeJSON(w, http.StatusOK, applied)
}

type rollbackRequest struct {
	TargetVersion int    `json:"targetVersion" validate:"required,min=1"`
	UserID        string `json:"userId" validate:"required,max=128"`
	Reason        string `json:"reason" validate:"required,max=1024"`
}

// Rollback handles POST /policy/{scope}/{scopeId}/rollback.
func (h *policyHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	scope, scopeID, ok := scopeParams(w, r)
	if !ok {
		return
	}
	var req rollbackRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON request body")
		return
	}
	if err := validateRequest(&req); err != nil {
		writeValidationError(w, err)
		return
	}

	restored, err := h.gov.RollbackPolicy(r.Context(), scope, scopeID, req.TargetVersion, req.UserID, req.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	h.changed(policy.ActionRollback)
	auditPolicy(r, policy.ActionRollback, restored, req.UserID, "target_version", req.TargetVersion)
	writeJSON(w, http.StatusOK, restored)
}

// History handles GET /policy/{scope}/{scopeId}/history.
func (h *policyHandler) History(w http.ResponseWriter, r *http.Request) {
	scope, scopeID, ok := scopeParams(w, r)
	if !ok {
		return
	}
	versions, err := h.gov.History(r.Context(), scope, scopeID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if versions == nil {
		versions = []*policy.Version{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scope":    scope,
		"scopeId":  scopeID,
		"versions": versions,
	})
}

// Audit handles GET /policy/{scope}/{scopeId}/audit.
func (h *policyHandler) Audit(w http.ResponseWriter, r *http.Request) {
	_, scopeID, ok := scopeParams(w, r)
	if !ok {
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		l, err := strconv.Atoi(s)
		if err != nil || l < 1 || l > 500 {
			writeError(w, http.StatusBadRequest, "invalid_params", "limit must be between 1 and 500")
			return
		}
		limit = l
	}

	entries, err := h.gov.AuditLog(r.Context(), scopeID, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*policy.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}
