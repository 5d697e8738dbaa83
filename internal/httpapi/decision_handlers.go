package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"aprovo.app/internal/audit"
	"aprovo.app/internal/decision"
	"aprovo.app/internal/obs"
	"aprovo.app/internal/stream"
)

type createDecisionRequest struct {
	ProjectID         string                 `json:"project_id"`
	Title             string                 `json:"title"`
	Description       string                 `json:"description"`
	Summary           string                 `json:"summary"`
	Phase             string                 `json:"phase"`
	Approver          string                 `json:"approver"`
	DueDate           *time.Time             `json:"due_date"`
	Options           []decision.OptionInput `json:"options"`
	RecommendedOption *int                   `json:"recommended_option"`
}

type updateDecisionRequest struct {
	Version     int64                   `json:"version"`
	Title       *string                 `json:"title"`
	Description *string                 `json:"description"`
	Summary     *string                 `json:"summary"`
	DueDate     *time.Time              `json:"due_date"`
	Options     *[]decision.OptionInput `json:"options"`
}

type versionedRequest struct {
	Version int64 `json:"version"`
}

type approveRequest struct {
	Version  int64  `json:"version"`
	OptionID string `json:"option_id"`
}

type requestChangesRequest struct {
	Version int64  `json:"version"`
	Comment string `json:"comment"`
}

type signDecisionRequest struct {
	Version    int64  `json:"version"`
	SignerName string `json:"signer_name"`
}

type changePhaseRequest struct {
	Phase string `json:"phase"`
}

type listDecisionsResponse struct {
	Items []decision.Decision `json:"items"`
	AsOf  time.Time           `json:"as_of"`
}

func (a *API) handleDecisionsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createDecision(w, r)
	case http.MethodGet:
		a.listDecisions(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleDecisionResource routes /v1/decisions/{id} and its sub-resources.
func (a *API) handleDecisionResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/decisions/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	id, rest, _ := strings.Cut(path, "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch {
	case rest == "":
		switch r.Method {
		case http.MethodGet:
			a.getDecision(w, r, id)
		case http.MethodPatch:
			a.updateDecision(w, r, id)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPatch)
		}
	case rest == "publish":
		a.postOnly(w, r, func() { a.publishDecision(w, r, id) })
	case rest == "approve":
		a.postOnly(w, r, func() { a.approveDecision(w, r, id) })
	case rest == "reject":
		a.postOnly(w, r, func() { a.rejectDecision(w, r, id) })
	case rest == "request-changes":
		a.postOnly(w, r, func() { a.requestChanges(w, r, id) })
	case rest == "sign":
		a.postOnly(w, r, func() { a.signDecision(w, r, id) })
	case rest == "phase":
		a.postOnly(w, r, func() { a.changePhase(w, r, id) })
	case rest == "remind":
		a.postOnly(w, r, func() { a.remindDecision(w, r, id) })
	case rest == "versions":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listVersions(w, r, id)
	case strings.HasPrefix(rest, "versions/") && strings.HasSuffix(rest, "/diff"):
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(rest, "versions/"), "/diff")
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, "version number must be a positive integer")
			return
		}
		a.diffVersion(w, r, id, n)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) postOnly(w http.ResponseWriter, r *http.Request, fn func()) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	fn()
}

func (a *API) createDecision(w http.ResponseWriter, r *http.Request) {
	var req createDecisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	d, err := a.decisions.Create(r.Context(), decision.CreateInput{
		ProjectID:         req.ProjectID,
		Title:             req.Title,
		Description:       req.Description,
		Summary:           req.Summary,
		Phase:             req.Phase,
		Approver:          req.Approver,
		DueDate:           req.DueDate,
		Options:           req.Options,
		RecommendedOption: req.RecommendedOption,
	}, actorName(r))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	obs.CountTransition("created")
	_ = audit.LogEvent(r.Context(), "decision.create", map[string]any{
		"decision_id": d.ID,
		"project_id":  d.ProjectID,
	})
	a.publish(stream.DecisionEvent{
		Kind:       stream.EventDecisionCreated,
		DecisionID: d.ID,
		Status:     string(d.Status),
		Phase:      d.Phase,
		Actor:      actorName(r),
	})

	w.Header().Set("Location", "/v1/decisions/"+d.ID)
	writeJSON(w, http.StatusCreated, d)
}

func (a *API) listDecisions(w http.ResponseWriter, r *http.Request) {
	items, err := a.decisions.ListByProject(r.Context(), strings.TrimSpace(r.URL.Query().Get("project_id")))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listDecisionsResponse{Items: items, AsOf: time.Now().UTC()})
}

func (a *API) getDecision(w http.ResponseWriter, r *http.Request, id string) {
	d, err := a.decisions.Get(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) updateDecision(w http.ResponseWriter, r *http.Request, id string) {
	var req updateDecisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	d, err := a.decisions.Update(r.Context(), id, req.Version, decision.UpdateInput{
		Title:       req.Title,
		Description: req.Description,
		Summary:     req.Summary,
		DueDate:     req.DueDate,
		Options:     req.Options,
	}, actorName(r))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	obs.CountTransition("updated")
	a.publish(stream.DecisionEvent{
		Kind:       stream.EventDecisionUpdated,
		DecisionID: d.ID,
		Status:     string(d.Status),
		Actor:      actorName(r),
	})
	writeJSON(w, http.StatusOK, d)
}

func (a *API) publishDecision(w http.ResponseWriter, r *http.Request, id string) {
	var req versionedRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	d, err := a.decisions.Publish(r.Context(), id, req.Version, actorName(r))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	obs.CountTransition("published")
	_ = audit.LogEvent(r.Context(), "decision.publish", map[string]any{"decision_id": d.ID})
	a.publish(stream.DecisionEvent{
		Kind:       stream.EventDecisionPublished,
		DecisionID: d.ID,
		Status:     string(d.Status),
		Actor:      actorName(r),
	})
	writeJSON(w, http.StatusOK, d)
}

func (a *API) approveDecision(w http.ResponseWriter, r *http.Request, id string) {
	var req approveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.OptionID) == "" {
		writeError(w, r, http.StatusBadRequest, "option_id is required")
		return
	}
	d, err := a.decisions.Approve(r.Context(), id, req.OptionID, req.Version, actorName(r))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	obs.CountTransition("approved")
	_ = audit.LogEvent(r.Context(), "decision.approve", map[string]any{
		"decision_id": d.ID,
		"option_id":   req.OptionID,
	})
	a.publish(stream.DecisionEvent{
		Kind:       stream.EventDecisionApproved,
		DecisionID: d.ID,
		Status:     string(d.Status),
		Actor:      actorName(r),
	})
	writeJSON(w, http.StatusOK, d)
}

type rejectRequest struct {
	Version int64  `json:"version"`
	Reason  string `json:"reason"`
}

func (a *API) rejectDecision(w http.ResponseWriter, r *http.Request, id string) {
	var req rejectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	d, err := a.decisions.Reject(r.Context(), id, req.Reason, req.Version, actorName(r))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	obs.CountTransition("rejected")
	_ = audit.LogEvent(r.Context(), "decision.reject", map[string]any{"decision_id": d.ID})
	a.publish(stream.DecisionEvent{
		Kind:       stream.EventDecisionRejected,
		DecisionID: d.ID,
		Status:     string(d.Status),
		Actor:      actorName(r),
	})
	writeJSON(w, http.StatusOK, d)
}

func (a *API) requestChanges(w http.ResponseWriter, r *http.Request, id string) {
	var req requestChangesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	d, err := a.decisions.RequestChanges(r.Context(), id, req.Comment, req.Version, actorName(r))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	obs.CountTransition("changes_requested")
	a.publish(stream.DecisionEvent{
		Kind:       stream.EventChangesRequested,
		DecisionID: d.ID,
		Status:     string(d.Status),
		Actor:      actorName(r),
	})
	writeJSON(w, http.StatusOK, d)
}

func (a *API) signDecision(w http.ResponseWriter, r *http.Request, id string) {
	var req signDecisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	signer := strings.TrimSpace(req.SignerName)
	if signer == "" {
		signer = actorName(r)
	}
	d, err := a.decisions.Sign(r.Context(), id, req.Version, signer, actorName(r))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	obs.CountTransition("signed")
	_ = audit.LogEvent(r.Context(), "decision.sign", map[string]any{
		"decision_id": d.ID,
		"signer":      signer,
	})
	a.publish(stream.DecisionEvent{
		Kind:       stream.EventDecisionSigned,
		DecisionID: d.ID,
		Status:     string(d.Status),
		Actor:      actorName(r),
	})
	writeJSON(w, http.StatusOK, d)
}

func (a *API) changePhase(w http.ResponseWriter, r *http.Request, id string) {
	var req changePhaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Phase) == "" {
		writeError(w, r, http.StatusBadRequest, "phase is required")
		return
	}
	d, err := a.decisions.ChangePhase(r.Context(), id, req.Phase, actorName(r))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	obs.CountTransition("phase_changed")
	a.publish(stream.DecisionEvent{
		Kind:       stream.EventPhaseChanged,
		DecisionID: d.ID,
		Phase:      d.Phase,
		Actor:      actorName(r),
	})
	writeJSON(w, http.StatusOK, d)
}

func (a *API) remindDecision(w http.ResponseWriter, r *http.Request, id string) {
	d, err := a.decisions.Remind(r.Context(), id, actorName(r))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) listVersions(w http.ResponseWriter, r *http.Request, id string) {
	versions, err := a.decisions.Versions(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": versions})
}

func (a *API) diffVersion(w http.ResponseWriter, r *http.Request, id string, n int) {
	changes, err := a.decisions.DiffVersion(r.Context(), id, n)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"decision_id":    id,
		"version_number": n,
		"changes":        changes,
	})
}
