package httpapi

import (
	"net/http"
	"strings"
	"time"

	"aprovo.app/internal/approval"
	"aprovo.app/internal/audit"
	"aprovo.app/internal/obs"
	"aprovo.app/internal/stream"
)

type workflowRequest struct {
	DecisionID string   `json:"decision_id"`
	Signers    []string `json:"require_signers"`
	Type       string   `json:"approval_type"`
	Order      string   `json:"approval_order"`
	LegalText  string   `json:"legal_text"`
}

type activateRequest struct {
	DueAt *time.Time `json:"due_at"`
}

type signatureRequest struct {
	SignerID          string `json:"signer_id"`
	Type              string `json:"type"`
	Payload           string `json:"payload"`
	LegalTextAccepted bool   `json:"legal_text_accepted"`
}

type checkboxRequest struct {
	SignerID          string `json:"signer_id"`
	LegalTextAccepted bool   `json:"legal_text_accepted"`
}

type signerStatusView struct {
	SignerID string                `json:"signer_id"`
	Status   approval.SignerStatus `json:"status"`
}

type approvalResponse struct {
	approval.Approval
	SignerStatuses []signerStatusView `json:"signer_statuses"`
}

func approvalView(a approval.Approval) approvalResponse {
	now := time.Now().UTC()
	out := approvalResponse{Approval: a}
	for _, s := range a.Signers {
		out.SignerStatuses = append(out.SignerStatuses, signerStatusView{
			SignerID: s.SignerID,
			Status:   s.EffectiveStatus(now),
		})
	}
	return out
}

// handleApprovalResource routes /v1/approvals/{id} and its sub-resources.
func (a *API) handleApprovalResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/approvals/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	id, rest, _ := strings.Cut(path, "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch rest {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getApproval(w, r, id)
	case "workflow":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		a.saveWorkflow(w, r, id)
	case "activate":
		a.postOnly(w, r, func() { a.activateApproval(w, r, id) })
	case "signatures":
		a.postOnly(w, r, func() { a.submitSignature(w, r, id) })
	case "checkbox":
		a.postOnly(w, r, func() { a.submitCheckbox(w, r, id) })
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getApproval(w http.ResponseWriter, r *http.Request, id string) {
	ap, err := a.approvals.Get(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, approvalView(ap))
}

func (a *API) saveWorkflow(w http.ResponseWriter, r *http.Request, id string) {
	var req workflowRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	cfg, err := a.approvals.SaveWorkflow(r.Context(), approval.WorkflowConfig{
		ApprovalID: id,
		DecisionID: req.DecisionID,
		Signers:    req.Signers,
		Type:       approval.Type(req.Type),
		Order:      approval.Order(req.Order),
		LegalText:  req.LegalText,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "approval.workflow.save", map[string]any{
		"approval_id": cfg.ApprovalID,
		"signers":     len(cfg.Signers),
	})
	writeJSON(w, http.StatusOK, cfg)
}

func (a *API) activateApproval(w http.ResponseWriter, r *http.Request, id string) {
	var req activateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ap, err := a.approvals.Activate(r.Context(), id, req.DueAt)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "approval.activate", map[string]any{"approval_id": id})
	writeJSON(w, http.StatusOK, approvalView(ap))
}

func (a *API) submitSignature(w http.ResponseWriter, r *http.Request, id string) {
	var req signatureRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	signerID := strings.TrimSpace(req.SignerID)
	if signerID == "" {
		writeError(w, r, http.StatusBadRequest, "signer_id is required")
		return
	}
	capture, ap, err := a.approvals.SubmitSignature(r.Context(), id, signerID, approval.SignatureInput{
		Type:              approval.CaptureType(req.Type),
		Payload:           req.Payload,
		LegalTextAccepted: req.LegalTextAccepted,
		IPAddress:         clientIP(r),
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	a.afterCapture(r, ap, signerID, string(capture.Type))
	writeJSON(w, http.StatusCreated, map[string]any{
		"capture":  capture,
		"approval": approvalView(ap),
	})
}

func (a *API) submitCheckbox(w http.ResponseWriter, r *http.Request, id string) {
	var req checkboxRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	signerID := strings.TrimSpace(req.SignerID)
	if signerID == "" {
		writeError(w, r, http.StatusBadRequest, "signer_id is required")
		return
	}
	ap, err := a.approvals.SubmitCheckbox(r.Context(), id, signerID, req.LegalTextAccepted, clientIP(r))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	a.afterCapture(r, ap, signerID, string(approval.CaptureCheckbox))
	writeJSON(w, http.StatusCreated, approvalView(ap))
}

// afterCapture records metrics, audit and stream events shared by both
// capture endpoints.
func (a *API) afterCapture(r *http.Request, ap approval.Approval, signerID, captureType string) {
	obs.CountSignature(captureType)
	_ = audit.LogEvent(r.Context(), "approval.capture", map[string]any{
		"approval_id": ap.Config.ApprovalID,
		"signer_id":   signerID,
		"type":        captureType,
	})
	if ap.Completed() {
		if ap.Config.DecisionID != "" {
			// The bound decision's compliance trail records the completion.
			// The capture is already committed, so a failure here is logged
			// rather than surfaced to the signer.
			if _, err := a.decisions.RecordApprovalCompleted(r.Context(), ap.Config.DecisionID, ap.Config.ApprovalID, signerID); err != nil {
				obs.LogRequest(map[string]any{
					"event":       "approval.capture.audit_failed",
					"approval_id": ap.Config.ApprovalID,
					"decision_id": ap.Config.DecisionID,
					"error":       err.Error(),
				})
			}
		}
		a.publish(stream.DecisionEvent{
			Kind:       stream.EventApprovalCompleted,
			ApprovalID: ap.Config.ApprovalID,
			DecisionID: ap.Config.DecisionID,
			Actor:      signerID,
		})
		return
	}
	a.publish(stream.DecisionEvent{
		Kind:       stream.EventSignerAdvanced,
		ApprovalID: ap.Config.ApprovalID,
		DecisionID: ap.Config.DecisionID,
		Actor:      signerID,
	})
}

func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	res, err := a.approvals.Sweep(r.Context(), time.Now().UTC())
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "approval.sweep", map[string]any{
		"overdue":  len(res.Overdue),
		"reminded": len(res.Reminded),
	})
	writeJSON(w, http.StatusOK, res)
}
