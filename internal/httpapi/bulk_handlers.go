package httpapi

import (
	"net/http"
	"strings"

	"aprovo.app/internal/audit"
)

const maxBulkItems = 100

type bulkRequest struct {
	IDs   []string `json:"ids"`
	Phase string   `json:"phase,omitempty"`
}

func validateBulkIDs(ids []string) (string, bool) {
	if len(ids) == 0 {
		return "ids is required", false
	}
	if len(ids) > maxBulkItems {
		return "too many ids in one request", false
	}
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return "ids cannot contain blank entries", false
		}
	}
	return "", true
}

func (a *API) handleBulkRemind(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req bulkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if msg, ok := validateBulkIDs(req.IDs); !ok {
		writeError(w, r, http.StatusBadRequest, msg)
		return
	}

	res := a.bulk.Remind(r.Context(), req.IDs, actorName(r))
	_ = audit.LogEvent(r.Context(), "bulk.remind", map[string]any{
		"requested": res.Requested,
		"sent":      res.Sent,
		"failed":    len(res.Errors),
	})
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleBulkExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req bulkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if msg, ok := validateBulkIDs(req.IDs); !ok {
		writeError(w, r, http.StatusBadRequest, msg)
		return
	}

	archive, res := a.bulk.ExportHistory(r.Context(), req.IDs)
	_ = audit.LogEvent(r.Context(), "bulk.export", map[string]any{
		"requested": res.Requested,
		"exported":  res.Updated,
		"failed":    len(res.Errors),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"archive": archive,
		"result":  res,
	})
}

func (a *API) handleBulkPhase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req bulkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if msg, ok := validateBulkIDs(req.IDs); !ok {
		writeError(w, r, http.StatusBadRequest, msg)
		return
	}
	if strings.TrimSpace(req.Phase) == "" {
		writeError(w, r, http.StatusBadRequest, "phase is required")
		return
	}

	res := a.bulk.ChangePhase(r.Context(), req.IDs, req.Phase, actorName(r))
	_ = audit.LogEvent(r.Context(), "bulk.change_phase", map[string]any{
		"requested": res.Requested,
		"updated":   res.Updated,
		"failed":    len(res.Errors),
		"phase":     req.Phase,
	})
	writeJSON(w, http.StatusOK, res)
}
