package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"aprovo.app/internal/approval"
	"aprovo.app/internal/bulk"
	"aprovo.app/internal/decision"
	"aprovo.app/internal/notify"
	"aprovo.app/internal/obs"
	"aprovo.app/internal/stream"
)

// ReadyProbe reports whether the service can take traffic. With a nil DB the
// service runs on the in-memory stores and is always ready.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the decision and approval services.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	decisions decision.Service
	approvals approval.Service
	bulk      *bulk.Coordinator
	events    *stream.Stream

	rateBurst  int
	ratePerSec int
}

// New wires the routes. events may be nil to disable SSE.
func New(rp ReadyProbe, version string, decisions decision.Service, approvals approval.Service, coordinator *bulk.Coordinator, events *stream.Stream) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		decisions:  decisions,
		approvals:  approvals,
		bulk:       coordinator,
		events:     events,
		rateBurst:  50,
		ratePerSec: 25,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/decisions", a.handleDecisionsCollection)
	a.mux.HandleFunc("/v1/decisions/bulk/remind", a.handleBulkRemind)
	a.mux.HandleFunc("/v1/decisions/bulk/export", a.handleBulkExport)
	a.mux.HandleFunc("/v1/decisions/bulk/phase", a.handleBulkPhase)
	a.mux.HandleFunc("/v1/decisions/", a.handleDecisionResource)

	a.mux.HandleFunc("/v1/approvals/sweep", a.handleSweep)
	a.mux.HandleFunc("/v1/approvals/", a.handleApprovalResource)

	a.mux.HandleFunc("/v1/events", a.Stream)
	a.mux.HandleFunc("/v1/auth/token", a.handleToken)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = withRequestID(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = CORS(h)
	h = Logging(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "aprovo-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "aprovo-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleDomainError maps service sentinels onto HTTP status codes. Both the
// decision and approval packages reuse the same sentinel shapes, so a single
// mapping covers them.
func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, decision.ErrValidation), errors.Is(err, approval.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, decision.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, decision.ErrConflict), errors.Is(err, approval.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, approval.ErrNotYourTurn):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, decision.ErrNotFound), errors.Is(err, approval.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, notify.ErrExternalService):
		writeError(w, r, http.StatusBadGateway, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (a *API) publish(evt stream.DecisionEvent) {
	if a.events != nil {
		a.events.Publish(evt)
	}
}
