package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"aprovo.app/internal/approval"
	"aprovo.app/internal/auth"
	"aprovo.app/internal/bulk"
	"aprovo.app/internal/decision"
	"aprovo.app/internal/notify"
	"aprovo.app/internal/stream"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("APROVO_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()

	decisions := decision.NewInMemory()
	approvals := approval.NewInMemory()
	events := stream.New()
	coordinator := bulk.New(decisions, notify.Log{}, events)

	api := New(ReadyProbe{}, "test", decisions, approvals, coordinator, events)
	api.rateBurst = 1000
	api.ratePerSec = 1000

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u := c.baseURL + path
	if params != nil {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) obtainToken(actorID, name string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"actor_id": actorID,
		"name":     name,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func fixtureDecision() map[string]any {
	return map[string]any{
		"project_id": "p1",
		"title":      "Facade material",
		"phase":      "design_development",
		"approver":   "client@example.com",
		"options": []map[string]any{
			{"title": "Fiber cement", "cost_impacts": []map[string]any{
				{"label": "material", "amount_minor_units": 1200000},
			}},
			{"title": "Brick veneer"},
		},
	}
}

func TestAPIDecisionLifecycle(t *testing.T) {
	api := newTestAPI(t)
	token := api.obtainToken("u1", "Dana Architect")
	hdr := map[string]string{"Authorization": "Bearer " + token}

	resp := api.post("/v1/decisions", fixtureDecision(), hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); !strings.HasPrefix(loc, "/v1/decisions/") {
		t.Fatalf("missing Location header, got %q", loc)
	}
	d := decode[decision.Decision](t, resp)
	if d.Status != decision.StatusDraft {
		t.Fatalf("expected draft, got %s", d.Status)
	}

	resp = api.post("/v1/decisions/"+d.ID+"/publish", map[string]any{"version": d.Version}, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("publish: unexpected status %d", resp.StatusCode)
	}
	d = decode[decision.Decision](t, resp)
	if d.Status != decision.StatusPending {
		t.Fatalf("expected pending, got %s", d.Status)
	}

	resp = api.post("/v1/decisions/"+d.ID+"/approve", map[string]any{
		"version":   d.Version,
		"option_id": d.Options[0].ID,
	}, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: unexpected status %d", resp.StatusCode)
	}
	d = decode[decision.Decision](t, resp)
	if d.Status != decision.StatusApproved || d.SelectedOptionID != d.Options[0].ID {
		t.Fatalf("unexpected approve result: %s selected=%s", d.Status, d.SelectedOptionID)
	}

	resp = api.post("/v1/decisions/"+d.ID+"/sign", map[string]any{
		"version":     d.Version,
		"signer_name": "Client Rep",
	}, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sign: unexpected status %d", resp.StatusCode)
	}
	d = decode[decision.Decision](t, resp)
	if d.SignedAt == nil || d.SignedBy != "Client Rep" {
		t.Fatalf("signature not recorded: %+v", d)
	}

	resp = api.get("/v1/decisions/"+d.ID+"/versions", nil, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("versions: unexpected status %d", resp.StatusCode)
	}
	versions := decode[map[string][]decision.Version](t, resp)
	if len(versions["items"]) == 0 {
		t.Fatalf("expected at least one version snapshot")
	}

	resp = api.get("/v1/decisions/"+d.ID+"/versions/1/diff", nil, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("diff: unexpected status %d", resp.StatusCode)
	}
}

func TestAPIStaleVersionConflicts(t *testing.T) {
	api := newTestAPI(t)
	token := api.obtainToken("u1", "")
	hdr := map[string]string{"Authorization": "Bearer " + token}

	resp := api.post("/v1/decisions", fixtureDecision(), hdr)
	d := decode[decision.Decision](t, resp)

	resp = api.post("/v1/decisions/"+d.ID+"/publish", map[string]any{"version": d.Version}, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("publish: unexpected status %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Replay with the stale version.
	resp = api.post("/v1/decisions/"+d.ID+"/publish", map[string]any{"version": d.Version}, hdr)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestAPIRejectDecision(t *testing.T) {
	api := newTestAPI(t)
	token := api.obtainToken("u1", "")
	hdr := map[string]string{"Authorization": "Bearer " + token}

	resp := api.post("/v1/decisions", fixtureDecision(), hdr)
	d := decode[decision.Decision](t, resp)
	resp = api.post("/v1/decisions/"+d.ID+"/publish", map[string]any{"version": d.Version}, hdr)
	d = decode[decision.Decision](t, resp)

	resp = api.post("/v1/decisions/"+d.ID+"/reject", map[string]any{
		"version": d.Version,
		"reason":  "over budget",
	}, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reject: unexpected status %d", resp.StatusCode)
	}
	d = decode[decision.Decision](t, resp)
	if d.Status != decision.StatusRejected {
		t.Fatalf("expected rejected, got %s", d.Status)
	}
}

func TestAPIApprovalWorkflow(t *testing.T) {
	api := newTestAPI(t)
	token := api.obtainToken("u1", "")
	hdr := map[string]string{"Authorization": "Bearer " + token}

	resp := api.do(http.MethodPut, "/v1/approvals/ap1/workflow", map[string]any{
		"require_signers": []string{"alice", "bob"},
		"approval_type":   "e_sign",
		"approval_order":  "sequential",
		"legal_text":      "I approve this package.",
	}, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("workflow: unexpected status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/approvals/ap1/activate", map[string]any{}, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activate: unexpected status %d", resp.StatusCode)
	}
	resp.Body.Close()

	payload := strings.Repeat("data:image/png;base64,AAAA", 10)

	// Bob is second in a sequential queue.
	resp = api.post("/v1/approvals/ap1/signatures", map[string]any{
		"signer_id":           "bob",
		"type":                "drawn",
		"payload":             payload,
		"legal_text_accepted": true,
	}, hdr)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for out-of-turn signer, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/approvals/ap1/signatures", map[string]any{
		"signer_id":           "alice",
		"type":                "drawn",
		"payload":             payload,
		"legal_text_accepted": true,
	}, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("alice sign: unexpected status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/approvals/ap1/signatures", map[string]any{
		"signer_id":           "bob",
		"type":                "typed",
		"payload":             "Bob Builder",
		"legal_text_accepted": true,
	}, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("bob sign: unexpected status %d", resp.StatusCode)
	}
	body := decode[map[string]json.RawMessage](t, resp)
	var ap approvalResponse
	if err := json.Unmarshal(body["approval"], &ap); err != nil {
		t.Fatalf("decode approval: %v", err)
	}
	if !ap.Completed() {
		t.Fatalf("expected approval completed after both signatures")
	}

	resp = api.get("/v1/approvals/ap1", nil, hdr)
	view := decode[approvalResponse](t, resp)
	if len(view.SignerStatuses) != 2 {
		t.Fatalf("expected signer statuses in view, got %+v", view.SignerStatuses)
	}
}

func TestAPIApprovalCompletionAuditedOnDecision(t *testing.T) {
	api := newTestAPI(t)
	token := api.obtainToken("u1", "")
	hdr := map[string]string{"Authorization": "Bearer " + token}

	resp := api.post("/v1/decisions", fixtureDecision(), hdr)
	d := decode[decision.Decision](t, resp)

	resp = api.do(http.MethodPut, "/v1/approvals/ap2/workflow", map[string]any{
		"decision_id":     d.ID,
		"require_signers": []string{"alice"},
		"approval_type":   "checkbox",
		"approval_order":  "parallel",
	}, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("workflow: unexpected status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/approvals/ap2/activate", map[string]any{}, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activate: unexpected status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/approvals/ap2/checkbox", map[string]any{
		"signer_id":           "alice",
		"legal_text_accepted": true,
	}, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("checkbox: unexpected status %d", resp.StatusCode)
	}
	ap := decode[approvalResponse](t, resp)
	if !ap.Completed() {
		t.Fatalf("expected approval completed after sole checkbox")
	}

	resp = api.get("/v1/decisions/"+d.ID, nil, hdr)
	got := decode[decision.Decision](t, resp)
	found := false
	for _, e := range got.AuditLog {
		if e.Action == decision.ActionApprovalCompleted {
			found = true
		}
	}
	if !found {
		t.Fatalf("decision audit trail missing approval completion: %+v", got.AuditLog)
	}
}

func TestAPIBulkPhasePartialSuccess(t *testing.T) {
	api := newTestAPI(t)
	token := api.obtainToken("u1", "")
	hdr := map[string]string{"Authorization": "Bearer " + token}

	resp := api.post("/v1/decisions", fixtureDecision(), hdr)
	d := decode[decision.Decision](t, resp)

	resp = api.post("/v1/decisions/bulk/phase", map[string]any{
		"ids":   []string{d.ID, "missing-id"},
		"phase": "construction",
	}, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bulk phase: unexpected status %d", resp.StatusCode)
	}
	res := decode[bulk.Result](t, resp)
	if res.Updated != 1 || len(res.Errors) != 1 {
		t.Fatalf("expected one update and one error, got %+v", res)
	}
	if res.Errors[0].DecisionID != "missing-id" {
		t.Fatalf("error attributed to wrong id: %+v", res.Errors[0])
	}
}

func TestAPISweep(t *testing.T) {
	api := newTestAPI(t)
	token := api.obtainToken("u1", "")
	hdr := map[string]string{"Authorization": "Bearer " + token}

	resp := api.post("/v1/approvals/sweep", nil, hdr)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sweep: unexpected status %d", resp.StatusCode)
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/decisions", fixtureDecision(), nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var errBody map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["error"] == "" {
		t.Fatalf("expected error message")
	}
}

func TestTokenEndpointValidation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/token", map[string]any{"actor_id": ""}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestRejectsUnknownFields(t *testing.T) {
	api := newTestAPI(t)
	token := api.obtainToken("u1", "")
	hdr := map[string]string{"Authorization": "Bearer " + token}

	resp := api.post("/v1/decisions", map[string]any{
		"title":    "x",
		"surprise": true,
	}, hdr)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", resp.StatusCode)
	}
}
