// Command smoke drives a running aprovo-api instance through one full
// decision lifecycle and fails loudly if any step misbehaves.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

type decisionPayload struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Version  int64  `json:"version"`
	SignedBy string `json:"signed_by"`
	Options  []struct {
		ID string `json:"id"`
	} `json:"options"`
	AuditLog []struct {
		Action string `json:"action"`
	} `json:"audit_log"`
}

func main() {
	base := os.Getenv("APROVO_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	client := &http.Client{Timeout: 10 * time.Second}

	var token string
	if os.Getenv("APROVO_AUTH_SECRET") != "" {
		var resp struct {
			Token string `json:"token"`
		}
		call(client, base, "", http.MethodPost, "/v1/auth/token",
			map[string]any{"actor_id": "smoke", "name": "Smoke Test"}, http.StatusOK, &resp)
		token = resp.Token
	}

	var d decisionPayload
	call(client, base, token, http.MethodPost, "/v1/decisions", map[string]any{
		"project_id": "smoke-project",
		"title":      fmt.Sprintf("Smoke decision %d", time.Now().Unix()),
		"options": []map[string]any{
			{"title": "Option A"},
			{"title": "Option B"},
		},
	}, http.StatusCreated, &d)
	if d.Status != "draft" || len(d.Options) != 2 {
		log.Fatalf("unexpected created decision: %+v", d)
	}

	call(client, base, token, http.MethodPost, "/v1/decisions/"+d.ID+"/publish",
		map[string]any{"version": d.Version}, http.StatusOK, &d)
	if d.Status != "pending" {
		log.Fatalf("publish did not reach pending: %s", d.Status)
	}

	call(client, base, token, http.MethodPost, "/v1/decisions/"+d.ID+"/approve",
		map[string]any{"version": d.Version, "option_id": d.Options[0].ID}, http.StatusOK, &d)
	if d.Status != "approved" {
		log.Fatalf("approve did not reach approved: %s", d.Status)
	}

	call(client, base, token, http.MethodPost, "/v1/decisions/"+d.ID+"/sign",
		map[string]any{"version": d.Version, "signer_name": "Smoke Signer"}, http.StatusOK, &d)
	if d.SignedBy != "Smoke Signer" {
		log.Fatalf("sign not recorded: %+v", d)
	}

	wanted := map[string]bool{"created": false, "published": false, "approved": false, "signed": false}
	for _, e := range d.AuditLog {
		if _, ok := wanted[e.Action]; ok {
			wanted[e.Action] = true
		}
	}
	for action, found := range wanted {
		if !found {
			log.Fatalf("audit trail missing %q: %+v", action, d.AuditLog)
		}
	}

	fmt.Printf("smoke test passed: decision=%s\n", d.ID)
}

func call(client *http.Client, base, token, method, path string, body any, wantStatus int, out any) {
	payload, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("marshal %s: %v", path, err)
	}
	req, err := http.NewRequest(method, base+path, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("request %s: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		log.Fatalf("%s %s: status %d, want %d", method, path, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s: %v", path, err)
		}
	}
}
