package httpapi

import (
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid", header: "Bearer abc.def.ghi", want: "abc.def.ghi"},
		{name: "case insensitive scheme", header: "bearer tok", want: "tok"},
		{name: "missing", header: "", wantErr: true},
		{name: "wrong scheme", header: "Basic dXNlcg==", wantErr: true},
		{name: "empty token", header: "Bearer   ", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := extractBearerToken(tc.header)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.header)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestPublicPaths(t *testing.T) {
	for _, p := range []string{"/healthz", "/readyz", "/metrics", "/v1/auth/token"} {
		if !isPublicPath(p) {
			t.Fatalf("%s should be public", p)
		}
	}
	for _, p := range []string{"/v1/decisions", "/v1/approvals/x", "/v1/events"} {
		if isPublicPath(p) {
			t.Fatalf("%s should require auth", p)
		}
	}
}
