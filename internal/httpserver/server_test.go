package httpserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/zapfon/calls/internal/config"
)

func newTestServer(t *testing.T, cfg config.Config) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, logger, BuildInfo{Commit: "abc123", BuildTime: "2026-01-01T00:00:00Z"})
	srv.ready.Store(true)
	ts := httptest.NewServer(srv.mux)
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, ts *httptest.Server, path string, out any) int {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestHealthzReadyzVersion(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	var health map[string]any
	if status := getJSON(t, ts, "/healthz", &health); status != http.StatusOK {
		t.Fatalf("healthz status=%d, want 200", status)
	}
	if health["ok"] != true {
		t.Fatalf("healthz=%v, want ok:true", health)
	}

	var ready map[string]any
	if status := getJSON(t, ts, "/readyz", &ready); status != http.StatusOK {
		t.Fatalf("readyz status=%d, want 200", status)
	}
	if ready["ready"] != true {
		t.Fatalf("readyz=%v, want ready:true", ready)
	}

	var build BuildInfo
	if status := getJSON(t, ts, "/version", &build); status != http.StatusOK {
		t.Fatalf("version status=%d, want 200", status)
	}
	if build.Commit != "abc123" {
		t.Fatalf("commit=%q, want abc123", build.Commit)
	}
}

func TestICEEndpointSchema(t *testing.T) {
	ts := newTestServer(t, config.Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
		},
	})

	var body struct {
		ICEServers []struct {
			URLs []string `json:"urls"`
		} `json:"iceServers"`
	}
	if status := getJSON(t, ts, "/webrtc/ice", &body); status != http.StatusOK {
		t.Fatalf("ice status=%d, want 200", status)
	}
	if len(body.ICEServers) != 1 || body.ICEServers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("iceServers=%+v, want the configured stun server", body.ICEServers)
	}
}

func TestICEEndpoint_RejectsCrossOrigin(t *testing.T) {
	ts := newTestServer(t, config.Config{
		AllowedOrigins: []string{"https://app.example.com"},
	})

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/webrtc/ice", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://evil.example.com")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status=%d, want 403", resp.StatusCode)
	}
}

func TestICEEndpoint_AllowsListedOrigin(t *testing.T) {
	ts := newTestServer(t, config.Config{
		AllowedOrigins: []string{"https://app.example.com"},
	})

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/webrtc/ice", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://app.example.com")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allow-origin=%q, want https://app.example.com", got)
	}
}

func TestOriginAllowed(t *testing.T) {
	cases := []struct {
		origin  string
		host    string
		allowed []string
		want    bool
	}{
		{"https://app.example.com", "api.example.com", []string{"https://app.example.com"}, true},
		{"https://evil.example.com", "api.example.com", []string{"https://app.example.com"}, false},
		{"https://api.example.com", "api.example.com", nil, true},
		{"https://anything.example.com", "api.example.com", []string{"*"}, true},
		{"https://anything.example.com", "api.example.com", nil, false},
	}
	for _, tc := range cases {
		if got := originAllowed(tc.origin, tc.host, tc.allowed); got != tc.want {
			t.Fatalf("originAllowed(%q, %q, %v)=%v, want %v", tc.origin, tc.host, tc.allowed, got, tc.want)
		}
	}
}
