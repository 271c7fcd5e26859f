package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/redconsec/redcon/internal/adapter"
	"github.com/redconsec/redcon/internal/engine"
	"github.com/redconsec/redcon/internal/model"
	"github.com/redconsec/redcon/internal/server"
	"github.com/redconsec/redcon/internal/supervise"
)

type stubTool struct {
	name   model.ToolName
	script string
	sh     string
}

func (s *stubTool) Tool() model.ToolName                       { return s.name }
func (s *stubTool) Phase() model.Phase                         { return model.PhaseDiscovery }
func (s *stubTool) CostHint() int                              { return 1 }
func (s *stubTool) Validate([]string, map[string]string) error { return nil }

func (s *stubTool) Command(_ []string, _ map[string]string, workDir string) (model.Invocation, error) {
	return model.Invocation{Path: s.sh, Args: []string{"-c", s.script}, Dir: workDir}, nil
}

func (s *stubTool) Parse(_ context.Context, raw adapter.RawOutput, _ []string) ([]model.Finding, []string) {
	if len(raw.Stdout) == 0 {
		return nil, nil
	}
	return []model.Finding{{
		ID:       uuid.New(),
		Tool:     s.name,
		Severity: model.SeverityInfo,
		Title:    "observation",
		Target:   "198.51.100.7",
	}}, nil
}

func testServer(t *testing.T, script string) *httptest.Server {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	cfg := model.Config{
		Engine: model.Engine{
			MaxConcurrentScans: 2,
			MaxScanDuration:    "1h",
			ToolParallelism:    1,
			GracePeriod:        "1s",
			PersistInterval:    "1s",
			LogBufferBytes:     1 << 20,
			WorkDir:            t.TempDir(),
		},
		Evidence: &model.Evidence{Dir: t.TempDir()},
	}
	eng, err := engine.New(t.Context(), cfg)
	require.NoError(t, err)
	eng.WithRegistry(adapter.NewRegistry(&stubTool{name: "nmap", script: script, sh: sh}))
	eng.WithSupervisor(supervise.New(200 * time.Millisecond))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, eng.Close(ctx))
	})

	ts := httptest.NewServer(server.New(eng, nil).Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func mustGet(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func validRequest() map[string]any {
	return map[string]any{
		"name":       "api-test",
		"scan_type":  "custom",
		"targets":    []string{"198.51.100.7"},
		"tools":      []string{"nmap"},
		"authorized": true,
	}
}

func waitStatus(t *testing.T, ts *httptest.Server, id string, want model.ScanStatus) model.Scan {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/api/v1/scans/" + id)
		require.NoError(t, err)
		scan := decode[model.Scan](t, resp)
		if scan.Status == want {
			return scan
		}
		if scan.Status.Terminal() {
			t.Fatalf("scan reached %s, want %s", scan.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("scan never reached %s", want)
	return model.Scan{}
}

func TestScanLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	ts := testServer(t, "echo scanning; echo done")

	resp := postJSON(t, ts.URL+"/api/v1/scans", validRequest())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	scan := decode[model.Scan](t, resp)
	require.Equal(t, model.StatusQueued, scan.Status)

	final := waitStatus(t, ts, scan.ID.String(), model.StatusCompleted)
	require.Equal(t, 100, final.Progress)
	require.Equal(t, 1, final.FindingsCount)

	t.Run("findings", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/v1/scans/" + scan.ID.String() + "/findings")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[map[string][]model.Finding](t, resp)
		require.Len(t, body["findings"], 1)
		require.Equal(t, "observation", body["findings"][0].Title)
	})

	t.Run("logs replay", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/v1/scans/" + scan.ID.String() + "/logs")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[map[string][]map[string]any](t, resp)
		require.NotEmpty(t, body["lines"])
	})

	t.Run("logs from offset", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/v1/scans/" + scan.ID.String() + "/logs?from=1")
		require.NoError(t, err)
		body := decode[map[string][]map[string]any](t, resp)
		for _, line := range body["lines"] {
			require.GreaterOrEqual(t, line["seq"].(float64), float64(1))
		}
	})

	t.Run("evidence", func(t *testing.T) {
		require.NotEmpty(t, final.Runs[0].EvidenceRef)
		resp, err := http.Get(ts.URL + "/api/v1/evidence/" + final.Runs[0].EvidenceRef)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("list", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/v1/scans")
		require.NoError(t, err)
		body := decode[map[string][]model.Scan](t, resp)
		require.Len(t, body["scans"], 1)
	})
}

func TestCreateScanRejections(t *testing.T) {
	t.Parallel()
	ts := testServer(t, "true")

	cases := []struct {
		scenario string
		mutate   func(map[string]any)
	}{
		{"unauthorized", func(r map[string]any) { r["authorized"] = false }},
		{"no_targets", func(r map[string]any) { r["targets"] = []string{} }},
		{"unknown_tool", func(r map[string]any) { r["tools"] = []string{"nessus"} }},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			req := validRequest()
			tc.mutate(req)
			resp := postJSON(t, ts.URL+"/api/v1/scans", req)
			defer func() { _ = resp.Body.Close() }()
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	t.Run("malformed json", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/api/v1/scans", "application/json", bytes.NewReader([]byte("{")))
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestCancelOverHTTP(t *testing.T) {
	t.Parallel()
	ts := testServer(t, "echo started; sleep 30")

	resp := postJSON(t, ts.URL+"/api/v1/scans", validRequest())
	scan := decode[model.Scan](t, resp)
	waitStatus(t, ts, scan.ID.String(), model.StatusRunning)

	cancelURL := fmt.Sprintf("%s/api/v1/scans/%s/cancel", ts.URL, scan.ID)
	resp = postJSON(t, cancelURL, nil)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	waitStatus(t, ts, scan.ID.String(), model.StatusCancelled)

	// cancelling a terminal scan stays a no-op
	resp = postJSON(t, cancelURL, nil)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	final := decode[model.Scan](t, mustGet(t, ts.URL+"/api/v1/scans/"+scan.ID.String()))
	require.Equal(t, model.StatusCancelled, final.Status)
}

func TestNotFoundAndBadIDs(t *testing.T) {
	t.Parallel()
	ts := testServer(t, "true")

	resp, err := http.Get(ts.URL + "/api/v1/scans/" + uuid.NewString())
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/v1/scans/not-a-uuid")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/v1/evidence/sha256:feedface")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/v1/schedules")
	require.NoError(t, err)
	body := decode[map[string][]model.Schedule](t, resp)
	require.Empty(t, body["schedules"])
}
