//nolint:hugeParam // test only
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"analyticdb/internal/engine"
	"analyticdb/pkg/config"
	"analyticdb/pkg/wal"
)

type testResponse struct {
	Status Status          `json:"status"`
	Error  string          `json:"error"`
	Data   json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	cfg := config.Default()
	cfg.Engine.Storage = config.StorageConfig{Type: "local", Root: t.TempDir()}
	cfg.Engine.WAL.Type = "memory"
	cfg.Engine.Compaction.MinThreshold = 2
	cfg.Engine.Compaction.DisableAuto = true

	eng, err := engine.Open(context.Background(), cfg, engine.WithWAL(wal.NewMemory(cfg.Engine.WAL.Namespace.ShardNum)))
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })

	s := NewServer(eng, cfg.Server)
	return s, s.createRouter()
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, testResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp testResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response JSON: %v, body=%s", err, rr.Body.String())
	}
	return rr, resp
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected status %d, got %d body=%s", want, rr.Code, rr.Body.String())
	}
}

func createTestTable(t *testing.T, h http.Handler) {
	t.Helper()
	rr, _ := do(t, h, http.MethodPost, "/api/spaces/1", "")
	expectStatus(t, rr, http.StatusOK)

	rr, resp := do(t, h, http.MethodPost, "/api/tables", `{
		"space": 1,
		"name": "cpu",
		"columns": [
			{"name": "host", "kind": "string"},
			{"name": "usage", "kind": "float64", "nullable": true}
		]
	}`)
	expectStatus(t, rr, http.StatusCreated)
	var created CreateTableResponse
	if err := json.Unmarshal(resp.Data, &created); err != nil {
		t.Fatalf("decode created table: %v", err)
	}
	if created.ID != 1 {
		t.Fatalf("expected table id 1, got %d", created.ID)
	}
}

func TestHealthHandler(t *testing.T) {
	_, h := newTestServer(t)
	rr, resp := do(t, h, http.MethodGet, "/health", "")
	expectStatus(t, rr, http.StatusOK)
	if resp.Status != StatusOK {
		t.Fatalf("expected status %s, got %s", StatusOK, resp.Status)
	}
}

func TestWriteScanGetFlow(t *testing.T) {
	_, h := newTestServer(t)
	createTestTable(t, h)

	rr, _ := do(t, h, http.MethodPost, "/api/tables/1/rows", `{"rows": [
		{"key": "b", "values": {"host": "web-2", "usage": 0.5}},
		{"key": "a", "values": {"host": "web-1", "usage": 0.25}},
		{"key": "c", "values": {"host": "web-3"}}
	]}`)
	expectStatus(t, rr, http.StatusOK)

	rr, resp := do(t, h, http.MethodGet, "/api/tables/1/rows?columns=host", "")
	expectStatus(t, rr, http.StatusOK)
	var rows []RowJSON
	if err := json.Unmarshal(resp.Data, &rows); err != nil {
		t.Fatalf("decode rows: %v", err)
	}
	if len(rows) != 3 || rows[0].Key != "a" || rows[2].Key != "c" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	if rows[0].Values["host"] != "web-1" {
		t.Fatalf("expected host web-1, got %v", rows[0].Values["host"])
	}
	if _, ok := rows[0].Values["usage"]; ok {
		t.Fatalf("projected scan returned usage: %+v", rows[0].Values)
	}

	rr, resp = do(t, h, http.MethodGet, "/api/tables/1/rows?start=b&limit=1", "")
	expectStatus(t, rr, http.StatusOK)
	rows = nil
	if err := json.Unmarshal(resp.Data, &rows); err != nil {
		t.Fatalf("decode rows: %v", err)
	}
	if len(rows) != 1 || rows[0].Key != "b" {
		t.Fatalf("unexpected range rows: %+v", rows)
	}

	rr, resp = do(t, h, http.MethodGet, "/api/tables/1/rows/c", "")
	expectStatus(t, rr, http.StatusOK)
	var got RowJSON
	if err := json.Unmarshal(resp.Data, &got); err != nil {
		t.Fatalf("decode row: %v", err)
	}
	if got.Values["usage"] != nil {
		t.Fatalf("expected null usage, got %v", got.Values["usage"])
	}

	// delete, flush and read back from the sst
	rr, _ = do(t, h, http.MethodPost, "/api/tables/1/rows", `{"rows": [{"key": "c", "op": "delete"}]}`)
	expectStatus(t, rr, http.StatusOK)
	rr, _ = do(t, h, http.MethodPost, "/api/tables/1/flush", "")
	expectStatus(t, rr, http.StatusOK)

	rr, _ = do(t, h, http.MethodGet, "/api/tables/1/rows/c", "")
	expectStatus(t, rr, http.StatusNotFound)
	rr, _ = do(t, h, http.MethodGet, "/api/tables/1/rows/a", "")
	expectStatus(t, rr, http.StatusOK)
}

func TestCompactAndStats(t *testing.T) {
	_, h := newTestServer(t)
	createTestTable(t, h)

	for _, key := range []string{"a", "b"} {
		rr, _ := do(t, h, http.MethodPost, "/api/tables/1/rows", `{"rows": [{"key": "`+key+`", "values": {"host": "h"}}]}`)
		expectStatus(t, rr, http.StatusOK)
		rr, _ = do(t, h, http.MethodPost, "/api/tables/1/flush", "")
		expectStatus(t, rr, http.StatusOK)
	}

	rr, _ := do(t, h, http.MethodPost, "/api/tables/1/compact", "")
	expectStatus(t, rr, http.StatusOK)
	rr, _ = do(t, h, http.MethodPost, "/api/tables/1/compact", "")
	expectStatus(t, rr, http.StatusConflict)

	rr, resp := do(t, h, http.MethodGet, "/api/tables/1", "")
	expectStatus(t, rr, http.StatusOK)
	var st struct {
		Files int `json:"files"`
	}
	if err := json.Unmarshal(resp.Data, &st); err != nil {
		t.Fatalf("decode table stats: %v", err)
	}
	if st.Files != 1 {
		t.Fatalf("expected 1 file after compaction, got %d", st.Files)
	}

	rr, resp = do(t, h, http.MethodGet, "/api/stats", "")
	expectStatus(t, rr, http.StatusOK)
	var stats struct {
		Tables      []json.RawMessage `json:"tables"`
		Compactions []json.RawMessage `json:"compactions"`
	}
	if err := json.Unmarshal(resp.Data, &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if len(stats.Tables) != 1 || len(stats.Compactions) != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestMetricsHandler(t *testing.T) {
	_, h := newTestServer(t)
	createTestTable(t, h)
	rr, _ := do(t, h, http.MethodPost, "/api/tables/1/rows", `{"rows": [{"key": "a", "values": {"host": "h"}}, {"key": "b", "values": {"host": "h"}}]}`)
	expectStatus(t, rr, http.StatusOK)
	rr, _ = do(t, h, http.MethodPost, "/api/tables/1/flush", "")
	expectStatus(t, rr, http.StatusOK)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusOK)
	body := rec.Body.String()
	for _, want := range []string{
		`analyticdb_write_rows_total{table="1"} 2`,
		`analyticdb_flushes_total{table="1"} 1`,
		`analyticdb_sst_files{table="1"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output misses %q:\n%s", want, body)
		}
	}
}

func TestDropTableHandler(t *testing.T) {
	_, h := newTestServer(t)
	createTestTable(t, h)

	rr, _ := do(t, h, http.MethodDelete, "/api/tables/1", "")
	expectStatus(t, rr, http.StatusOK)
	rr, _ = do(t, h, http.MethodGet, "/api/tables/1", "")
	expectStatus(t, rr, http.StatusNotFound)
	rr, _ = do(t, h, http.MethodDelete, "/api/tables/1", "")
	expectStatus(t, rr, http.StatusNotFound)
}

func TestBadRequests(t *testing.T) {
	_, h := newTestServer(t)
	createTestTable(t, h)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"bad table id", http.MethodGet, "/api/tables/abc", "", http.StatusBadRequest},
		{"unknown table", http.MethodGet, "/api/tables/42/rows", "", http.StatusNotFound},
		{"malformed body", http.MethodPost, "/api/tables/1/rows", "{", http.StatusBadRequest},
		{"wrong value type", http.MethodPost, "/api/tables/1/rows", `{"rows": [{"key": "a", "values": {"host": 1}}]}`, http.StatusBadRequest},
		{"unknown column", http.MethodPost, "/api/tables/1/rows", `{"rows": [{"key": "a", "values": {"disk": 1}}]}`, http.StatusBadRequest},
		{"not nullable", http.MethodPost, "/api/tables/1/rows", `{"rows": [{"key": "a", "values": {}}]}`, http.StatusBadRequest},
		{"empty key", http.MethodPost, "/api/tables/1/rows", `{"rows": [{"key": "", "values": {"host": "h"}}]}`, http.StatusBadRequest},
		{"unknown op", http.MethodPost, "/api/tables/1/rows", `{"rows": [{"key": "a", "op": "upsert"}]}`, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/tables/1/rows?limit=-1", "", http.StatusBadRequest},
		{"unknown scan column", http.MethodGet, "/api/tables/1/rows?columns=disk", "", http.StatusBadRequest},
		{"duplicate table", http.MethodPost, "/api/tables", `{"space": 1, "name": "cpu", "columns": [{"name": "x", "kind": "int64"}]}`, http.StatusConflict},
		{"missing space", http.MethodPost, "/api/tables", `{"space": 9, "name": "t", "columns": [{"name": "x", "kind": "int64"}]}`, http.StatusNotFound},
		{"bad space id", http.MethodPost, "/api/spaces/x", "", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr, resp := do(t, h, tc.method, tc.path, tc.body)
			expectStatus(t, rr, tc.want)
			if resp.Status != StatusError || resp.Error == "" {
				t.Fatalf("expected an error response, got %+v", resp)
			}
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, h := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("method-not-allowed: expected 405, got %d body=%s", rr.Code, rr.Body.String())
	}
}
