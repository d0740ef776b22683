package server_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/finrisklabs/finrisk/internal/checkpoint"
	"github.com/finrisklabs/finrisk/internal/server"
	"github.com/finrisklabs/finrisk/internal/store"
	"github.com/finrisklabs/finrisk/internal/study"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 12, 14, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fixture wires a full stack on the memory store: engine and study
// service share it, the study service resolves checkpoints through the
// engine, and both run on the same manual clock.
type fixture struct {
	handler http.Handler
	clock   *testClock
}

func newFixture(t *testing.T, opts ...server.Option) *fixture {
	t.Helper()
	clock := newTestClock()
	mem := store.NewMemoryStore()
	engine, err := checkpoint.NewEngine(mem, checkpoint.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	svc, err := study.NewService(mem,
		study.WithServiceClock(clock.Now),
		study.WithCheckpointResolver(engine),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &fixture{
		handler: server.New(engine, svc, opts...).Handler(),
		clock:   clock,
	}
}

// do runs one request through the router. A nil body sends no payload,
// a string body is sent verbatim, anything else is marshaled to JSON.
func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rd)
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %s: %v", rec.Body.String(), err)
	}
	return v
}

func wantStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, want, rec.Body.String())
	}
}

func wantErrorBody(t *testing.T, rec *httptest.ResponseRecorder, status int, msg string) {
	t.Helper()
	wantStatus(t, rec, status)
	resp := decodeAs[server.ErrorResponse](t, rec)
	if resp.Error != msg {
		t.Fatalf("error = %q, want %q", resp.Error, msg)
	}
}

// definitionBody builds a minimal valid create payload.
func definitionBody(controlType string, position checkpoint.Position) map[string]any {
	return map[string]any{
		"control_type":      controlType,
		"label":             "Review retrieved sections",
		"pipeline_position": string(position),
		"field_schema": []map[string]any{
			{
				"key":      "confidence",
				"type":     "number",
				"label":    "Confidence",
				"required": true,
				"min":      0,
				"max":      10,
			},
		},
	}
}

func (f *fixture) createDefinition(t *testing.T, body map[string]any) *checkpoint.Definition {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/checkpoints/definitions", body)
	wantStatus(t, rec, http.StatusCreated)
	return decodeAs[*checkpoint.Definition](t, rec)
}

func (f *fixture) startSession(t *testing.T, participantID string) *study.SessionState {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/sessions/start", map[string]any{
		"participant_id": participantID,
	})
	wantStatus(t, rec, http.StatusOK)
	return decodeAs[*study.SessionState](t, rec)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	wantStatus(t, rec, http.StatusOK)
	body := decodeAs[map[string]string](t, rec)
	if body["status"] != "ok" {
		t.Fatalf("health body = %v, want status ok", body)
	}
}

func TestFieldTypesCatalog(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/checkpoints/field-types", nil)
	wantStatus(t, rec, http.StatusOK)
	got := decodeAs[[]checkpoint.FieldTypeInfo](t, rec)
	if want := checkpoint.FieldTypes(); !reflect.DeepEqual(got, want) {
		t.Fatalf("field types = %+v, want %+v", got, want)
	}
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unmounted /metrics status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	t.Run("mounted", func(t *testing.T) {
		stub := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			io.WriteString(w, "scrape ok")
		})
		f := newFixture(t, server.WithMetricsHandler(stub))
		rec := f.do(t, http.MethodGet, "/metrics", nil)
		wantStatus(t, rec, http.StatusOK)
		if !strings.Contains(rec.Body.String(), "scrape ok") {
			t.Fatalf("metrics body = %q, want stub output", rec.Body.String())
		}
	})
}

func TestCORSHeaders(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatal("wildcard config did not set Access-Control-Allow-Origin")
	}

	t.Run("restricted origins", func(t *testing.T) {
		f := newFixture(t, server.WithAllowedOrigins([]string{"http://study.example.com"}))

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "http://study.example.com")
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://study.example.com" {
			t.Fatalf("allowed origin header = %q, want the origin echoed", got)
		}

		req = httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "http://elsewhere.example.com")
		rec = httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Fatalf("disallowed origin header = %q, want empty", got)
		}
	})
}
