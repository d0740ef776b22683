package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

// pageIndexStub fakes the PageIndex API: one submit endpoint handing out
// a retrieval id and one poll endpoint scripted per call.
type pageIndexStub struct {
	t *testing.T

	mu          sync.Mutex
	submits     []map[string]any
	submitCode  int
	submitBody  string
	pollBodies  []string
	pollCount   int
	retrievalID string
}

func (s *pageIndexStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /retrieval/", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if got := r.Header.Get("api_key"); got != "test-key" {
			s.t.Errorf("submit api_key header = %q, want test-key", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.t.Errorf("decode submit body: %v", err)
		}
		s.submits = append(s.submits, body)
		if s.submitCode != 0 && len(s.submits) == 1 {
			w.WriteHeader(s.submitCode)
			if s.submitBody != "" {
				w.Write([]byte(s.submitBody))
			}
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"retrieval_id": s.retrievalID})
	})
	mux.HandleFunc("GET /retrieval/{id}/", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if got := r.PathValue("id"); got != s.retrievalID {
			s.t.Errorf("poll id = %q, want %q", got, s.retrievalID)
		}
		body := s.pollBodies[len(s.pollBodies)-1]
		if s.pollCount < len(s.pollBodies) {
			body = s.pollBodies[s.pollCount]
		}
		s.pollCount++
		w.Write([]byte(body))
	})
	return mux
}

func newPageIndexStub(t *testing.T) (*pageIndexStub, *httptest.Server) {
	t.Helper()
	stub := &pageIndexStub{t: t, retrievalID: "sr-live-7"}
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	return stub, srv
}

// snapshot returns the recorded submits and poll count under the lock.
func (s *pageIndexStub) snapshot() ([]map[string]any, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.submits...), s.pollCount
}

func newTestPageIndexClient(baseURL string, thinking bool) *PageIndexClient {
	return NewPageIndexClient(PageIndexConfig{
		BaseURL:        baseURL,
		APIKey:         "test-key",
		DocMap:         map[string]string{"MSFT": "doc-msft"},
		PollInterval:   time.Millisecond,
		PollTimeout:    5 * time.Second,
		EnableThinking: thinking,
	})
}

func TestPageIndexClientRetrieve(t *testing.T) {
	stub, srv := newPageIndexStub(t)
	stub.pollBodies = []string{
		`{"status": "processing"}`,
		`{"status": "completed", "retrieved_nodes": [
			{"node_id": "0007", "title": "Risk Factors", "page_index": 12,
			 "relevant_contents": [{"content_index": 0, "page_index": 14, "relevant_content": "Cyber exposure."}]},
			{"node_id": "0009", "title": "Liquidity", "page_index": 44, "text": "Cash reserves."}
		]}`,
	}

	c := newTestPageIndexClient(srv.URL, false)
	result, err := c.Retrieve(context.Background(), "msft", "key risks")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if result.RetrievalID != "sr-live-7" {
		t.Fatalf("retrieval id = %q, want sr-live-7", result.RetrievalID)
	}
	want := []Node{
		{NodeID: "0007:1", Title: "Risk Factors", PageIndex: 14, RelevantContent: "Cyber exposure."},
		{NodeID: "0009", Title: "Liquidity", PageIndex: 44, RelevantContent: "Cash reserves."},
	}
	if !reflect.DeepEqual(result.Nodes, want) {
		t.Fatalf("nodes = %+v, want %+v", result.Nodes, want)
	}
	submits, polls := stub.snapshot()
	if polls < 2 {
		t.Fatalf("poll count = %d, want the client to wait through processing", polls)
	}
	if len(submits) != 1 {
		t.Fatalf("submit count = %d, want 1", len(submits))
	}
	if got := submits[0]["doc_id"]; got != "doc-msft" {
		t.Fatalf("submitted doc_id = %v, want doc-msft", got)
	}
	if got := submits[0]["query"]; got != "key risks" {
		t.Fatalf("submitted query = %v, want key risks", got)
	}
	if _, ok := submits[0]["thinking"]; ok {
		t.Fatal("thinking flag sent without EnableThinking")
	}
}

func TestPageIndexClientThinkingDowngrade(t *testing.T) {
	stub, srv := newPageIndexStub(t)
	stub.submitCode = http.StatusForbidden
	stub.submitBody = `{"detail": "LimitReached"}`
	stub.pollBodies = []string{
		`{"status": "completed", "retrieved_nodes": [
			{"node_id": "0001", "title": "Risk Factors", "page_index": 5, "text": "Rates."}
		]}`,
	}

	c := newTestPageIndexClient(srv.URL, true)
	result, err := c.Retrieve(context.Background(), "MSFT", "rate risk")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(result.Nodes) != 1 {
		t.Fatalf("nodes = %d, want 1", len(result.Nodes))
	}
	submits, _ := stub.snapshot()
	if len(submits) != 2 {
		t.Fatalf("submit count = %d, want thinking retry", len(submits))
	}
	if _, ok := submits[0]["thinking"]; !ok {
		t.Fatal("first submit did not request thinking")
	}
	if _, ok := submits[1]["thinking"]; ok {
		t.Fatal("downgraded submit still requests thinking")
	}
}

func TestPageIndexClientErrors(t *testing.T) {
	wantRetrievalError := func(t *testing.T, err error, status int, msg string) {
		t.Helper()
		var rerr *Error
		if !errors.As(err, &rerr) {
			t.Fatalf("err = %v, want *retrieval.Error", err)
		}
		if rerr.StatusCode != status {
			t.Fatalf("status = %d, want %d", rerr.StatusCode, status)
		}
		if !strings.Contains(rerr.Message, msg) {
			t.Fatalf("message = %q, want it to contain %q", rerr.Message, msg)
		}
	}

	t.Run("missing api key", func(t *testing.T) {
		c := NewPageIndexClient(PageIndexConfig{BaseURL: "http://unused", DocMap: map[string]string{"MSFT": "d"}})
		_, err := c.Retrieve(context.Background(), "MSFT", "q")
		wantRetrievalError(t, err, http.StatusServiceUnavailable, "pageindex api key is not configured")
	})

	t.Run("unmapped ticker", func(t *testing.T) {
		_, srv := newPageIndexStub(t)
		c := newTestPageIndexClient(srv.URL, false)
		_, err := c.Retrieve(context.Background(), "TSLA", "q")
		wantRetrievalError(t, err, http.StatusServiceUnavailable, "no pageindex doc_id configured for ticker TSLA")
	})

	t.Run("submit failure", func(t *testing.T) {
		stub, srv := newPageIndexStub(t)
		stub.submitCode = http.StatusInternalServerError
		c := newTestPageIndexClient(srv.URL, false)
		_, err := c.Retrieve(context.Background(), "MSFT", "q")
		wantRetrievalError(t, err, http.StatusBadGateway, "pageindex submit returned status 500")
	})

	t.Run("missing retrieval id", func(t *testing.T) {
		stub, srv := newPageIndexStub(t)
		stub.retrievalID = ""
		stub.pollBodies = []string{`{"status": "completed"}`}
		c := newTestPageIndexClient(srv.URL, false)
		_, err := c.Retrieve(context.Background(), "MSFT", "q")
		wantRetrievalError(t, err, http.StatusBadGateway, "missing retrieval_id")
	})

	t.Run("retrieval failed upstream", func(t *testing.T) {
		stub, srv := newPageIndexStub(t)
		stub.pollBodies = []string{`{"status": "failed"}`}
		c := newTestPageIndexClient(srv.URL, false)
		_, err := c.Retrieve(context.Background(), "MSFT", "q")
		wantRetrievalError(t, err, http.StatusBadGateway, "pageindex retrieval failed (status=failed)")
	})

	t.Run("polling budget exhausted", func(t *testing.T) {
		stub, srv := newPageIndexStub(t)
		stub.pollBodies = []string{`{"status": "processing"}`}
		c := NewPageIndexClient(PageIndexConfig{
			BaseURL:      srv.URL,
			APIKey:       "test-key",
			DocMap:       map[string]string{"MSFT": "doc-msft"},
			PollInterval: time.Millisecond,
			PollTimeout:  time.Nanosecond,
		})
		_, err := c.Retrieve(context.Background(), "MSFT", "q")
		wantRetrievalError(t, err, http.StatusBadGateway, "polling timed out")
	})

	t.Run("context cancelled while polling", func(t *testing.T) {
		stub, srv := newPageIndexStub(t)
		stub.pollBodies = []string{`{"status": "processing"}`}
		c := NewPageIndexClient(PageIndexConfig{
			BaseURL:      srv.URL,
			APIKey:       "test-key",
			DocMap:       map[string]string{"MSFT": "doc-msft"},
			PollInterval: time.Minute,
			PollTimeout:  time.Hour,
		})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		// Cancel once the first poll response is out and the client is
		// parked in its interval wait.
		go func() {
			for {
				if _, polls := stub.snapshot(); polls >= 1 {
					time.Sleep(20 * time.Millisecond)
					cancel()
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
		_, err := c.Retrieve(ctx, "MSFT", "q")
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	})
}

func TestParseDocMap(t *testing.T) {
	got := ParseDocMap("msft:doc-1, AAPL : doc-2 ,broken, :orphan, TSLA: ")
	want := map[string]string{"MSFT": "doc-1", "AAPL": "doc-2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseDocMap = %v, want %v", got, want)
	}
	if got := ParseDocMap(""); len(got) != 0 {
		t.Fatalf("ParseDocMap(\"\") = %v, want empty", got)
	}
}

func TestPageIndexClientDefaults(t *testing.T) {
	c := NewPageIndexClient(PageIndexConfig{BaseURL: "http://api.example/"})
	if c.baseURL != "http://api.example" {
		t.Fatalf("base url = %q, want trailing slash trimmed", c.baseURL)
	}
	if c.pollInterval != time.Second || c.pollTimeout != 45*time.Second {
		t.Fatalf("poll defaults = (%v, %v), want (1s, 45s)", c.pollInterval, c.pollTimeout)
	}
	if c.httpClient == nil || c.log == nil {
		t.Fatal("http client and logger should default")
	}
	if c.HasCredentials() {
		t.Fatal("client without key and doc map reports credentials")
	}
	c.apiKey = "k"
	c.docMap = map[string]string{"MSFT": "d"}
	if !c.HasCredentials() {
		t.Fatal("configured client reports no credentials")
	}
}
