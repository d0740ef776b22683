package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// PageIndexConfig configures the PageIndex API client.
type PageIndexConfig struct {
	BaseURL string
	APIKey  string

	// DocMap maps tickers to PageIndex document ids.
	DocMap map[string]string

	PollInterval time.Duration
	PollTimeout  time.Duration

	// EnableThinking requests reasoning-enhanced retrieval. Downgraded
	// automatically when the thinking quota is exhausted.
	EnableThinking bool

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// PageIndexClient talks to the PageIndex retrieval API: submit a query,
// poll until the run completes, normalize the returned nodes.
type PageIndexClient struct {
	baseURL        string
	apiKey         string
	docMap         map[string]string
	pollInterval   time.Duration
	pollTimeout    time.Duration
	enableThinking bool
	httpClient     *http.Client
	log            *zap.Logger
}

// NewPageIndexClient creates a client. Zero-value intervals default to a
// 1s poll every 45s budget; the HTTP client defaults to a 30s timeout.
func NewPageIndexClient(cfg PageIndexConfig) *PageIndexClient {
	c := &PageIndexClient{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		docMap:         cfg.DocMap,
		pollInterval:   cfg.PollInterval,
		pollTimeout:    cfg.PollTimeout,
		enableThinking: cfg.EnableThinking,
		httpClient:     cfg.HTTPClient,
		log:            cfg.Logger,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = time.Second
	}
	if c.pollTimeout <= 0 {
		c.pollTimeout = 45 * time.Second
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c
}

// ParseDocMap parses "TICKER:doc_id,TICKER:doc_id" into a map. Tickers are
// uppercased; malformed entries are skipped.
func ParseDocMap(raw string) map[string]string {
	docMap := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ticker, docID, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		ticker = strings.ToUpper(strings.TrimSpace(ticker))
		docID = strings.TrimSpace(docID)
		if ticker != "" && docID != "" {
			docMap[ticker] = docID
		}
	}
	return docMap
}

// HasCredentials reports whether the client is configured well enough to
// attempt live retrieval.
func (c *PageIndexClient) HasCredentials() bool {
	return c.apiKey != "" && len(c.docMap) > 0
}

type submitResponse struct {
	RetrievalID string `json:"retrieval_id"`
}

type pollResponse struct {
	Status         string    `json:"status"`
	RetrievedNodes []RawNode `json:"retrieved_nodes"`
}

type errorDetail struct {
	Detail string `json:"detail"`
}

// Retrieve submits the query against the ticker's document and polls until
// the retrieval completes. A 403 LimitReached while thinking is enabled
// downgrades to standard retrieval instead of failing.
func (c *PageIndexClient) Retrieve(ctx context.Context, ticker, query string) (*Result, error) {
	if c.apiKey == "" {
		return nil, &Error{Message: "pageindex api key is not configured", StatusCode: http.StatusServiceUnavailable}
	}
	docID, ok := c.docMap[strings.ToUpper(ticker)]
	if !ok {
		return nil, &Error{
			Message:    fmt.Sprintf("no pageindex doc_id configured for ticker %s", ticker),
			StatusCode: http.StatusServiceUnavailable,
		}
	}

	retrievalID, err := c.submit(ctx, docID, query)
	if err != nil {
		return nil, err
	}
	return c.poll(ctx, ticker, retrievalID)
}

func (c *PageIndexClient) submit(ctx context.Context, docID, query string) (string, error) {
	body := map[string]any{"doc_id": docID, "query": query}
	if c.enableThinking {
		body["thinking"] = true
	}

	status, payload, err := c.post(ctx, body)
	if err != nil {
		return "", err
	}
	if status == http.StatusForbidden && c.enableThinking {
		var detail errorDetail
		_ = json.Unmarshal(payload, &detail)
		if strings.EqualFold(detail.Detail, "limitreached") {
			c.log.Warn("pageindex thinking quota exhausted, downgrading to standard retrieval",
				zap.String("doc_id", docID))
			delete(body, "thinking")
			status, payload, err = c.post(ctx, body)
			if err != nil {
				return "", err
			}
		}
	}
	if status < 200 || status >= 300 {
		return "", &Error{
			Message:    fmt.Sprintf("pageindex submit returned status %d", status),
			StatusCode: http.StatusBadGateway,
		}
	}

	var submit submitResponse
	if err := json.Unmarshal(payload, &submit); err != nil || submit.RetrievalID == "" {
		return "", &Error{Message: "pageindex retrieval response missing retrieval_id", StatusCode: http.StatusBadGateway}
	}
	return submit.RetrievalID, nil
}

func (c *PageIndexClient) post(ctx context.Context, body map[string]any) (int, []byte, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/retrieval/", bytes.NewReader(encoded))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("api_key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &Error{Message: fmt.Sprintf("pageindex request failed: %v", err), StatusCode: http.StatusBadGateway}
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &Error{Message: fmt.Sprintf("pageindex response read failed: %v", err), StatusCode: http.StatusBadGateway}
	}
	return resp.StatusCode, payload, nil
}

func (c *PageIndexClient) poll(ctx context.Context, ticker, retrievalID string) (*Result, error) {
	deadline := time.Now().Add(c.pollTimeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/retrieval/%s/", c.baseURL, retrievalID), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("api_key", c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, &Error{Message: fmt.Sprintf("pageindex poll failed: %v", err), StatusCode: http.StatusBadGateway}
		}
		payload, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, &Error{Message: fmt.Sprintf("pageindex response read failed: %v", err), StatusCode: http.StatusBadGateway}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &Error{
				Message:    fmt.Sprintf("pageindex poll returned status %d", resp.StatusCode),
				StatusCode: http.StatusBadGateway,
			}
		}

		var poll pollResponse
		if err := json.Unmarshal(payload, &poll); err != nil {
			return nil, &Error{Message: "pageindex poll response malformed", StatusCode: http.StatusBadGateway}
		}
		switch poll.Status {
		case "completed":
			return &Result{
				RetrievalID: retrievalID,
				Nodes:       NormalizeNodes(strings.ToUpper(ticker), poll.RetrievedNodes),
			}, nil
		case "failed", "error":
			return nil, &Error{
				Message:    fmt.Sprintf("pageindex retrieval failed (status=%s)", poll.Status),
				StatusCode: http.StatusBadGateway,
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
	return nil, &Error{Message: "pageindex retrieval polling timed out", StatusCode: http.StatusBadGateway}
}
