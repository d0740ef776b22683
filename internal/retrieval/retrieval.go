// Package retrieval fetches 10-K sections relevant to a risk query, either
// from the PageIndex API or from a deterministic mock engine used in
// development and studies without API credentials.
package retrieval

import "context"

// Node is one normalized document section returned to the pipeline.
type Node struct {
	NodeID          string `json:"node_id"`
	Title           string `json:"title"`
	PageIndex       int    `json:"page_index"`
	RelevantContent string `json:"relevant_content"`
}

// Result is the outcome of one retrieval call.
type Result struct {
	RetrievalID string `json:"retrieval_id"`
	Nodes       []Node `json:"nodes"`
}

// Retriever runs a retrieval for a ticker's filing.
type Retriever interface {
	Retrieve(ctx context.Context, ticker, query string) (*Result, error)
}

// Error is a retrieval failure with the HTTP status the API layer should
// surface when no fallback rescues the call.
type Error struct {
	Message    string
	StatusCode int
}

func (e *Error) Error() string { return e.Message }
