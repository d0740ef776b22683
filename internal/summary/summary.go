// Package summary generates grounded risk summaries from retrieved filing
// sections. Providers share one analyst prompt so the study compares
// models, not prompt engineering; a deterministic mock composer serves
// credential-less deployments and the automatic fallback path.
package summary

import (
	"context"
	"fmt"
	"strings"

	"github.com/finrisklabs/finrisk/internal/retrieval"
)

// Generator produces a risk summary for a ticker from selected sections.
type Generator interface {
	GenerateSummary(ctx context.Context, ticker, query string, nodes []retrieval.Node) (string, error)
}

// ProviderError is a normalized LLM provider failure. Retryable reports
// whether backing off and retrying could succeed (rate limits, server
// errors) as opposed to configuration problems (bad key, spent quota).
type ProviderError struct {
	Provider  string
	Code      string
	Message   string
	Retryable bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Code)
}

const systemPrompt = "You are a financial analyst assistant. Generate a concise risk summary " +
	"based ONLY on the provided document sections. Every claim must be traceable " +
	"to a specific source section. Do not infer facts not present in the sources. " +
	"Format citations as [Section Title, Page N]."

// userPrompt renders the shared generation prompt: task header, sections
// separated by "---", and the required output structure.
func userPrompt(ticker, query string, nodes []retrieval.Node) string {
	sections := make([]string, len(nodes))
	for i, node := range nodes {
		sections[i] = fmt.Sprintf("Section: %s (Page %d)\n%s", node.Title, node.PageIndex, node.RelevantContent)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Ticker: %s\n", ticker)
	fmt.Fprintf(&sb, "Query: %s\n\n", query)
	sb.WriteString("Relevant Document Sections:\n")
	sb.WriteString("---\n")
	sb.WriteString(strings.Join(sections, "\n---\n"))
	sb.WriteString("\n---\n\n")
	sb.WriteString("Generate a structured risk summary (300-500 words) with:\n")
	sb.WriteString("1. Executive overview\n")
	sb.WriteString("2. Key risk categories identified\n")
	sb.WriteString("3. Specific risk details with inline citations [Section Title, Page N]\n")
	sb.WriteString("4. Potential impact assessment based on disclosed information")
	return sb.String()
}

// mapProviderError classifies an SDK error by message inspection. The SDKs
// do not expose stable error types across transports, so substring checks
// are the portable option.
func mapProviderError(provider string, err error) error {
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "429"),
		strings.Contains(msg, "too many requests"):
		return &ProviderError{Provider: provider, Code: "rate_limited", Message: "rate limit exceeded", Retryable: true}
	case strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "incorrect api key"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "authentication"):
		return &ProviderError{Provider: provider, Code: "invalid_api_key", Message: "api key is invalid or expired", Retryable: false}
	case strings.Contains(msg, "quota"),
		strings.Contains(msg, "billing"):
		return &ProviderError{Provider: provider, Code: "quota_exceeded", Message: "api quota exceeded", Retryable: false}
	case strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "504"),
		strings.Contains(msg, "internal server error"),
		strings.Contains(msg, "service unavailable"):
		return &ProviderError{Provider: provider, Code: "server_error", Message: err.Error(), Retryable: true}
	case strings.Contains(msg, "connection"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "network"):
		return &ProviderError{Provider: provider, Code: "network_error", Message: err.Error(), Retryable: true}
	}
	return &ProviderError{Provider: provider, Code: "api_error", Message: err.Error(), Retryable: false}
}

func errEmptyNodes(provider string) error {
	return &ProviderError{Provider: provider, Code: "empty_input", Message: "cannot generate summary with empty node list", Retryable: false}
}
