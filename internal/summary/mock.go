package summary

import (
	"context"
	"fmt"
	"strings"

	"github.com/finrisklabs/finrisk/internal/retrieval"
)

// MockGenerator composes a summary directly from the retrieved sections.
// Output is a pure function of its inputs, so study runs without LLM
// credentials stay reproducible. It also backs the generation fallback
// when a live provider fails.
type MockGenerator struct{}

// NewMockGenerator creates the deterministic composer.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{}
}

// GenerateSummary composes the fixed-structure mock summary.
func (*MockGenerator) GenerateSummary(_ context.Context, ticker, query string, nodes []retrieval.Node) (string, error) {
	return ComposeMockSummary(ticker, query, nodes), nil
}

// ComposeMockSummary renders the mock summary: an executive overview, up
// to five key signals quoted from the sections, a fixed impact block, and
// up to eight deduplicated citations.
func ComposeMockSummary(ticker, query string, nodes []retrieval.Node) string {
	var citations []string
	seen := make(map[string]bool)
	for _, node := range nodes {
		citation := fmt.Sprintf("[%s, Page %d]", node.Title, node.PageIndex)
		if !seen[citation] {
			seen[citation] = true
			citations = append(citations, citation)
		}
	}

	var keyPoints []string
	for _, node := range nodes {
		if len(keyPoints) == 5 {
			break
		}
		keyPoints = append(keyPoints, fmt.Sprintf("- %s [%s, Page %d]", node.RelevantContent, node.Title, node.PageIndex))
	}

	citationsLine := "[No sources]"
	if len(citations) > 0 {
		if len(citations) > 8 {
			citations = citations[:8]
		}
		citationsLine = strings.Join(citations, " ")
	}
	keyPointsText := "- No retrieved evidence available."
	if len(keyPoints) > 0 {
		keyPointsText = strings.Join(keyPoints, "\n")
	}

	return fmt.Sprintf(
		"Executive overview: For %s, disclosures relevant to '%s' indicate a multi-factor risk "+
			"profile spanning operations, regulation, technology resilience, and external dependencies.\n\n"+
			"Key disclosed risk signals:\n%s\n\n"+
			"Potential impact:\n"+
			"- Margin pressure from compliance and remediation costs.\n"+
			"- Revenue and retention sensitivity if service reliability weakens.\n"+
			"- Execution delays when supplier, regulatory, or macro conditions deteriorate.\n\n"+
			"Source attribution: %s",
		ticker, query, keyPointsText, citationsLine)
}
