package summary

import (
	"context"
	"errors"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/finrisklabs/finrisk/internal/retrieval"
)

// GoogleGenerator generates summaries through the Gemini API. Close must
// be called when the generator is no longer needed.
type GoogleGenerator struct {
	client *genai.Client
	model  string
}

// NewGoogleGenerator creates a generator for the given Gemini model.
func NewGoogleGenerator(ctx context.Context, apiKey, model string) (*GoogleGenerator, error) {
	if apiKey == "" {
		return nil, errors.New("google api key cannot be empty")
	}
	if model == "" {
		return nil, errors.New("google model cannot be empty")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &GoogleGenerator{client: client, model: model}, nil
}

// Close releases the underlying client.
func (g *GoogleGenerator) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// GenerateSummary sends the shared analyst prompt and concatenates the
// text parts of the first candidate.
func (g *GoogleGenerator) GenerateSummary(ctx context.Context, ticker, query string, nodes []retrieval.Node) (string, error) {
	if len(nodes) == 0 {
		return "", errEmptyNodes("google")
	}

	model := g.client.GenerativeModel(g.model)
	model.SetTemperature(0.2)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}

	resp, err := model.GenerateContent(ctx, genai.Text(userPrompt(ticker, query, nodes)))
	if err != nil {
		return "", mapProviderError("google", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", &ProviderError{Provider: "google", Code: "empty_response", Message: "response contained no candidates", Retryable: true}
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	if text.Len() == 0 {
		return "", &ProviderError{Provider: "google", Code: "empty_response", Message: "response contained no text parts", Retryable: true}
	}
	return text.String(), nil
}
