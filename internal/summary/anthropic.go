package summary

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/finrisklabs/finrisk/internal/retrieval"
)

// anthropicMessages is the slice of the Anthropic client the generator uses.
type anthropicMessages interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicGenerator generates summaries through the Anthropic messages
// API. Safe for concurrent use.
type AnthropicGenerator struct {
	messages anthropicMessages
	model    string
}

// NewAnthropicGenerator creates a generator for the given Claude model.
func NewAnthropicGenerator(apiKey, model string) (*AnthropicGenerator, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key cannot be empty")
	}
	if model == "" {
		return nil, errors.New("anthropic model cannot be empty")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicGenerator{messages: &client.Messages, model: model}, nil
}

// GenerateSummary sends the shared analyst prompt and concatenates the
// text blocks of the response.
func (g *AnthropicGenerator) GenerateSummary(ctx context.Context, ticker, query string, nodes []retrieval.Node) (string, error) {
	if len(nodes) == 0 {
		return "", errEmptyNodes("anthropic")
	}

	message, err := g.messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt(ticker, query, nodes))),
		},
		Temperature: anthropic.Float(0.2),
	})
	if err != nil {
		return "", mapProviderError("anthropic", err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", &ProviderError{Provider: "anthropic", Code: "empty_response", Message: "response contained no text blocks", Retryable: true}
	}
	return text.String(), nil
}
