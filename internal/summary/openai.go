package summary

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/finrisklabs/finrisk/internal/retrieval"
)

// openaiChat is the slice of the OpenAI client the generator uses.
// Narrowing the dependency keeps the generator testable without network.
type openaiChat interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIGenerator generates summaries through the OpenAI chat completions
// API. Safe for concurrent use.
type OpenAIGenerator struct {
	chat  openaiChat
	model string
}

// NewOpenAIGenerator creates a generator for the given model. A non-empty
// baseURL redirects calls, which also covers OpenAI-compatible gateways.
func NewOpenAIGenerator(apiKey, model, baseURL string) (*OpenAIGenerator, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key cannot be empty")
	}
	if model == "" {
		return nil, errors.New("openai model cannot be empty")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)

	return &OpenAIGenerator{chat: &client.Chat.Completions, model: model}, nil
}

// GenerateSummary sends the shared analyst prompt and returns the model's
// summary text.
func (g *OpenAIGenerator) GenerateSummary(ctx context.Context, ticker, query string, nodes []retrieval.Node) (string, error) {
	if len(nodes) == 0 {
		return "", errEmptyNodes("openai")
	}

	completion, err := g.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(g.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: openai.String(systemPrompt),
					},
				},
			},
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(userPrompt(ticker, query, nodes)),
					},
				},
			},
		},
		Temperature: openai.Float(0.2),
	})
	if err != nil {
		return "", mapProviderError("openai", err)
	}

	if len(completion.Choices) == 0 {
		return "", &ProviderError{Provider: "openai", Code: "empty_response", Message: "response contained no choices", Retryable: true}
	}
	content := completion.Choices[0].Message.Content
	if content == "" {
		return "", &ProviderError{Provider: "openai", Code: "empty_response", Message: "response contained empty content", Retryable: true}
	}
	return content, nil
}
