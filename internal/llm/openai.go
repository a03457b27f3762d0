package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIClient implements Client for OpenAI chat models via langchaingo
type OpenAIClient struct {
	llm    llms.Model
	config *Config
}

// NewOpenAIClient creates a new OpenAI client
func NewOpenAIClient(config *Config, apiKey string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	model, err := openai.New(
		openai.WithToken(apiKey),
		openai.WithModel(config.DefaultModel),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
	}

	return newOpenAIClientWithModel(model, config), nil
}

func newOpenAIClientWithModel(model llms.Model, config *Config) *OpenAIClient {
	return &OpenAIClient{llm: model, config: config}
}

// Complete sends system, developer and user blocks as separate chat messages
// and asks for a JSON object response.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	modelName := c.config.ResolveModel(req.Model)

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, req.System),
	}
	if req.Developer != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.Developer))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.User))

	resp, err := c.llm.GenerateContent(ctx, messages,
		llms.WithModel(modelName),
		llms.WithMaxTokens(c.config.ResolveMaxTokens(req.MaxTokens)),
		llms.WithTemperature(c.config.Temperature),
		llms.WithJSONMode(),
	)
	if err != nil {
		return nil, transportError(ctx, ProviderOpenAI, "failed to generate content", err)
	}

	if len(resp.Choices) == 0 {
		return nil, &TransportError{Provider: ProviderOpenAI, Message: "no response choices"}
	}

	choice := resp.Choices[0]
	return &Response{
		Text:             choice.Content,
		Model:            modelName,
		PromptTokens:     intInfo(choice.GenerationInfo, "PromptTokens"),
		CompletionTokens: intInfo(choice.GenerationInfo, "CompletionTokens"),
	}, nil
}

// Close is a no-op; the langchaingo client holds no pooled resources
func (c *OpenAIClient) Close() error {
	return nil
}

func intInfo(info map[string]any, key string) int {
	if v, ok := info[key].(int); ok {
		return v
	}
	return 0
}
