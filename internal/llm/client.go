package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Request is a three-part model request
type Request struct {
	System    string
	Developer string
	User      string
	Model     string
	MaxTokens int
}

// Response is the model's text plus accounting
type Response struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Client is an abstraction over LLM providers
type Client interface {
	// Complete sends req and returns the raw response text. Failures are *TransportError.
	Complete(ctx context.Context, req Request) (*Response, error)
	// Close releases any resources held by the client
	Close() error
}

// NewClient creates a new LLM client based on configuration
func NewClient(ctx context.Context, config *Config, apiKey string) (Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	switch config.Provider {
	case ProviderGemini:
		return NewGeminiClient(ctx, config, apiKey)
	case ProviderOpenAI:
		return NewOpenAIClient(config, apiKey)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", config.Provider)
	}
}

// GeminiClient implements Client for Google Gemini
type GeminiClient struct {
	client *genai.Client
	config *Config
}

// NewGeminiClient creates a new Gemini client
func NewGeminiClient(ctx context.Context, config *Config, apiKey string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{
		client: client,
		config: config,
	}, nil
}

// Complete generates a JSON response. Gemini has no developer role, so the
// developer block is appended to the system instruction.
func (c *GeminiClient) Complete(ctx context.Context, req Request) (*Response, error) {
	modelName := c.config.ResolveModel(req.Model)
	if modelName == "" {
		return nil, fmt.Errorf("no model configured")
	}

	model := c.client.GenerativeModel(modelName)
	model.SetTemperature(float32(c.config.Temperature))
	model.SetMaxOutputTokens(int32(c.config.ResolveMaxTokens(req.MaxTokens)))
	model.ResponseMIMEType = "application/json"
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(joinBlocks(req.System, req.Developer))},
	}

	resp, err := model.GenerateContent(ctx, genai.Text(req.User))
	if err != nil {
		return nil, transportError(ctx, ProviderGemini, "failed to generate content", err)
	}

	text, err := extractTextFromResponse(resp)
	if err != nil {
		return nil, &TransportError{Provider: ProviderGemini, Message: "unusable response", Cause: err}
	}

	out := &Response{Text: text, Model: modelName}
	if resp.UsageMetadata != nil {
		out.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// Close releases resources held by the client
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// extractTextFromResponse extracts text from Gemini API response
func extractTextFromResponse(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("no content in response")
	}

	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("no text parts in response")
	}

	return strings.Join(parts, ""), nil
}

func joinBlocks(blocks ...string) string {
	var nonEmpty []string
	for _, b := range blocks {
		if b = strings.TrimSpace(b); b != "" {
			nonEmpty = append(nonEmpty, b)
		}
	}
	return strings.Join(nonEmpty, "\n\n")
}
