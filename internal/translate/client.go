// Package translate wraps the external LLM provider used to turn a
// free-form prompt into Danbooru-style tags via a stateless HTTPS
// call. Errors are classified so C9 never echoes a raw provider error
// to the caller.
package translate

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/forgecanvas/comfybroker/internal/apperr"
)

const systemPrompt = "You are an expert in creating high-quality, detailed image generation prompts " +
	"using Danbooru tags. Convert the user's natural language description into a " +
	"comma-separated list of Danbooru tags. Only output tags, no explanations."

// Client is a thin wrapper over the provider SDK, constructed once at
// startup from the configured API key and base URL.
type Client struct {
	api     anthropic.Client
	model   anthropic.Model
	enabled bool
}

// New builds a Client. An empty apiKey means translation is disabled;
// callers should check Enabled before calling Translate.
func New(apiKey, baseURL string) *Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{
		api:     anthropic.NewClient(opts...),
		model:   anthropic.ModelClaudeHaiku4_5,
		enabled: apiKey != "",
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.enabled
}

// Translate converts text into a Danbooru tag string. Provider
// authentication and quota failures are mapped to apperr kinds so C9
// can respond with generic, actionable messages instead of the raw
// provider error body.
func (c *Client) Translate(ctx context.Context, text string) (string, error) {
	if text == "" {
		return "", apperr.New(apperr.Validation, "text is required", nil)
	}

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 512,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
	})
	if err != nil {
		return "", classifyProviderError(err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", apperr.New(apperr.UpstreamProtocol, "translation provider returned no text", nil)
}

func classifyProviderError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return apperr.New(apperr.Unauthorized, "translation provider rejected the configured API key", err)
		case 429:
			return apperr.New(apperr.QueueFull, "translation provider quota exceeded, try again shortly", err)
		case 400:
			return apperr.New(apperr.Validation, "translation provider rejected the request text", err)
		}
	}
	return apperr.New(apperr.ServiceUnavailable, "translation provider is unavailable", err)
}
