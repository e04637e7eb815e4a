// Package openai implements llm.ChatClient against the OpenAI API (or any
// OpenAI-compatible endpoint), adapted from the teacher's streaming
// Provider down to the single non-streaming JSON-mode call every agent in
// this core issues: one request, one parsed response, one usage record.
package openai

import (
	"context"
	"fmt"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/invisibrow/invisibrow/pkg/llm"
)

// Client implements llm.ChatClient against an OpenAI-compatible
// /chat/completions endpoint, using a strict json_schema response_format
// when a schema is given and json_object otherwise.
type Client struct {
	raw openai.Client
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	apiKey  string
	baseURL string
}

// WithAPIKey overrides the API key (default: OPENAI_API_KEY env var).
func WithAPIKey(key string) ClientOption {
	return func(c *clientConfig) { c.apiKey = key }
}

// WithBaseURL overrides the API base URL (default: OPENAI_BASE_URL env
// var, or the public OpenAI endpoint).
func WithBaseURL(url string) ClientOption {
	return func(c *clientConfig) { c.baseURL = url }
}

// New creates a Client from the given options and/or environment
// variables.
func New(opts ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		apiKey:  os.Getenv("OPENAI_API_KEY"),
		baseURL: os.Getenv("OPENAI_BASE_URL"),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.apiKey == "" {
		return nil, fmt.Errorf("openai: new: API key is required (set OPENAI_API_KEY or use WithAPIKey)")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Client{raw: openai.NewClient(reqOpts...)}, nil
}

// Chat implements llm.ChatClient. jsonSchema, when non-nil, is folded
// into a strict json_schema response_format so the model is constrained
// to emit conforming JSON; callers still validate the parsed result.
func (c *Client) Chat(ctx context.Context, model string, messages []llm.Message, jsonSchema map[string]interface{}) (string, llm.Usage, error) {
	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: convertMessages(messages),
	}

	if jsonSchema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "step",
					Schema: jsonSchema,
					Strict: openai.Bool(true),
				},
			},
		}
	} else {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := c.raw.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", llm.Usage{}, fmt.Errorf("openai: chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", llm.Usage{}, fmt.Errorf("openai: chat: no choices in response")
	}

	usage := llm.Usage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		CachedTokens: int(resp.Usage.PromptTokensDetails.CachedTokens),
	}

	return resp.Choices[0].Message.Content, usage, nil
}

func convertMessages(messages []llm.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case llm.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
