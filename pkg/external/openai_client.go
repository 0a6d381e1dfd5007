package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/trial-prescreen-server/internal/domain"
)

const (
	defaultModel           = "gpt-4o-mini"
	structuredMaxTokens    = 400
	structuredTemperature  = 0
	structuredSystemPrompt = "You extract structured data for a clinical trial screening assistant. " +
		"Reply with a single JSON object only, matching this JSON schema:\n%s\n" +
		"Use null for anything the text does not state. Do not guess."
)

// OpenAIClient implements domain.NLService on the OpenAI chat completion API.
type OpenAIClient struct {
	client *openai.Client
	model  string
	logger *logrus.Logger
}

// NewOpenAIClient builds a client from config. BaseURL may point at any
// OpenAI-compatible endpoint.
func NewOpenAIClient(cfg domain.NLServiceConfig, logger *logrus.Logger) *OpenAIClient {
	oaCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oaCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(oaCfg),
		model:  model,
		logger: logger,
	}
}

// Complete returns the model's reply to prompt.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string, maxTokens int, temperature float32) (string, error) {
	return c.chat(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	}, maxTokens, temperature)
}

// ExtractStructured asks for a JSON object matching schemaHint and parses
// the reply, repairing malformed JSON where it can.
func (c *OpenAIClient) ExtractStructured(ctx context.Context, prompt string, schemaHint map[string]any, timeout time.Duration) (map[string]any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	schema, err := json.Marshal(schemaHint)
	if err != nil {
		return nil, fmt.Errorf("encoding schema hint: %w", err)
	}
	reply, err := c.chat(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: fmt.Sprintf(structuredSystemPrompt, schema)},
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	}, structuredMaxTokens, structuredTemperature)
	if err != nil {
		return nil, err
	}

	out, err := ParseStructured(reply, schemaHint)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"model":       c.model,
			"reply_bytes": len(reply),
		}).WithError(err).Warn("Structured extraction reply rejected")
		return nil, err
	}
	return out, nil
}

func (c *OpenAIClient) chat(ctx context.Context, messages []openai.ChatCompletionMessage, maxTokens int, temperature float32) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// statusCode returns the HTTP status behind an API error, or 0.
func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
