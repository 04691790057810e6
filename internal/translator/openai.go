package translator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/tordrt/llmquery/internal/apperr"
)

// Defaults for the OpenAI-compatible translator
const (
	DefaultModel       = "gpt-3.5-turbo"
	DefaultBaseURL     = "https://api.openai.com/v1"
	DefaultTemperature = 0.1
	DefaultMaxTokens   = 500
)

// OpenAIConfig configures an OpenAI-compatible chat completion endpoint
type OpenAIConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float32
	MaxTokens   int
	// RatePerSecond limits requests to the endpoint; zero or less disables the limit
	RatePerSecond float64
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// OpenAI translates prompts with a chat completion model
type OpenAI struct {
	client  *openai.Client
	cfg     OpenAIConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewOpenAI creates a translator. An API key is required.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, apperr.Errorf(apperr.KindConfig, "translator", "LLM API key is required for natural language queries")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}

	return &OpenAI{
		client:  openai.NewClientWithConfig(clientCfg),
		cfg:     cfg,
		limiter: limiter,
		logger:  cfg.Logger,
	}, nil
}

// Translate asks the model for a query answering req.Prompt
func (t *OpenAI) Translate(ctx context.Context, req Request) (string, error) {
	const op = "translate"

	if err := t.limiter.Wait(ctx); err != nil {
		return "", apperr.New(apperr.KindTranslation, op, fmt.Errorf("rate limit wait: %w", err))
	}

	start := time.Now()
	resp, err := t.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: t.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: Instructions(req.Dialect, req.Schema)},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		Temperature: t.cfg.Temperature,
		MaxTokens:   t.cfg.MaxTokens,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", apperr.New(apperr.KindTranslation, op,
				fmt.Errorf("failed to generate query: %s (status %d)", apiErr.Message, apiErr.HTTPStatusCode))
		}
		return "", apperr.New(apperr.KindTranslation, op, fmt.Errorf("failed to generate query: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", apperr.Errorf(apperr.KindTranslation, op, "language model returned no choices")
	}

	query := CleanQuery(resp.Choices[0].Message.Content)
	if query == "" {
		return "", apperr.Errorf(apperr.KindTranslation, op, "language model returned an empty query")
	}

	t.logger.Debug("query generated",
		slog.String("model", t.cfg.Model),
		slog.String("dialect", string(req.Dialect)),
		slog.Int("total_tokens", resp.Usage.TotalTokens),
		slog.Duration("duration", time.Since(start)))
	return query, nil
}
