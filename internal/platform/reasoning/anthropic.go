package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/tradelane/api/internal/services"
)

const (
	defaultModel      = "claude-sonnet-4-20250514"
	defaultMaxTokens  = 2048
	defaultTimeout    = 60 * time.Second
	defaultMaxRetries = 2

	systemPrompt = "You are a trade logistics analyst. Answer with a single JSON value and no surrounding prose."
)

// ErrEmptyCompletion is returned when the model produced no text content.
var ErrEmptyCompletion = errors.New("reasoning: empty completion")

// Messager is the subset of the Anthropic messages API the client depends on.
type Messager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Config tunes the Anthropic client. Zero or negative values fall back to the package defaults.
type Config struct {
	APIKey     string
	Model      string
	MaxTokens  int64
	Timeout    time.Duration
	MaxRetries int
}

// Client implements services.Reasoner on top of the Anthropic Messages API.
type Client struct {
	messages  Messager
	model     anthropic.Model
	maxTokens int64
	timeout   time.Duration
	logger    *zap.Logger
}

var _ services.Reasoner = (*Client)(nil)

// New builds a client from cfg. The API key must come from configuration or Secret Manager.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("reasoning: anthropic api key is required")
	}
	sdk := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(cfg.retries()),
	)
	return NewWithMessager(&sdk.Messages, cfg, logger), nil
}

func (c Config) retries() int {
	if c.MaxRetries <= 0 {
		return defaultMaxRetries
	}
	return c.MaxRetries
}

// NewWithMessager wires an existing messages API, typically a fake in tests.
func NewWithMessager(messages Messager, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		messages:  messages,
		model:     anthropic.Model(model),
		maxTokens: maxTokens,
		timeout:   timeout,
		logger:    logger,
	}
}

// Complete sends prompt as a single user turn and returns the concatenated text blocks.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if c == nil || c.messages == nil {
		return "", errors.New("reasoning: client not initialised")
	}
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("reasoning: prompt is required")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.messages.New(ctx, anthropic.MessageNewParams{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
		Temperature: anthropic.Float(0),
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			c.logger.Warn("anthropic request failed",
				zap.Int("status", apiErr.StatusCode),
				zap.Duration("elapsed", time.Since(start)),
			)
			return "", fmt.Errorf("reasoning: anthropic status %d: %w", apiErr.StatusCode, err)
		}
		return "", fmt.Errorf("reasoning: anthropic request: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	c.logger.Debug("anthropic completion",
		zap.String("model", string(resp.Model)),
		zap.String("stopReason", string(resp.StopReason)),
		zap.Int64("inputTokens", resp.Usage.InputTokens),
		zap.Int64("outputTokens", resp.Usage.OutputTokens),
		zap.Duration("elapsed", time.Since(start)),
	)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
