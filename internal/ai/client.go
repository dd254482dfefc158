// Package ai implements the inference client on the Anthropic API. Each call
// runs under a hard wall-clock deadline and is never retried here; retry
// policy belongs to the worker.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	apperrors "github.com/assessly/assess-api/internal/errors"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 8192
	defaultTimeout   = 60 * time.Second
)

// systemPrompt frames every assessment request. The payload is supplied
// verbatim as the user message.
const systemPrompt = "You are an assessment analysis engine. " +
	"Analyze the submitted assessment payload and respond with a single JSON object " +
	"containing your findings. Respond with JSON only."

// ClientOptions configures the inference client.
type ClientOptions struct {
	APIKey string
	Model  string
	// MaxTokens bounds the model response size.
	MaxTokens int64
	// RequestTimeout is the hard wall-clock deadline per call. The in-flight
	// request is canceled when it elapses.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Client calls the Anthropic API for assessment analysis.
type Client struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	timeout   time.Duration
	logger    *slog.Logger
}

// NewClient creates a new inference client.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("api key is required")
	}

	model := opts.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		client:    anthropic.NewClient(option.WithAPIKey(opts.APIKey)),
		model:     anthropic.Model(model),
		maxTokens: maxTokens,
		timeout:   timeout,
		logger:    opts.Logger,
	}, nil
}

// Infer runs one analysis call for the payload. The call is canceled when the
// configured deadline elapses and the error is classified as ai_timeout,
// ai_upstream, or transport.
func (c *Client) Infer(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		return nil, apperrors.Validation("payload is required")
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.Messages.New(callCtx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(string(payload))),
		},
	})
	if err != nil {
		return nil, ClassifyCallError(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, apperrors.AIUpstream("model returned no text content")
	}

	if c.logger != nil {
		c.logger.DebugContext(ctx, "inference call completed",
			"model", string(c.model),
			"duration_ms", time.Since(start).Milliseconds(),
			"response_bytes", text.Len(),
		)
	}

	return normalizeAnalysis(text.String()), nil
}

// normalizeAnalysis keeps the stored analysis valid JSON even when the model
// strays from the instructed format.
func normalizeAnalysis(text string) json.RawMessage {
	trimmed := strings.TrimSpace(text)
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	wrapped, err := json.Marshal(map[string]string{"analysis": trimmed})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return wrapped
}

// ClassifyCallError maps an inference call failure into the application error
// taxonomy:
//   - deadline expiry → ai_timeout
//   - an error response from the model service → ai_upstream
//   - anything else (network, DNS, TLS) → transport
func ClassifyCallError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(err, apperrors.ErrCodeAITimeout, "model call deadline exceeded")
	}
	if errors.Is(err, context.Canceled) {
		return apperrors.Wrap(err, apperrors.ErrCodeCanceled, "model call canceled")
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apperrors.Wrapf(err, apperrors.ErrCodeAIUpstream,
			"model service returned status %d", apiErr.StatusCode)
	}

	return apperrors.Wrap(err, apperrors.ErrCodeTransport, "model call transport failure")
}

// String describes the client configuration for startup logging.
func (c *Client) String() string {
	return fmt.Sprintf("anthropic model=%s timeout=%s", c.model, c.timeout)
}
