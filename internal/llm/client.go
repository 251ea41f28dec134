// Package llm talks to a hosted text generation model. Gemini generateContent
// and OpenAI-compatible chat completions are supported.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/raredx/orchestrator/internal/circuitbreaker"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// ErrEmptyCompletion is returned when the model answered without any text.
var ErrEmptyCompletion = errors.New("llm returned an empty completion")

// Config configures the generation client.
type Config struct {
	Provider       string
	BaseURL        string
	Model          string
	APIKey         string
	Temperature    float64
	MaxTokens      int
	MaxAttempts    uint64
	InitialBackoff time.Duration
	Timeout        time.Duration
}

// Client implements diagnosis.TextGenerator.
type Client struct {
	cfg    Config
	httpw  *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

// NewClient validates the provider and builds a client.
func NewClient(cfg Config, breaker circuitbreaker.Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Provider {
	case ProviderGemini:
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://generativelanguage.googleapis.com"
		}
	case ProviderOpenAI:
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.openai.com/v1"
		}
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
	if cfg.Model == "" {
		return nil, errors.New("llm model is required")
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	hc := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:    cfg,
		httpw:  circuitbreaker.NewHTTPWrapper(hc, "llm-"+cfg.Provider, "generation", breaker, logger),
		logger: logger,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.cfg.Model }

// Generate completes prompt. Rate limiting and server errors are retried with
// exponential backoff; other failures return immediately.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	b := retry.NewExponential(c.cfg.InitialBackoff)
	b = retry.WithMaxRetries(c.cfg.MaxAttempts-1, b)

	var text string
	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		var err error
		text, err = c.generateOnce(ctx, prompt)
		var se *statusError
		if errors.As(err, &se) && se.retryable() {
			c.logger.Warn("Generation attempt failed, retrying",
				zap.String("model", c.cfg.Model),
				zap.Int("attempt", attempt),
				zap.Int("status", se.code))
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

func (c *Client) generateOnce(ctx context.Context, prompt string) (string, error) {
	switch c.cfg.Provider {
	case ProviderOpenAI:
		return c.chatCompletion(ctx, prompt)
	default:
		return c.generateContent(ctx, prompt)
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig map[string]interface{} `json:"generationConfig,omitempty"`
}

// geminiKeyHeader carries the API key so it never appears in request URLs.
const geminiKeyHeader = "x-goog-api-key"

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (c *Client) generateContent(ctx context.Context, prompt string) (string, error) {
	gen := map[string]interface{}{"temperature": c.cfg.Temperature}
	if c.cfg.MaxTokens > 0 {
		gen["maxOutputTokens"] = c.cfg.MaxTokens
	}
	body := geminiRequest{
		Contents:         []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig: gen,
	}
	model := strings.TrimPrefix(c.cfg.Model, "models/")
	u := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.cfg.BaseURL, url.PathEscape(model))

	var out geminiResponse
	if err := c.postJSON(ctx, u, map[string]string{geminiKeyHeader: c.cfg.APIKey}, body, &out); err != nil {
		return "", err
	}
	if len(out.Candidates) == 0 {
		return "", ErrEmptyCompletion
	}
	var sb strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", ErrEmptyCompletion
	}
	return sb.String(), nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *Client) chatCompletion(ctx context.Context, prompt string) (string, error) {
	body := chatRequest{
		Model:       c.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}

	var out chatResponse
	if err := c.postJSON(ctx, c.cfg.BaseURL+"/chat/completions", headers, body, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", ErrEmptyCompletion
	}
	return out.Choices[0].Message.Content, nil
}

func (c *Client) postJSON(ctx context.Context, u string, headers map[string]string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpw.Do(req)
	if err != nil {
		return fmt.Errorf("generation request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(b))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode generation response: %w", err)
	}
	return nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("generation status %d: %s", e.code, e.body)
}

func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}
