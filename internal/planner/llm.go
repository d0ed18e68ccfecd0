package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	logx "waterbender/pkg/logx"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
	DefaultModel   = "gemini-2.5-flash"
)

// ErrNoAPIKey is returned when the AI section carries no key.
var ErrNoAPIKey = errors.New("ai api key not configured")

// LLMConfig configures an OpenAI-compatible chat completions endpoint.
type LLMConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature *float64
	MaxTokens   int
	Timeout     time.Duration
	// Retries is how many times a retryable failure (429, 5xx, transport
	// error) is retried.
	Retries int
}

// LLM is a minimal chat completions client.
type LLM struct {
	cfg  LLMConfig
	http *http.Client
	log  logx.Logger
}

func NewLLM(cfg LLMConfig, log logx.Logger) *LLM {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LLM{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, log: log}
}

func (c *LLM) Enabled() bool { return c != nil && strings.TrimSpace(c.cfg.APIKey) != "" }

func (c *LLM) Model() string { return c.cfg.Model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string {
	return "chat completions: status " + http.StatusText(e.code) + ": " + e.msg
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Complete sends a single user message and returns the trimmed reply text.
func (c *LLM) Complete(ctx context.Context, prompt string) (string, error) {
	if !c.Enabled() {
		return "", ErrNoAPIKey
	}
	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", errors.Wrap(err, "encode chat request")
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * time.Second
			c.log.Warn("chat completion retry", logx.Int("attempt", attempt), logx.Duration("backoff", backoff), logx.Err(lastErr))
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return "", ctx.Err()
			case <-t.C:
			}
		}
		text, err := c.do(ctx, body)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return "", lastErr
}

func (c *LLM) do(ctx context.Context, body []byte) (string, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "build chat request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "chat completions request")
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(err, "read chat response")
	}

	var out chatResponse
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(raw))
		if out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return "", &statusError{code: resp.StatusCode, msg: truncate(msg, 300)}
	}
	if len(out.Choices) == 0 {
		return "", errors.New("chat completions: no choices in response")
	}
	c.log.Debug("chat completion done",
		logx.String("model", c.cfg.Model),
		logx.Duration("took", time.Since(start)),
		logx.String("finish", out.Choices[0].FinishReason))
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
