// Package llm provides a client for a local Ollama-compatible text-generation
// service, with bounded retries and tolerant JSON extraction from model output.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"newsdesk/internal/config"
	"newsdesk/internal/core"
	"newsdesk/internal/logger"
)

// Error taxonomy for LLM calls. ErrUnavailable and ErrTimeout are transient
// and retried; the rest are terminal.
var (
	ErrUnavailable   = errors.New("llm service unavailable")
	ErrTimeout       = errors.New("llm request timed out")
	ErrBadResponse   = errors.New("llm returned an unparseable response")
	ErrModelNotFound = errors.New("llm model not found")
	ErrInvalidPrompt = errors.New("invalid prompt")
)

const maxAttempts = 3

// Request describes one completion call.
type Request struct {
	Prompt      string
	Model       string // empty means the client default
	Temperature float64
	MaxTokens   int
}

// Client talks to the local generation endpoint.
type Client struct {
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
	log         *slog.Logger

	mu         sync.Mutex
	parseStats map[core.ParseStrategy]int
}

// NewClient creates a client from configuration. The configured temperature
// and token cap are the defaults for requests that leave them unset.
func NewClient(cfg config.LLM) *Client {
	return &Client{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout(),
		},
		log:        logger.Get(),
		parseStats: make(map[core.ParseStrategy]int),
	}
}

// Model returns the client's default model identifier.
func (c *Client) Model() string {
	return c.model
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Complete sends a prompt and returns the raw model text. Transient failures
// are retried up to three times with exponential backoff; model-not-found and
// invalid prompts are not retried.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", ErrInvalidPrompt
	}

	model := req.Model
	if model == "" {
		model = c.model
	}

	var result string
	operation := func() error {
		text, err := c.generate(ctx, model, req)
		if err != nil {
			if errors.Is(err, ErrModelNotFound) || errors.Is(err, ErrInvalidPrompt) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		result = text
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAttempts-1)
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return "", err
	}
	return result, nil
}

func (c *Client) generate(ctx context.Context, model string, req Request) (string, error) {
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	body, err := json.Marshal(generateRequest{
		Model:  model,
		Prompt: req.Prompt,
		Stream: false,
		Options: generateOptions{
			Temperature: temperature,
			NumPredict:  maxTokens,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded || isTimeout(err) {
			return "", fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: reading body: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%w: %s", ErrModelNotFound, model)
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%w: status %d: %s", ErrBadResponse, resp.StatusCode, truncate(string(data), 200))
	}

	var gen generateResponse
	if err := json.Unmarshal(data, &gen); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if gen.Error != "" {
		if strings.Contains(gen.Error, "not found") {
			return "", fmt.Errorf("%w: %s", ErrModelNotFound, gen.Error)
		}
		return "", fmt.Errorf("%w: %s", ErrBadResponse, gen.Error)
	}
	if strings.TrimSpace(gen.Response) == "" {
		return "", fmt.Errorf("%w: empty response", ErrBadResponse)
	}

	return gen.Response, nil
}

// Ping checks whether the generation service is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// ParseStats returns a copy of the per-strategy parse counters.
func (c *Client) ParseStats() map[core.ParseStrategy]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[core.ParseStrategy]int, len(c.parseStats))
	for k, v := range c.parseStats {
		out[k] = v
	}
	return out
}

func (c *Client) recordStrategy(s core.ParseStrategy) {
	c.mu.Lock()
	c.parseStats[s]++
	c.mu.Unlock()
}

// ParseJSON recovers a JSON value from model output, trying progressively
// more forgiving strategies: direct parse, fenced markdown block, balanced
// brace scan, then bounded repair. The strategy that succeeded is returned
// and counted for observability.
func (c *Client) ParseJSON(text string, v any) (core.ParseStrategy, error) {
	strategy, err := ParseJSON(text, v)
	if err == nil {
		c.recordStrategy(strategy)
	}
	return strategy, err
}

// ParseJSON is the strategy chain without a client receiver, usable in tests
// and by callers that do not hold a client.
func ParseJSON(text string, v any) (core.ParseStrategy, error) {
	trimmed := strings.TrimSpace(text)

	if err := json.Unmarshal([]byte(trimmed), v); err == nil {
		return core.ParseDirect, nil
	}

	if block, ok := extractMarkdownBlock(trimmed); ok {
		if err := json.Unmarshal([]byte(block), v); err == nil {
			return core.ParseMarkdownBlock, nil
		}
	}

	if obj, ok := extractBalancedObject(trimmed); ok {
		if err := json.Unmarshal([]byte(obj), v); err == nil {
			return core.ParseBraceMatch, nil
		}
		// Repair operates on the extracted object, where the damage usually is.
		if err := json.Unmarshal([]byte(repairJSON(obj)), v); err == nil {
			return core.ParseRepair, nil
		}
	}

	if err := json.Unmarshal([]byte(repairJSON(trimmed)), v); err == nil {
		return core.ParseRepair, nil
	}

	return "", fmt.Errorf("%w: no parse strategy succeeded", ErrBadResponse)
}

// extractMarkdownBlock returns the contents of the first ```json fenced block.
func extractMarkdownBlock(text string) (string, bool) {
	for _, fence := range []string{"```json", "```JSON", "```"} {
		start := strings.Index(text, fence)
		if start < 0 {
			continue
		}
		rest := text[start+len(fence):]
		end := strings.Index(rest, "```")
		if end < 0 {
			continue
		}
		block := strings.TrimSpace(rest[:end])
		if block != "" {
			return block, true
		}
	}
	return "", false
}

// extractBalancedObject scans for the outermost balanced {...}, ignoring
// braces inside string literals.
func extractBalancedObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1], true
				}
			}
		}
	}
	return "", false
}

// repairJSON applies bounded fixes: trailing commas before ] or }, raw
// newlines inside string literals, and single-quoted keys.
func repairJSON(text string) string {
	var out strings.Builder
	out.Grow(len(text))

	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		ch := text[i]

		if escaped {
			out.WriteByte(ch)
			escaped = false
			continue
		}

		switch ch {
		case '\\':
			out.WriteByte(ch)
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
			out.WriteByte(ch)
		case '\n', '\r':
			if inString {
				out.WriteString("\\n")
			} else {
				out.WriteByte(ch)
			}
		case '\'':
			if !inString && looksLikeQuotedKey(text, i) {
				out.WriteByte('"')
			} else {
				out.WriteByte(ch)
			}
		case ',':
			if !inString && nextNonSpaceIsCloser(text, i+1) {
				// drop the trailing comma
				continue
			}
			out.WriteByte(ch)
		default:
			out.WriteByte(ch)
		}
	}
	return out.String()
}

// looksLikeQuotedKey reports whether the quote at position i opens or closes a
// single-quoted object key (preceded by { , or whitespace, or followed by :).
func looksLikeQuotedKey(text string, i int) bool {
	// closing quote: followed by optional spaces then ':'
	for j := i + 1; j < len(text); j++ {
		switch text[j] {
		case ' ', '\t':
			continue
		case ':':
			return true
		}
		break
	}
	// opening quote: preceded by { , or start of line
	for j := i - 1; j >= 0; j-- {
		switch text[j] {
		case ' ', '\t', '\n', '\r':
			continue
		case '{', ',':
			return true
		}
		break
	}
	return false
}

func nextNonSpaceIsCloser(text string, from int) bool {
	for j := from; j < len(text); j++ {
		switch text[j] {
		case ' ', '\t', '\n', '\r':
			continue
		case ']', '}':
			return true
		default:
			return false
		}
	}
	return false
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Completer is the interface the pipeline components depend on, satisfied by
// Client and by test doubles.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
	ParseJSON(text string, v any) (core.ParseStrategy, error)
	Model() string
}

var _ Completer = (*Client)(nil)

// WaitAvailable polls Ping until the service answers or the context expires.
// Used at startup when the generation service boots alongside newsdesk.
func (c *Client) WaitAvailable(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	for {
		if err := c.Ping(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
