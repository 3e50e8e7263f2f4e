// Package aiclient calls the hosted generative-AI provider through a
// rotating credential pool, retrying transient failures on the next key.
package aiclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"social-auto-reply-go/internal/credpool"
	"social-auto-reply-go/internal/metrics"
)

// retryableStatuses are provider responses worth retrying on another key.
// 400 is included on purpose: the provider intermittently returns it for
// per-key quota problems that clear on a different key. Do not generalize
// this to other clients.
var retryableStatuses = map[int]bool{
	http.StatusBadRequest:          true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// PermanentError is a non-retryable provider rejection. It is surfaced
// unwrapped so callers can distinguish it from budget exhaustion.
type PermanentError struct {
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("ai provider rejected request: status=%d body=%s", e.StatusCode, e.Body)
}

// Client is a Gemini generateContent client over a rotating key pool.
type Client struct {
	baseURL    string
	model      string
	pool       *credpool.Pool
	retryDelay time.Duration
	httpClient *http.Client
	metrics    *metrics.Metrics
}

// NewClient creates a new resilient AI client.
func NewClient(baseURL, model string, pool *credpool.Pool, retryDelay, requestTimeout time.Duration, m *metrics.Metrics) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		pool:       pool,
		retryDelay: retryDelay,
		httpClient: &http.Client{Timeout: requestTimeout},
		metrics:    m,
	}
}

// Request types for the generateContent wire format.

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Generate asks the model for reply text. Image is optional; when set it is
// sent inline as base64 alongside the prompt. On a retryable status or a
// network error the call sleeps the configured delay, advances the shared
// cursor, and retries on the next key, up to one retry per key (capped).
func (c *Client) Generate(ctx context.Context, prompt string, image []byte, imageMIME string) (string, error) {
	body, err := json.Marshal(c.buildRequest(prompt, image, imageMIME))
	if err != nil {
		return "", fmt.Errorf("failed to encode AI request: %w", err)
	}

	attempts := c.pool.RetryBudget() + 1
	var lastErr error

	key := c.pool.Current()
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			key = c.pool.Advance()
			if c.metrics != nil {
				c.metrics.AIKeyRotations.Inc()
			}
		}

		text, retryable, err := c.doRequest(ctx, key, body)
		if err == nil {
			return text, nil
		}
		if !retryable {
			return "", err
		}

		lastErr = err
		logrus.Warnf("AI request attempt %d/%d failed: %v", attempt, attempts, err)
		if c.metrics != nil {
			c.metrics.AIRetries.Inc()
		}
	}

	return "", fmt.Errorf("ai request failed after %d attempts: %w", attempts, lastErr)
}

func (c *Client) buildRequest(prompt string, image []byte, imageMIME string) generateRequest {
	parts := []part{{Text: prompt}}
	if len(image) > 0 {
		if imageMIME == "" {
			imageMIME = "image/jpeg"
		}
		parts = append(parts, part{InlineData: &inlineData{
			MIMEType: imageMIME,
			Data:     base64.StdEncoding.EncodeToString(image),
		}})
	}
	return generateRequest{
		Contents: []content{{Parts: parts}},
		GenerationConfig: &generationConfig{
			Temperature:     0.7,
			MaxOutputTokens: 512,
		},
	}
}

// doRequest performs one attempt. The bool reports whether the failure is
// worth retrying on another key.
func (c *Client) doRequest(ctx context.Context, key string, body []byte) (string, bool, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, key)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		return "", true, fmt.Errorf("ai provider request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", true, fmt.Errorf("failed to read AI response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if retryableStatuses[resp.StatusCode] {
			return "", true, fmt.Errorf("ai provider error: status=%d body=%s", resp.StatusCode, truncate(string(respBody), 512))
		}
		return "", false, &PermanentError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 512)}
	}

	var parsed generateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", false, fmt.Errorf("failed to decode AI response: %w", err)
	}

	var sb strings.Builder
	if len(parsed.Candidates) > 0 {
		for _, p := range parsed.Candidates[0].Content.Parts {
			sb.WriteString(p.Text)
		}
	}
	return strings.TrimSpace(sb.String()), false, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
