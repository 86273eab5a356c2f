// Package llm is the chat-completions client shared by the transcript cleanup
// pass, the classifiers, and the structured extractors.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/aviov/ct-toru/internal/logging"
)

const defaultBaseURL = "https://api.openai.com/v1/chat/completions"

// Chat is the surface the extractors consume; the concrete Client implements
// it, tests substitute fakes.
type Chat interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Request is one chat call: deterministic temperature, capped output.
type Request struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

// Client calls the chat-completions endpoint with bounded retries.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	maxRetries uint64
	log        *logrus.Entry
}

func NewClient(apiKey, model string, timeout time.Duration, maxRetries int, log *logrus.Entry) *Client {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		model:      model,
		maxRetries: uint64(maxRetries),
		log:        log,
	}
}

// WithBaseURL points the client at an alternate endpoint. Tests use it to
// target an httptest server.
func (c *Client) WithBaseURL(u string) *Client {
	c.baseURL = u
	return c
}

type chatPayload struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Complete issues the chat call, retrying transport failures and non-2xx
// responses with exponential backoff (2s, 4s, 8s).
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	payload := chatPayload{
		Model:       c.model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	var content string
	attempt := 0
	op := func() error {
		attempt++
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			c.log.WithError(err).WithField("attempt", attempt).Warn("llm request failed")
			return err
		}
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("llm status %d: %s", resp.StatusCode, logging.Truncate(string(respBody), 200))
			c.log.WithField("attempt", attempt).Warn(err.Error())
			return err
		}

		var wrapper struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(respBody, &wrapper); err != nil {
			return fmt.Errorf("decode llm response: %w", err)
		}
		if len(wrapper.Choices) == 0 {
			return errors.New("llm returned no choices")
		}
		content = strings.TrimSpace(wrapper.Choices[0].Message.Content)
		if content == "" {
			return errors.New("llm returned empty content")
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries-1), ctx)); err != nil {
		return "", err
	}
	return content, nil
}

var codeFencePattern = regexp.MustCompile("```(?:json)?")

// StripFences removes markdown code fences the model sometimes wraps JSON in.
func StripFences(s string) string {
	return strings.TrimSpace(codeFencePattern.ReplaceAllString(s, ""))
}

// DecodeJSON parses a model response as JSON, tolerating fence wrapping.
func DecodeJSON(content string, out any) error {
	return json.Unmarshal([]byte(StripFences(content)), out)
}
