// Package callcenter fetches call recordings from the telephony provider.
package callcenter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aviov/ct-toru/internal/logging"
)

// Fetcher retrieves one recording by its call id.
type Fetcher interface {
	Fetch(ctx context.Context, uniqueID string) ([]byte, error)
}

// Client downloads recordings over the provider's HTTP API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	log        *logrus.Entry
}

func NewClient(baseURL, apiKey string, timeout time.Duration, log *logrus.Entry) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		log:        log,
	}
}

func (c *Client) Fetch(ctx context.Context, uniqueID string) ([]byte, error) {
	url := c.baseURL + "/" + uniqueID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch recording %s: %w", uniqueID, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read recording %s: %w", uniqueID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("recording %s status %d: %s", uniqueID, resp.StatusCode, logging.Truncate(string(body), 200))
	}
	c.log.WithFields(logrus.Fields{"uniqueId": uniqueID, "bytes": len(body)}).Info("recording downloaded")
	return body, nil
}
