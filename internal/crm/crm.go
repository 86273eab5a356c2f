// Package crm is the client for the Bevira CRM: token authentication,
// customer lookup, and order creation.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aviov/ct-toru/internal/logging"
)

// Client talks to the CRM endpoints. URLs and credentials come from the
// secret store; nothing here is inlined.
type Client struct {
	httpClient *http.Client
	authURL    string
	lookupURL  string
	orderURL   string
	log        *logrus.Entry
}

func NewClient(authURL, lookupURL, orderURL string, timeout time.Duration, log *logrus.Entry) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		authURL:    authURL,
		lookupURL:  lookupURL,
		orderURL:   orderURL,
		log:        log,
	}
}

// Authenticate exchanges client credentials for a JWT bearer token.
func (c *Client) Authenticate(ctx context.Context, clientID, clientSecret string) (string, error) {
	authURL := c.authURL
	if !strings.HasSuffix(authURL, "/") {
		authURL += "/"
	}
	payload, _ := json.Marshal(map[string]string{
		"clientId":     clientID,
		"clientSecret": clientSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("crm auth request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("crm auth status %d: %s", resp.StatusCode, logging.Truncate(string(body), 200))
	}
	var parsed struct {
		JWT string `json:"jwt"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode auth response: %w", err)
	}
	if parsed.JWT == "" {
		return "", fmt.Errorf("auth response missing jwt field")
	}
	return parsed.JWT, nil
}

// LookupResult is one customer-search response. Body is nil when the response
// was not decodable JSON.
type LookupResult struct {
	StatusCode int
	Body       map[string]any
	Raw        string
}

// Found reports whether the response indicates a matched customer. A missing
// customerFound flag implies found.
func (r *LookupResult) Found() bool {
	if r == nil || r.StatusCode != http.StatusOK || r.Body == nil {
		return false
	}
	flag, present := r.Body["customerFound"]
	if !present {
		return true
	}
	b, ok := flag.(bool)
	return ok && b
}

// FindCustomer issues a lookup with the given criteria. A non-2xx status or
// undecodable body is returned as data, not as an error; the error return is
// reserved for transport failures.
func (c *Client) FindCustomer(ctx context.Context, token string, criteria map[string]string, customerType string) (*LookupResult, error) {
	payload, _ := json.Marshal(map[string]any{
		"lookupCriteria": criteria,
		"customerType":   customerType,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.lookupURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crm lookup request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	result := &LookupResult{StatusCode: resp.StatusCode, Raw: string(body)}
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err == nil {
		result.Body = parsed
	} else {
		c.log.WithField("status", resp.StatusCode).
			Warnf("undecodable lookup response: %s", logging.Truncate(string(body), 200))
	}
	return result, nil
}

// OrderResult is the parsed response of an order creation call.
type OrderResult struct {
	StatusCode int
	Parsed     bool
	Success    bool
	OrderID    string
	ErrorCode  string
	Message    string
	Raw        string
}

// CreateOrder submits the order payload once. No retries happen at this
// layer; the submission state machine upstream decides what a failure means.
func (c *Client) CreateOrder(ctx context.Context, token string, payload any) (*OrderResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode order payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.orderURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crm create order request: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	result := &OrderResult{StatusCode: resp.StatusCode, Raw: string(respBody)}
	var parsed struct {
		Success   bool   `json:"success"`
		OrderID   string `json:"orderId"`
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(respBody, &parsed); err == nil {
		result.Parsed = true
		result.Success = parsed.Success
		result.OrderID = parsed.OrderID
		result.ErrorCode = parsed.ErrorCode
		result.Message = parsed.Message
	}
	return result, nil
}
