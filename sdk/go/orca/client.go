// Package orca provides a small client for the 0rca orchestration REST API.
package orca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Orchestrations can involve several upstream model and
// chain calls, so it is considerably longer than a plain API timeout.
const DefaultHTTPTimeout = 120 * time.Second

// Client wraps the HTTP interactions with the 0rca orchestration API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// OrchestrationRequest is the payload accepted by the orchestrations endpoint.
type OrchestrationRequest struct {
	Prompt           string   `json:"prompt"`
	Mode             string   `json:"mode,omitempty"`
	SelectedAgentIDs []string `json:"selectedAgentIds,omitempty"`
	PayerAddress     string   `json:"payerAddress,omitempty"`
	PaymentProof     string   `json:"paymentSignatureProof,omitempty"`
	PaymentTaskID    string   `json:"paymentTaskId,omitempty"`
}

// Challenge carries the payment request details returned when an agent
// requires the end user's wallet to fund the call.
type Challenge struct {
	Challenge string `json:"challenge"`
	TaskID    string `json:"taskId"`
	AgentName string `json:"agentName"`
}

// OrchestrationResult is the response of the orchestrations endpoint. Result
// keeps the legacy wire encoding; Kind and Challenge expose the structured
// form.
type OrchestrationResult struct {
	Result    string     `json:"result"`
	Kind      string     `json:"kind"`
	Challenge *Challenge `json:"challenge,omitempty"`
}

// Agent is a catalog entry.
type Agent struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Subdomain    string `json:"subdomain,omitempty"`
	ChainAgentID string `json:"chain_agent_id,omitempty"`
}

// Balance reports the settlement token balance of an address.
type Balance struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("orca api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the orchestration API. When httpClient
// is nil, a default client with a long orchestration timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// Orchestrate runs a prompt through the orchestrator and returns the result.
func (c *Client) Orchestrate(ctx context.Context, req OrchestrationRequest) (OrchestrationResult, error) {
	var result OrchestrationResult
	if err := c.post(ctx, "/api/v1/orchestrations", req, &result); err != nil {
		return OrchestrationResult{}, err
	}
	return result, nil
}

// Agents fetches the agent catalog.
func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	if err := c.get(ctx, "/api/v1/agents", &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// Balance queries the settlement token balance of the given address.
func (c *Client) Balance(ctx context.Context, address string) (Balance, error) {
	var balance Balance
	endpoint := fmt.Sprintf("/api/v1/balance?address=%s", url.QueryEscape(address))
	if err := c.get(ctx, endpoint, &balance); err != nil {
		return Balance{}, err
	}
	return balance, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
