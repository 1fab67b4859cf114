package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"screening-engine/internal/domain/model"
	"screening-engine/internal/domain/ports/usecase"
)

// Client calls the /api/v1/batches endpoints.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

type SubmitResponse struct {
	BatchID string `json:"batch_id"`
}

type ResultsResponse struct {
	BatchID string             `json:"batch_id"`
	Results []model.ItemResult `json:"results"`
}

type ListResponse struct {
	Batches []model.BatchStatusView `json:"batches"`
}

func (c *Client) Submit(ctx context.Context, in usecase.SubmitBatchInput) (string, error) {
	var out SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/batches", in, &out); err != nil {
		return "", err
	}
	return out.BatchID, nil
}

func (c *Client) Status(ctx context.Context, batchID string) (*model.BatchStatusView, error) {
	var out model.BatchStatusView
	if err := c.do(ctx, http.MethodGet, "/api/v1/batches/"+url.PathEscape(batchID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Results(ctx context.Context, batchID string) ([]model.ItemResult, error) {
	var out ResultsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/batches/"+url.PathEscape(batchID)+"/results", nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *Client) Cancel(ctx context.Context, batchID string) (*model.BatchStatusView, error) {
	var out model.BatchStatusView
	if err := c.do(ctx, http.MethodPost, "/api/v1/batches/"+url.PathEscape(batchID)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Delete(ctx context.Context, batchID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/batches/"+url.PathEscape(batchID), nil, nil)
}

func (c *Client) List(ctx context.Context) ([]model.BatchStatusView, error) {
	var out ListResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/batches", nil, &out); err != nil {
		return nil, err
	}
	return out.Batches, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func errorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(raw))
}
