package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// opsClient talks to the server's /api/v1/queue routes.
type opsClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newOpsClient(baseURL, token string, timeout time.Duration) *opsClient {
	return &opsClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api: HTTP %d: %s", e.Status, e.Message)
}

func (c *opsClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return &apiError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// Health returns the raw queue health document so every field is printed,
// including ones this binary does not know about.
func (c *opsClient) Health(ctx context.Context, jobTypes []string) (json.RawMessage, error) {
	path := "/api/v1/queue/health"
	if len(jobTypes) > 0 {
		path += "?jobTypes=" + strings.Join(jobTypes, ",")
	}
	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *opsClient) Alerts(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, "/api/v1/queue/alerts", nil, &out)
	return out, err
}

type enqueueRequest struct {
	JobType      string          `json:"jobType"`
	DomainID     *string         `json:"domainId,omitempty"`
	ArticleID    *string         `json:"articleId,omitempty"`
	Priority     int             `json:"priority"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ScheduledFor *time.Time      `json:"scheduledFor,omitempty"`
}

func (c *opsClient) Enqueue(ctx context.Context, req enqueueRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/queue/jobs", req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}
