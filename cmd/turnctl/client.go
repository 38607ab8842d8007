package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type apiClient struct {
	baseURL     string
	workspaceID string
	userID      string
}

type sendResult struct {
	TurnID       string `json:"turn_id"`
	SessionID    string `json:"session_id"`
	JobID        string `json:"job_id"`
	EnqueueError string `json:"enqueue_error,omitempty"`
}

func (c *apiClient) httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.baseURL, "/")+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Workspace-ID", c.workspaceID)
	req.Header.Set("X-User-ID", c.userID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *apiClient) Send(ctx context.Context, sessionID, message string) (sendResult, error) {
	payload, err := json.Marshal(map[string]string{
		"session_id": sessionID,
		"message":    message,
	})
	if err != nil {
		return sendResult{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/turns", bytes.NewReader(payload))
	if err != nil {
		return sendResult{}, err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return sendResult{}, fmt.Errorf("post turn: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return sendResult{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted &&
		resp.StatusCode != http.StatusServiceUnavailable &&
		resp.StatusCode != http.StatusTooManyRequests {
		return sendResult{}, fmt.Errorf("dispatch failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var result sendResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return sendResult{}, fmt.Errorf("decode response: %w", err)
	}
	return result, nil
}

// Stream follows the turn's JSON-object-per-line feed, handing each raw
// line to emit until the server closes the stream.
func (c *apiClient) Stream(ctx context.Context, turnID string, emit func(string)) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/turns/"+turnID+"/stream", nil)
	if err != nil {
		return err
	}
	// No client timeout: streams are long-lived and server-bounded.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return fmt.Errorf("stream failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		emit(line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

func (c *apiClient) Show(ctx context.Context, turnID string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/turns/"+turnID, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("get turn: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get turn failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return strings.TrimSpace(string(raw)), nil
}

func (c *apiClient) Feedback(ctx context.Context, turnID string, score int, comment string) error {
	payload, err := json.Marshal(map[string]any{
		"score":   score,
		"comment": comment,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/turns/"+turnID+"/feedback", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("post feedback: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return fmt.Errorf("feedback failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}
