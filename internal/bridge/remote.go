// Package bridge contains ExecutionBridge adapters toward the remote
// execution backend.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"taskbridge/internal/logging"
	"taskbridge/internal/server/ports"
)

// maxEventLineSize bounds a single NDJSON line from the backend.
const maxEventLineSize = 1 << 20 // 1 MiB

// Remote executes tasks against an HTTP backend that streams progress as
// newline-delimited JSON. Each line is an execution event; the final line has
// type "result" and carries the backend's verdict.
type Remote struct {
	url    string
	client *http.Client
	logger logging.Logger
}

// NewRemote creates a remote bridge for the given execution endpoint.
// A zero timeout leaves the call unbounded; a hung backend then keeps the
// task running until it is cancelled.
func NewRemote(url string, timeout time.Duration) *Remote {
	return &Remote{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logging.NewComponentLogger("RemoteBridge"),
	}
}

type remoteRequest struct {
	TaskID   string `json:"task_id"`
	Task     string `json:"task"`
	RepoURL  string `json:"repo_url,omitempty"`
	RepoPath string `json:"repo_path,omitempty"`
}

type remoteLine struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Execute posts the task to the backend and forwards each streamed event as
// it arrives. It blocks until the stream ends and returns the final result.
func (r *Remote) Execute(ctx context.Context, task ports.Task, events chan<- ports.ExecutionEvent) (*ports.ExecutionResult, error) {
	body, err := json.Marshal(remoteRequest{
		TaskID:   task.ID,
		Task:     task.Description,
		RepoURL:  task.RepoURL,
		RepoPath: task.RepoPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode execution request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build execution request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execution backend unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("execution backend returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxEventLineSize)

	var result *ports.ExecutionResult
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var decoded remoteLine
		if err := json.Unmarshal(line, &decoded); err != nil {
			r.logger.Warn("Skipping malformed event line for task %s: %v", task.ID, err)
			continue
		}

		if decoded.Type == "result" {
			result = resultFromPayload(decoded.Payload)
			continue
		}

		select {
		case events <- ports.ExecutionEvent{Type: ports.ExecutionEventType(decoded.Type), Payload: decoded.Payload}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("execution stream broken: %w", err)
	}

	if result == nil {
		return nil, fmt.Errorf("execution stream ended without a result")
	}
	return result, nil
}

func resultFromPayload(payload map[string]any) *ports.ExecutionResult {
	result := &ports.ExecutionResult{}
	if payload == nil {
		return result
	}
	if success, ok := payload["success"].(bool); ok {
		result.Success = success
	}
	if output, ok := payload["output"].(string); ok {
		result.Output = output
	}
	if prURL, ok := payload["pr_url"].(string); ok {
		result.PRURL = prURL
	}
	return result
}

var _ ports.ExecutionBridge = (*Remote)(nil)
