package app

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"taskbridge/internal/logging"
	"taskbridge/internal/server/ports"
)

// dedupCacheSize bounds the remembered webhook delivery ids. GitHub redelivers
// on timeouts; a bounded LRU is enough to absorb the common retry window.
const dedupCacheSize = 512

// TaskSubmitter starts execution of a new task. Implemented by Coordinator.
type TaskSubmitter interface {
	Submit(ctx context.Context, description, repoURL, repoPath string) (*ports.Task, error)
}

// WebhookConfig carries the environment-level settings the webhook path needs.
type WebhookConfig struct {
	// Secret is the shared HMAC secret. Empty disables verification outside
	// production and rejects all deliveries in production.
	Secret string

	// MentionTrigger is the comment prefix that creates tasks, e.g. "@taskbridge".
	MentionTrigger string

	// Production controls whether unsigned deliveries are rejected.
	Production bool
}

// WebhookResult echoes what the router did with a delivery.
type WebhookResult struct {
	Received bool   `json:"received"`
	Event    string `json:"event"`
	Action   string `json:"action,omitempty"`
	Handled  bool   `json:"handled"`
	TaskID   string `json:"task_id,omitempty"`
}

// WebhookService verifies inbound webhook deliveries, classifies them, and
// correlates them to tasks. Events it does not act on are acknowledged as
// handled:false, never as errors, so the sender does not retry them.
type WebhookService struct {
	config    WebhookConfig
	store     ports.TaskStore
	bus       ports.EventPublisher
	submitter TaskSubmitter

	seen    *lru.Cache[string, struct{}]
	logger  logging.Logger
	metrics *Metrics
}

// NewWebhookService creates a webhook service using the shared metrics registry.
func NewWebhookService(config WebhookConfig, store ports.TaskStore, bus ports.EventPublisher, submitter TaskSubmitter) *WebhookService {
	return NewWebhookServiceWithMetrics(config, store, bus, submitter, defaultMetrics())
}

// NewWebhookServiceWithMetrics creates a webhook service with injected metrics.
func NewWebhookServiceWithMetrics(config WebhookConfig, store ports.TaskStore, bus ports.EventPublisher, submitter TaskSubmitter, metrics *Metrics) *WebhookService {
	seen, _ := lru.New[string, struct{}](dedupCacheSize)
	return &WebhookService{
		config:    config,
		store:     store,
		bus:       bus,
		submitter: submitter,
		seen:      seen,
		logger:    logging.NewComponentLogger("WebhookService"),
		metrics:   metrics,
	}
}

// pullRequestPayload is the subset of GitHub's pull_request event we read.
type pullRequestPayload struct {
	Action      string `json:"action"`
	PullRequest struct {
		HTMLURL string `json:"html_url"`
		Number  int    `json:"number"`
		Merged  bool   `json:"merged"`
		Head    struct {
			Ref string `json:"ref"`
		} `json:"head"`
	} `json:"pull_request"`
}

// issueCommentPayload is the subset of GitHub's issue_comment event we read.
type issueCommentPayload struct {
	Action  string `json:"action"`
	Comment struct {
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"comment"`
	Issue struct {
		Number int `json:"number"`
	} `json:"issue"`
	Repository struct {
		HTMLURL string `json:"html_url"`
	} `json:"repository"`
}

// Handle verifies and dispatches one webhook delivery. The raw body must be
// the exact bytes the signature was computed over. Only authentication
// failures surface as errors; everything else resolves to a WebhookResult.
func (s *WebhookService) Handle(ctx context.Context, signature string, body []byte, event, deliveryID string) (*WebhookResult, error) {
	if err := s.verifySignature(signature, body); err != nil {
		s.metrics.webhooksHandled.WithLabelValues(event, "rejected").Inc()
		return nil, err
	}

	result := &WebhookResult{Received: true, Event: event}

	if deliveryID != "" {
		// ContainsOrAdd reports (already-present, evicted); only the first
		// value identifies a redelivery.
		if duplicate, _ := s.seen.ContainsOrAdd(deliveryID, struct{}{}); duplicate {
			s.logger.Info("Duplicate webhook delivery %s (%s), skipping", deliveryID, event)
			s.metrics.webhooksHandled.WithLabelValues(event, "duplicate").Inc()
			return result, nil
		}
	}

	switch event {
	case "pull_request":
		s.handlePullRequest(ctx, body, result)
	case "issue_comment":
		s.handleIssueComment(ctx, body, result)
	default:
		s.logger.Debug("Ignoring webhook event type '%s'", event)
	}

	outcome := "ignored"
	if result.Handled {
		outcome = "handled"
	}
	s.metrics.webhooksHandled.WithLabelValues(event, outcome).Inc()
	return result, nil
}

// verifySignature checks the sha256= HMAC header over the raw body. The
// length check runs first so the constant-time comparison always sees
// equal-length input; the content comparison itself leaks no timing.
func (s *WebhookService) verifySignature(signature string, body []byte) error {
	if s.config.Secret == "" {
		if s.config.Production {
			return fmt.Errorf("%w: no secret configured in production", ErrMissingSignature)
		}
		return nil
	}

	if signature == "" {
		return ErrMissingSignature
	}

	mac := hmac.New(sha256.New, []byte(s.config.Secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if len(signature) != len(expected) {
		return ErrInvalidSignature
	}
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// handlePullRequest reconciles PR lifecycle events with the correlated task.
func (s *WebhookService) handlePullRequest(ctx context.Context, body []byte, result *WebhookResult) {
	var payload pullRequestPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.logger.Warn("Malformed pull_request payload: %v", err)
		return
	}
	result.Action = payload.Action

	prURL := payload.PullRequest.HTMLURL
	if prURL == "" {
		return
	}

	switch payload.Action {
	case "closed":
		task, err := s.store.FindByPullRequest(ctx, prURL)
		if err != nil {
			s.logger.Info("No task correlated with closed PR %s", prURL)
			return
		}

		status := ports.TaskStatusCancelled
		if payload.PullRequest.Merged {
			status = ports.TaskStatusCompleted
		}
		update := ports.TaskUpdate{
			Status: &status,
			PullRequest: &ports.PullRequest{
				URL:    prURL,
				Number: payload.PullRequest.Number,
				Branch: payload.PullRequest.Head.Ref,
				Merged: payload.PullRequest.Merged,
			},
		}
		updated, err := s.store.Update(ctx, task.ID, update)
		if err != nil {
			s.logger.Warn("Could not finalize task %s from PR close: %v", task.ID, err)
			return
		}

		s.logger.Info("PR %s closed (merged=%t), task %s -> %s", prURL, payload.PullRequest.Merged, task.ID, status)
		s.bus.EmitTaskCompleted(task.ID, payload.PullRequest.Merged, updated.Output, prURL)
		result.Handled = true
		result.TaskID = task.ID

	case "review_submitted", "synchronize":
		task, err := s.store.FindByPullRequest(ctx, prURL)
		if err != nil {
			return
		}
		s.bus.EmitOutput(task.ID, fmt.Sprintf("Pull request %s: %s", payload.Action, prURL))
		result.Handled = true
		result.TaskID = task.ID
	}
}

// handleIssueComment creates a task from a mention-triggered comment.
func (s *WebhookService) handleIssueComment(ctx context.Context, body []byte, result *WebhookResult) {
	var payload issueCommentPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.logger.Warn("Malformed issue_comment payload: %v", err)
		return
	}
	result.Action = payload.Action

	if payload.Action != "created" || s.config.MentionTrigger == "" {
		return
	}

	command := extractMentionCommand(payload.Comment.Body, s.config.MentionTrigger)
	if command == "" {
		return
	}

	task, err := s.submitter.Submit(ctx, command, payload.Repository.HTMLURL, "")
	if err != nil {
		s.logger.Error("Failed to submit mention task: %v", err)
		return
	}

	// Origin survives execution; Output is owned by the bridge result.
	provenance := fmt.Sprintf("Requested by @%s", payload.Comment.User.Login)
	if payload.Issue.Number != 0 {
		provenance = fmt.Sprintf("%s in issue #%d", provenance, payload.Issue.Number)
	}
	if _, err := s.store.Update(ctx, task.ID, ports.TaskUpdate{Origin: &provenance}); err != nil {
		s.logger.Warn("Could not annotate task %s provenance: %v", task.ID, err)
	}

	s.logger.Info("Mention created task %s: '%s'", task.ID, command)
	result.Handled = true
	result.TaskID = task.ID
}

// extractMentionCommand returns the text following the trigger up to the next
// line break, or "" when the trigger is absent or trailed by nothing.
func extractMentionCommand(body, trigger string) string {
	idx := strings.Index(body, trigger)
	if idx < 0 {
		return ""
	}
	rest := body[idx+len(trigger):]
	if newline := strings.IndexAny(rest, "\r\n"); newline >= 0 {
		rest = rest[:newline]
	}
	return strings.TrimSpace(rest)
}
