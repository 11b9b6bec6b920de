// Package webhook implements the inbound HTTP surface: the GitLab
// webhook endpoint plus the manual-trigger and status endpoints
// (spec.md §4.9, §6, C10). It is grounded on the teacher's
// internal/webhook.BitbucketWebhookHandler, adapted from Bitbucket's
// HMAC signature scheme to GitLab's plain shared-token header and
// from a single PR-opened event to GitLab's merge_request/note
// events.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nolood/review-bot-sub000/internal/apperr"
	"github.com/nolood/review-bot-sub000/internal/config"
	"github.com/nolood/review-bot-sub000/internal/domain"
	"github.com/nolood/review-bot-sub000/internal/healthz"
	"github.com/nolood/review-bot-sub000/internal/metrics"
	"github.com/nolood/review-bot-sub000/internal/supervisor"
)

// ForgeClient is the subset of forge.Client the dispatcher needs to
// resolve a "done" discussion reply.
type ForgeClient interface {
	DiscussionFirstAuthor(ctx context.Context, ref domain.MergeRequestRef, discussionID string) (string, error)
	ResolveDiscussion(ctx context.Context, ref domain.MergeRequestRef, discussionID string) error
}

// TaskSubmitter is the subset of supervisor.Supervisor the dispatcher
// depends on.
type TaskSubmitter interface {
	Submit(req supervisor.SubmitRequest) (string, error)
	GetTask(taskID string) (domain.ReviewTask, bool)
	ListTasks(filter supervisor.ListFilter) []domain.ReviewTask
	Stats() supervisor.Stats
}

// Dispatcher handles /webhook, /reviews, /reviews/{id}, /status, and
// /health.
type Dispatcher struct {
	cfg     *config.Config
	forge   ForgeClient
	tasks   TaskSubmitter
	monitor *healthz.Monitor
}

// New builds a Dispatcher. The already-reviewed dedup check happens
// inside TaskSupervisor.Submit, keyed off the head sha this dispatcher
// passes along; there is no separate CommitTracker dependency here.
func New(cfg *config.Config, forgeClient ForgeClient, tasks TaskSubmitter) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		forge:   forgeClient,
		tasks:   tasks,
		monitor: healthz.New(tasks),
	}
}

// ServeWebhook handles POST /webhook: spec.md §4.9's five-step
// processing order.
func (d *Dispatcher) ServeWebhook(w http.ResponseWriter, r *http.Request) {
	metrics.WebhookRequests.WithLabelValues("received").Inc()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Step 1: globally disabled short-circuits with a 200 notice.
	if !d.cfg.Webhook.Enabled {
		writeJSON(w, http.StatusOK, map[string]string{"message": "webhooks disabled"})
		metrics.WebhookRequests.WithLabelValues("ignored").Inc()
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, d.cfg.Server.MaxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "error reading request body", http.StatusBadRequest)
		metrics.WebhookRequests.WithLabelValues("invalid").Inc()
		return
	}

	// Step 2: token verification, constant-time.
	if d.cfg.Webhook.Secret != "" {
		token := r.Header.Get("X-Gitlab-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(d.cfg.Webhook.Secret)) != 1 {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			metrics.WebhookRequests.WithLabelValues("rejected").Inc()
			return
		}
	}

	if !json.Valid(body) {
		http.Error(w, "malformed json", http.StatusBadRequest)
		metrics.WebhookRequests.WithLabelValues("invalid").Inc()
		return
	}
	event := gjson.ParseBytes(body)

	switch event.Get("object_kind").String() {
	case "merge_request":
		d.handleMergeRequestEvent(w, r.Context(), event)
	case "note":
		d.handleNoteEvent(w, r.Context(), event)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"message": "ignored"})
		metrics.WebhookRequests.WithLabelValues("ignored").Inc()
	}
}

func (d *Dispatcher) handleMergeRequestEvent(w http.ResponseWriter, ctx context.Context, event gjson.Result) {
	attrs := event.Get("object_attributes")
	ref := domain.MergeRequestRef{
		ProjectID: event.Get("project.id").Int(),
		MRIID:     attrs.Get("iid").Int(),
	}
	action := attrs.Get("action").String()
	title := attrs.Get("title").String()
	headSHA := attrs.Get("last_commit.id").String()

	var labels []string
	for _, l := range event.Get("labels").Array() {
		labels = append(labels, l.Get("title").String())
	}

	if !containsFold(d.cfg.Webhook.TriggerActions, action) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "action not in trigger list"})
		metrics.WebhookRequests.WithLabelValues("ignored").Inc()
		return
	}
	if d.cfg.Webhook.SkipDraft && attrs.Get("draft").Bool() {
		writeJSON(w, http.StatusOK, map[string]string{"message": "draft MR skipped"})
		metrics.WebhookRequests.WithLabelValues("ignored").Inc()
		return
	}
	if d.cfg.Webhook.SkipWIP && (attrs.Get("work_in_progress").Bool() || isWIPTitle(title)) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "WIP MR skipped"})
		metrics.WebhookRequests.WithLabelValues("ignored").Inc()
		return
	}
	if len(d.cfg.Webhook.RequiredLabels) > 0 && !containsAllFold(labels, d.cfg.Webhook.RequiredLabels) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "required labels absent"})
		metrics.WebhookRequests.WithLabelValues("ignored").Inc()
		return
	}
	if containsAnyFold(labels, d.cfg.Webhook.ExcludedLabels) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "excluded label present"})
		metrics.WebhookRequests.WithLabelValues("ignored").Inc()
		return
	}

	submitReq := supervisor.SubmitRequest{Ref: ref, HeadSHA: headSHA, Force: !d.cfg.Dedup.Enabled}
	taskID, err := d.tasks.Submit(submitReq)
	if err != nil {
		d.respondSubmitError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "accepted"})
	metrics.WebhookRequests.WithLabelValues("accepted").Inc()
}

func (d *Dispatcher) handleNoteEvent(w http.ResponseWriter, ctx context.Context, event gjson.Result) {
	attrs := event.Get("object_attributes")
	noteable := attrs.Get("noteable_type").String()
	discussionID := attrs.Get("discussion_id").String()
	note := strings.TrimSpace(attrs.Get("note").String())

	if noteable != "MergeRequest" || discussionID == "" || !strings.EqualFold(note, "done") {
		writeJSON(w, http.StatusOK, map[string]string{"message": "ignored"})
		metrics.WebhookRequests.WithLabelValues("ignored").Inc()
		return
	}

	ref := domain.MergeRequestRef{
		ProjectID: event.Get("project.id").Int(),
		MRIID:     event.Get("merge_request.iid").Int(),
	}

	author, err := d.forge.DiscussionFirstAuthor(ctx, ref, discussionID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "could not read discussion"})
		metrics.WebhookRequests.WithLabelValues("ignored").Inc()
		return
	}
	if author != d.cfg.Dedup.BotUsername {
		writeJSON(w, http.StatusOK, map[string]string{"message": "not a bot-authored discussion"})
		metrics.WebhookRequests.WithLabelValues("ignored").Inc()
		return
	}

	if err := d.forge.ResolveDiscussion(ctx, ref, discussionID); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "resolve failed"})
		metrics.WebhookRequests.WithLabelValues("ignored").Inc()
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "discussion resolved"})
	metrics.WebhookRequests.WithLabelValues("accepted").Inc()
}

func (d *Dispatcher) respondSubmitError(w http.ResponseWriter, err error) {
	var concurrencyErr *apperr.ConcurrencyError
	if errors.As(err, &concurrencyErr) {
		switch concurrencyErr.Kind {
		case "too_many_reviews":
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"message": "saturated"})
		case "already_reviewed":
			writeJSON(w, http.StatusOK, map[string]string{"message": "already reviewed"})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		}
		metrics.WebhookRequests.WithLabelValues("rejected").Inc()
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
	metrics.WebhookRequests.WithLabelValues("rejected").Inc()
}

// manualReviewRequest is the body POST /reviews accepts.
type manualReviewRequest struct {
	ProjectID    int64 `json:"project_id"`
	MRIID        int64 `json:"mr_iid"`
	ForceReview  bool  `json:"force_review"`
}

// ServeManualTrigger handles POST /reviews.
func (d *Dispatcher) ServeManualTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, d.cfg.Server.MaxBodySize)

	var req manualReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed json", http.StatusBadRequest)
		return
	}
	if req.ProjectID == 0 || req.MRIID == 0 {
		http.Error(w, "project_id and mr_iid are required", http.StatusBadRequest)
		return
	}

	ref := domain.MergeRequestRef{ProjectID: req.ProjectID, MRIID: req.MRIID}
	taskID, err := d.tasks.Submit(supervisor.SubmitRequest{Ref: ref, Force: req.ForceReview})
	if err != nil {
		d.respondSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "accepted"})
}

// ServeTaskStatus handles GET /reviews/{task_id}.
func (d *Dispatcher) ServeTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimPrefix(r.URL.Path, "/reviews/")
	task, ok := d.tasks.GetTask(taskID)
	if !ok {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, taskStatusResponse(task))
}

func taskStatusResponse(task domain.ReviewTask) map[string]any {
	resp := map[string]any{
		"task_id":  task.TaskID,
		"status":   string(task.State),
		"progress": task.Progress,
		"message":  task.Message,
	}
	if task.StartedAt != nil {
		resp["started_at"] = task.StartedAt.Format(time.RFC3339)
	}
	if task.CompletedAt != nil {
		resp["completed_at"] = task.CompletedAt.Format(time.RFC3339)
	}
	if task.Result != nil {
		resp["result"] = task.Result
	}
	if task.Error != "" {
		resp["error"] = task.Error
	}
	return resp
}

// ServeStatus handles GET /status.
func (d *Dispatcher) ServeStatus(w http.ResponseWriter, r *http.Request) {
	snap := d.monitor.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"active":         snap.Active,
		"completed":      snap.Completed,
		"failed":         snap.Failed,
		"cancelled":      snap.Cancelled,
		"uptime_seconds": snap.UptimeSeconds,
	})
}

// ServeHealth handles GET /health.
func (d *Dispatcher) ServeHealth(w http.ResponseWriter, r *http.Request) {
	snap := d.monitor.Health()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         snap.Status,
		"uptime_seconds": snap.UptimeSeconds,
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func isWIPTitle(title string) bool {
	lower := strings.ToLower(title)
	return strings.HasPrefix(lower, "wip:") || strings.Contains(lower, "[wip]")
}

func containsFold(list []string, target string) bool {
	for _, v := range list {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}

func containsAllFold(haystack, needles []string) bool {
	for _, n := range needles {
		if !containsFold(haystack, n) {
			return false
		}
	}
	return true
}

func containsAnyFold(haystack, needles []string) bool {
	for _, n := range needles {
		if containsFold(haystack, n) {
			return true
		}
	}
	return false
}
