package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nolood/review-bot-sub000/internal/apperr"
	"github.com/nolood/review-bot-sub000/internal/config"
	"github.com/nolood/review-bot-sub000/internal/domain"
	"github.com/nolood/review-bot-sub000/internal/supervisor"
)

type fakeForge struct {
	firstAuthor  string
	resolveCalls []string
}

func (f *fakeForge) DiscussionFirstAuthor(ctx context.Context, ref domain.MergeRequestRef, discussionID string) (string, error) {
	return f.firstAuthor, nil
}

func (f *fakeForge) ResolveDiscussion(ctx context.Context, ref domain.MergeRequestRef, discussionID string) error {
	f.resolveCalls = append(f.resolveCalls, discussionID)
	return nil
}

type fakeTasks struct {
	submitErr error
	submitted []supervisor.SubmitRequest
	task      domain.ReviewTask
	hasTask   bool
}

func (f *fakeTasks) Submit(req supervisor.SubmitRequest) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, req)
	return "task-1", nil
}

func (f *fakeTasks) GetTask(taskID string) (domain.ReviewTask, bool) {
	return f.task, f.hasTask
}

func (f *fakeTasks) ListTasks(filter supervisor.ListFilter) []domain.ReviewTask { return nil }

func (f *fakeTasks) Stats() supervisor.Stats { return supervisor.Stats{} }

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Webhook.Enabled = true
	cfg.Webhook.Secret = "s3cr3t"
	cfg.Webhook.TriggerActions = []string{"open", "update"}
	cfg.Webhook.SkipDraft = true
	cfg.Webhook.SkipWIP = true
	cfg.Dedup.BotUsername = "review-bot"
	cfg.Server.MaxBodySize = 1 << 20
	return cfg
}

func mrEventBody(action string, draft bool) []byte {
	payload := map[string]any{
		"object_kind": "merge_request",
		"project":     map[string]any{"id": 1},
		"object_attributes": map[string]any{
			"iid":            2,
			"action":         action,
			"draft":          draft,
			"title":          "add feature",
			"last_commit":    map[string]any{"id": "abc123"},
		},
	}
	b, _ := json.Marshal(payload)
	return b
}

func postWebhook(d *Dispatcher, body []byte, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	if token != "" {
		req.Header.Set("X-Gitlab-Token", token)
	}
	rec := httptest.NewRecorder()
	d.ServeWebhook(rec, req)
	return rec
}

func TestServeWebhook_RejectsBadToken(t *testing.T) {
	d := New(testConfig(), &fakeForge{}, &fakeTasks{})
	rec := postWebhook(d, mrEventBody("open", false), "wrong")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestServeWebhook_AcceptsMergeRequestOpen(t *testing.T) {
	tasks := &fakeTasks{}
	d := New(testConfig(), &fakeForge{}, tasks)
	rec := postWebhook(d, mrEventBody("open", false), "s3cr3t")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(tasks.submitted) != 1 {
		t.Fatalf("expected one submitted task, got %d", len(tasks.submitted))
	}
}

func TestServeWebhook_SkipsDraftMR(t *testing.T) {
	tasks := &fakeTasks{}
	d := New(testConfig(), &fakeForge{}, tasks)
	rec := postWebhook(d, mrEventBody("open", true), "s3cr3t")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(tasks.submitted) != 0 {
		t.Fatal("draft MR should not be submitted")
	}
}

func TestServeWebhook_IgnoresActionNotInTriggerList(t *testing.T) {
	tasks := &fakeTasks{}
	d := New(testConfig(), &fakeForge{}, tasks)
	rec := postWebhook(d, mrEventBody("close", false), "s3cr3t")
	if rec.Code != http.StatusOK || len(tasks.submitted) != 0 {
		t.Fatalf("expected ignored close action, got %d submitted=%d", rec.Code, len(tasks.submitted))
	}
}

func TestServeWebhook_SaturationReturns429(t *testing.T) {
	tasks := &fakeTasks{submitErr: apperr.ErrTooManyReviews}
	d := New(testConfig(), &fakeForge{}, tasks)
	rec := postWebhook(d, mrEventBody("open", false), "s3cr3t")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestServeWebhook_NoteDoneResolvesBotDiscussion(t *testing.T) {
	forge := &fakeForge{firstAuthor: "review-bot"}
	d := New(testConfig(), forge, &fakeTasks{})
	payload := map[string]any{
		"object_kind": "note",
		"project":     map[string]any{"id": 1},
		"merge_request": map[string]any{"iid": 2},
		"object_attributes": map[string]any{
			"noteable_type": "MergeRequest",
			"discussion_id": "disc-1",
			"note":          " done ",
		},
	}
	b, _ := json.Marshal(payload)
	rec := postWebhook(d, b, "s3cr3t")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(forge.resolveCalls) != 1 {
		t.Fatalf("expected discussion resolved, got %d calls", len(forge.resolveCalls))
	}
}

func TestServeWebhook_NoteDoneIgnoredForNonBotAuthor(t *testing.T) {
	forge := &fakeForge{firstAuthor: "alice"}
	d := New(testConfig(), forge, &fakeTasks{})
	payload := map[string]any{
		"object_kind": "note",
		"project":     map[string]any{"id": 1},
		"merge_request": map[string]any{"iid": 2},
		"object_attributes": map[string]any{
			"noteable_type": "MergeRequest",
			"discussion_id": "disc-1",
			"note":          "done",
		},
	}
	b, _ := json.Marshal(payload)
	rec := postWebhook(d, b, "s3cr3t")
	if rec.Code != http.StatusOK || len(forge.resolveCalls) != 0 {
		t.Fatalf("expected non-bot discussion left unresolved, got calls=%d", len(forge.resolveCalls))
	}
}

func TestServeWebhook_DisabledShortCircuits(t *testing.T) {
	cfg := testConfig()
	cfg.Webhook.Enabled = false
	d := New(cfg, &fakeForge{}, &fakeTasks{})
	rec := postWebhook(d, mrEventBody("open", false), "s3cr3t")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestServeHealth(t *testing.T) {
	d := New(testConfig(), &fakeForge{}, &fakeTasks{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	d.ServeHealth(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
