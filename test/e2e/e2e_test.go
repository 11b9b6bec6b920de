// Package e2e drives the review pipeline end to end against fake
// Forge and LLM HTTP servers, exercising the scenarios spec.md §8
// names S1 and S3-S6 (S2, the Forge rejecting an inline position, has
// no test here).
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nolood/review-bot-sub000/internal/config"
	"github.com/nolood/review-bot-sub000/internal/dedup"
	"github.com/nolood/review-bot-sub000/internal/domain"
	"github.com/nolood/review-bot-sub000/internal/forge"
	"github.com/nolood/review-bot-sub000/internal/llm"
	"github.com/nolood/review-bot-sub000/internal/orchestrator"
	"github.com/nolood/review-bot-sub000/internal/retry"
	"github.com/nolood/review-bot-sub000/internal/supervisor"
	"github.com/nolood/review-bot-sub000/internal/webhook"
)

// fakeForgeServer is an in-memory GitLab-shaped API sufficient to
// drive one MR through the pipeline.
type fakeForgeServer struct {
	mu          sync.Mutex
	diffRefs    domain.DiffRefs
	rawDiffs    []map[string]any
	discussions []map[string]any
	notes       []map[string]any
	resolved    []string
	rejectInlinePosition bool
}

func newFakeForgeServer() *fakeForgeServer {
	return &fakeForgeServer{diffRefs: domain.DiffRefs{BaseSHA: "base", StartSHA: "start", HeadSHA: "head1"}}
}

func (f *fakeForgeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/projects/1/merge_requests/2", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{
			"iid": 2, "title": "t", "diff_refs": map[string]any{
				"base_sha": f.diffRefs.BaseSHA, "start_sha": f.diffRefs.StartSHA, "head_sha": f.diffRefs.HeadSHA,
			},
		})
	})
	mux.HandleFunc("/projects/1/merge_requests/2/diffs", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, http.StatusOK, f.rawDiffs)
	})
	mux.HandleFunc("/projects/1/merge_requests/2/discussions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.rejectInlinePosition {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"message":"line_code can't be blank"}`))
			return
		}
		f.discussions = append(f.discussions, body)
		writeJSON(w, http.StatusCreated, map[string]any{"id": fmt.Sprintf("disc-%d", len(f.discussions))})
	})
	mux.HandleFunc("/projects/1/merge_requests/2/notes", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			f.mu.Lock()
			defer f.mu.Unlock()
			writeJSON(w, http.StatusOK, f.notes)
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.notes = append(f.notes, body)
		writeJSON(w, http.StatusCreated, map[string]any{"id": fmt.Sprintf("note-%d", len(f.notes))})
	})
	mux.HandleFunc("/projects/1/merge_requests/2/discussions/disc-1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.Method == http.MethodPut {
			f.resolved = append(f.resolved, "disc-1")
			writeJSON(w, http.StatusOK, map[string]any{"resolved": true})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"notes": []map[string]any{{"author": map[string]any{"username": "review-bot"}}}})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// fakeLLMServer returns a fixed critique JSON for every chat
// completion request.
func fakeLLMServer(critiqueJSON string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"id": "c1", "object": "chat.completion", "model": "gpt-4o",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": critiqueJSON},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
}

func testHarness(t *testing.T, forgeSrv *httptest.Server, llmSrv *httptest.Server) (*orchestrator.Orchestrator, *supervisor.Supervisor, *dedup.CommitTracker) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Chunker.MaxDiffSize = 40000
	cfg.Chunker.MaxChunks = -1
	cfg.Scheduling.ConcurrentGLMRequests = 2
	cfg.Scheduling.ChunkTimeout = 5 * time.Second
	cfg.Scheduling.GitlabTimeout = 5 * time.Second
	cfg.Scheduling.GLMTimeout = 5 * time.Second
	cfg.Scheduling.MaxConcurrentReviews = 1
	cfg.Scheduling.APIRequestDelay = 0
	cfg.Dedup.Enabled = false
	cfg.Dedup.CleanupPolicy = "keep_all"
	cfg.Dedup.BotUsername = "review-bot"
	cfg.Dedup.CommitTTL = time.Hour
	cfg.Webhook.Enabled = true
	cfg.Webhook.Secret = "s3cr3t"
	cfg.Webhook.TriggerActions = []string{"open"}
	cfg.Server.MaxBodySize = 1 << 20

	policy := retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1}
	forgeClient := forge.New(forgeSrv.URL, "tok", cfg.Scheduling.GitlabTimeout, policy)
	llmClient := llm.New(llmSrv.URL, "key", "gpt-4o", 0.2, 0, cfg.Scheduling.GLMTimeout, policy)

	commitTracker := dedup.NewCommitTracker(cfg.Dedup.CommitTTL)
	commentTracker := dedup.NewCommentTracker(forgeClient, cfg.Dedup.BotUsername)
	review := orchestrator.New(forgeClient, llmClient, commitTracker, commentTracker, cfg)
	sup := supervisor.New(review, commitTracker, supervisor.Options{MaxConcurrentReviews: cfg.Scheduling.MaxConcurrentReviews, ReviewTimeout: 5 * time.Second})

	return review, sup, commitTracker
}

func waitForTerminal(t *testing.T, sup *supervisor.Supervisor, taskID string) domain.ReviewTask {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, ok := sup.GetTask(taskID)
		if ok && (task.State == domain.TaskCompleted || task.State == domain.TaskFailed || task.State == domain.TaskCancelled) {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("task never reached a terminal state")
	return domain.ReviewTask{}
}

func TestS1_NewFileInlineCommentOnAddedLine(t *testing.T) {
	forgeState := newFakeForgeServer()
	forgeState.rawDiffs = []map[string]any{
		{"old_path": "new.py", "new_path": "new.py", "new_file": true,
			"diff": "@@ -0,0 +1,3 @@\n+a\n+b\n+c\n"},
	}
	forgeSrv := httptest.NewServer(forgeState.handler())
	defer forgeSrv.Close()
	llmSrv := fakeLLMServer(`{"comments":[{"file":"new.py","line":2,"comment":"x","type":"suggestion","severity":"low"}]}`)
	defer llmSrv.Close()

	_, sup, _ := testHarness(t, forgeSrv, llmSrv)
	id, err := sup.Submit(supervisor.SubmitRequest{Ref: domain.MergeRequestRef{ProjectID: 1, MRIID: 2}})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	task := waitForTerminal(t, sup, id)
	if task.State != domain.TaskCompleted {
		t.Fatalf("expected completed, got %s (%s)", task.State, task.Message)
	}

	forgeState.mu.Lock()
	defer forgeState.mu.Unlock()
	if len(forgeState.discussions) != 1 {
		t.Fatalf("expected 1 discussion posted, got %d", len(forgeState.discussions))
	}
	if len(forgeState.notes) != 0 {
		t.Fatalf("expected 0 notes, got %d", len(forgeState.notes))
	}
	pos := forgeState.discussions[0]["position"].(map[string]any)
	if pos["new_path"] != "new.py" || int(pos["new_line"].(float64)) != 2 {
		t.Fatalf("unexpected position: %+v", pos)
	}
}

func TestS3_LineOutsideDiffFallsBackToNote(t *testing.T) {
	forgeState := newFakeForgeServer()
	forgeState.rawDiffs = []map[string]any{
		{"old_path": "a.py", "new_path": "a.py",
			"diff": "@@ -10,3 +10,3 @@\n ctx1\n ctx2\n ctx3\n"},
	}
	forgeSrv := httptest.NewServer(forgeState.handler())
	defer forgeSrv.Close()
	llmSrv := fakeLLMServer(`{"comments":[{"file":"a.py","line":50,"comment":"x","type":"issue","severity":"medium"}]}`)
	defer llmSrv.Close()

	_, sup, _ := testHarness(t, forgeSrv, llmSrv)
	id, err := sup.Submit(supervisor.SubmitRequest{Ref: domain.MergeRequestRef{ProjectID: 1, MRIID: 2}})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	task := waitForTerminal(t, sup, id)
	if task.State != domain.TaskCompleted {
		t.Fatalf("expected completed, got %s (%s)", task.State, task.Message)
	}

	forgeState.mu.Lock()
	defer forgeState.mu.Unlock()
	if len(forgeState.discussions) != 0 {
		t.Fatalf("expected no discussions, got %d", len(forgeState.discussions))
	}
	if len(forgeState.notes) != 1 {
		t.Fatalf("expected 1 fallback note, got %d", len(forgeState.notes))
	}
	body := forgeState.notes[0]["body"].(string)
	if !strings.Contains(body, "intended for `a.py:50`, but that line is not part of the diff") {
		t.Fatalf("unexpected fallback body: %s", body)
	}
}

func TestS4_DuplicateWebhookRejectedOnSecondDelivery(t *testing.T) {
	forgeState := newFakeForgeServer()
	forgeState.rawDiffs = []map[string]any{
		{"old_path": "new.py", "new_path": "new.py", "new_file": true, "diff": "@@ -0,0 +1,1 @@\n+a\n"},
	}
	forgeSrv := httptest.NewServer(forgeState.handler())
	defer forgeSrv.Close()
	llmSrv := fakeLLMServer(`{"comments":[]}`)
	defer llmSrv.Close()

	_, sup, commits := testHarness(t, forgeSrv, llmSrv)
	cfg := dispatcherConfig()
	cfg.Dedup.Enabled = true
	d := webhook.New(cfg, forgeClientFor(forgeSrv), sup)

	body := mrOpenedEvent("head1")
	rec1 := postWebhook(d, body)
	if rec1.Code != http.StatusAccepted {
		t.Fatalf("expected first delivery accepted, got %d: %s", rec1.Code, rec1.Body.String())
	}
	var first map[string]any
	json.Unmarshal(rec1.Body.Bytes(), &first)
	waitForTerminal(t, sup, first["task_id"].(string))
	_ = commits // CommitTracker is populated as a side effect of the first review completing.

	rec2 := postWebhook(d, body)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected second delivery to be rejected with 200, got %d", rec2.Code)
	}
	var second map[string]any
	json.Unmarshal(rec2.Body.Bytes(), &second)
	if !strings.Contains(strings.ToLower(fmt.Sprint(second["message"])), "already reviewed") {
		t.Fatalf("expected already reviewed message, got %+v", second)
	}
}

func TestS5_SaturationReturns429(t *testing.T) {
	forgeState := newFakeForgeServer()
	forgeState.rawDiffs = []map[string]any{
		{"old_path": "new.py", "new_path": "new.py", "new_file": true, "diff": "@@ -0,0 +1,1 @@\n+a\n"},
	}
	forgeSrv := httptest.NewServer(forgeState.handler())
	defer forgeSrv.Close()
	llmSrv := fakeLLMServer(`{"comments":[]}`)
	defer llmSrv.Close()

	_, sup, _ := testHarness(t, forgeSrv, llmSrv)
	if _, err := sup.Submit(supervisor.SubmitRequest{Ref: domain.MergeRequestRef{ProjectID: 1, MRIID: 2}}); err != nil {
		t.Fatalf("first submit should succeed: %v", err)
	}

	d := webhook.New(dispatcherConfig(), forgeClientFor(forgeSrv), sup)
	otherMR := map[string]any{
		"object_kind": "merge_request",
		"project":     map[string]any{"id": 1},
		"object_attributes": map[string]any{
			"iid":         3,
			"action":      "open",
			"title":       "another",
			"last_commit": map[string]any{"id": "head2"},
		},
	}
	b, _ := json.Marshal(otherMR)
	rec := postWebhook(d, b)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for a saturated second MR, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestS6_DoneResolvesBotAuthoredDiscussion(t *testing.T) {
	forgeState := newFakeForgeServer()
	forgeSrv := httptest.NewServer(forgeState.handler())
	defer forgeSrv.Close()

	cfg := dispatcherConfig()
	d := webhook.New(cfg, forgeClientFor(forgeSrv), &noopTasks{})

	payload := map[string]any{
		"object_kind":   "note",
		"project":       map[string]any{"id": 1},
		"merge_request": map[string]any{"iid": 2},
		"object_attributes": map[string]any{
			"noteable_type": "MergeRequest",
			"discussion_id": "disc-1",
			"note":          " Done\n",
		},
	}
	b, _ := json.Marshal(payload)
	rec := postWebhook(d, b)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	forgeState.mu.Lock()
	defer forgeState.mu.Unlock()
	if len(forgeState.resolved) != 1 {
		t.Fatalf("expected discussion resolved, got %d", len(forgeState.resolved))
	}
}

func dispatcherConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Webhook.Enabled = true
	cfg.Webhook.Secret = "s3cr3t"
	cfg.Webhook.TriggerActions = []string{"open"}
	cfg.Dedup.BotUsername = "review-bot"
	cfg.Server.MaxBodySize = 1 << 20
	return cfg
}

func forgeClientFor(srv *httptest.Server) *forge.Client {
	return forge.New(srv.URL, "tok", 5*time.Second, retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1})
}

func mrOpenedEvent(headSHA string) []byte {
	payload := map[string]any{
		"object_kind": "merge_request",
		"project":     map[string]any{"id": 1},
		"object_attributes": map[string]any{
			"iid":         2,
			"action":      "open",
			"title":       "add feature",
			"last_commit": map[string]any{"id": headSHA},
		},
	}
	b, _ := json.Marshal(payload)
	return b
}

func postWebhook(d *webhook.Dispatcher, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Gitlab-Token", "s3cr3t")
	rec := httptest.NewRecorder()
	d.ServeWebhook(rec, req)
	return rec
}

type noopTasks struct{}

func (noopTasks) Submit(req supervisor.SubmitRequest) (string, error) { return "", nil }
func (noopTasks) GetTask(taskID string) (domain.ReviewTask, bool)     { return domain.ReviewTask{}, false }
func (noopTasks) ListTasks(filter supervisor.ListFilter) []domain.ReviewTask { return nil }
func (noopTasks) Stats() supervisor.Stats                             { return supervisor.Stats{} }
