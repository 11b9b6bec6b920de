package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nolood/review-bot-sub000/internal/apperr"
	"github.com/nolood/review-bot-sub000/internal/dedup"
	"github.com/nolood/review-bot-sub000/internal/domain"
)

type fakeOrchestrator struct {
	delay  time.Duration
	err    error
	result domain.ReviewResult
}

func (f *fakeOrchestrator) Run(ctx context.Context, ref domain.MergeRequestRef) (domain.ReviewResult, error) {
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return domain.ReviewResult{}, ctx.Err()
	}
	if f.err != nil {
		return domain.ReviewResult{}, f.err
	}
	return f.result, nil
}

func mrRef() domain.MergeRequestRef { return domain.MergeRequestRef{ProjectID: 1, MRIID: 2} }

func waitForState(t *testing.T, s *Supervisor, taskID string, want domain.TaskState) domain.ReviewTask {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, ok := s.GetTask(taskID)
		if ok && task.State == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached state %s", taskID, want)
	return domain.ReviewTask{}
}

func TestSubmit_RunsToCompletion(t *testing.T) {
	orch := &fakeOrchestrator{result: domain.ReviewResult{Status: "completed", CommentsPosted: 3}}
	s := New(orch, dedup.NewCommitTracker(time.Hour), Options{MaxConcurrentReviews: 2})

	id, err := s.Submit(SubmitRequest{Ref: mrRef()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task := waitForState(t, s, id, domain.TaskCompleted)
	if task.Result == nil || task.Result.CommentsPosted != 3 {
		t.Fatalf("unexpected result: %+v", task.Result)
	}
}

func TestSubmit_RejectsWhenSaturated(t *testing.T) {
	orch := &fakeOrchestrator{delay: 200 * time.Millisecond}
	s := New(orch, dedup.NewCommitTracker(time.Hour), Options{MaxConcurrentReviews: 1})

	if _, err := s.Submit(SubmitRequest{Ref: mrRef()}); err != nil {
		t.Fatalf("first submit should succeed: %v", err)
	}
	if _, err := s.Submit(SubmitRequest{Ref: domain.MergeRequestRef{ProjectID: 1, MRIID: 3}}); !errors.Is(err, apperr.ErrTooManyReviews) {
		t.Fatalf("expected ErrTooManyReviews, got %v", err)
	}
}

func TestSubmit_RejectsAlreadyReviewedCommit(t *testing.T) {
	tracker := dedup.NewCommitTracker(time.Hour)
	tracker.MarkReviewed(mrRef(), "headsha", 1)
	s := New(&fakeOrchestrator{}, tracker, Options{MaxConcurrentReviews: 2})

	_, err := s.Submit(SubmitRequest{Ref: mrRef(), HeadSHA: "headsha"})
	if !errors.Is(err, apperr.ErrAlreadyReviewed) {
		t.Fatalf("expected ErrAlreadyReviewed, got %v", err)
	}
}

func TestSubmit_ForceBypassesAlreadyReviewed(t *testing.T) {
	tracker := dedup.NewCommitTracker(time.Hour)
	tracker.MarkReviewed(mrRef(), "headsha", 1)
	orch := &fakeOrchestrator{result: domain.ReviewResult{Status: "completed"}}
	s := New(orch, tracker, Options{MaxConcurrentReviews: 2})

	id, err := s.Submit(SubmitRequest{Ref: mrRef(), HeadSHA: "headsha", Force: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForState(t, s, id, domain.TaskCompleted)
}

func TestRunTask_FailureRecordsErrorMessage(t *testing.T) {
	orch := &fakeOrchestrator{err: errors.New("boom")}
	s := New(orch, dedup.NewCommitTracker(time.Hour), Options{MaxConcurrentReviews: 1})

	id, err := s.Submit(SubmitRequest{Ref: mrRef()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task := waitForState(t, s, id, domain.TaskFailed)
	if task.Error != "boom" {
		t.Fatalf("unexpected error message: %q", task.Error)
	}
}

func TestShutdown_CancelsRunningTasksAsCancelled(t *testing.T) {
	orch := &fakeOrchestrator{delay: time.Second}
	s := New(orch, dedup.NewCommitTracker(time.Hour), Options{MaxConcurrentReviews: 1})

	id, err := s.Submit(SubmitRequest{Ref: mrRef()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	s.Shutdown(2 * time.Second)

	task, ok := s.GetTask(id)
	if !ok || task.State != domain.TaskCancelled {
		t.Fatalf("expected cancelled task, got %+v (ok=%v)", task, ok)
	}
	if task.Message != "cancelled due to server shutdown" {
		t.Fatalf("unexpected message: %q", task.Message)
	}
}

func TestListTasks_FiltersByStatus(t *testing.T) {
	orch := &fakeOrchestrator{result: domain.ReviewResult{Status: "completed"}}
	s := New(orch, dedup.NewCommitTracker(time.Hour), Options{MaxConcurrentReviews: 2})

	id, _ := s.Submit(SubmitRequest{Ref: mrRef()})
	waitForState(t, s, id, domain.TaskCompleted)

	completed := s.ListTasks(ListFilter{Status: domain.TaskCompleted})
	if len(completed) != 1 {
		t.Fatalf("expected 1 completed task, got %d", len(completed))
	}
	failed := s.ListTasks(ListFilter{Status: domain.TaskFailed})
	if len(failed) != 0 {
		t.Fatalf("expected 0 failed tasks, got %d", len(failed))
	}
}
