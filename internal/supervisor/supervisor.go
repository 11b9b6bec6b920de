// Package supervisor accepts review requests, assigns task ids,
// enforces a global concurrency cap, and tracks task lifecycle state
// through to a bounded history ring (spec.md §4.8, C9).
package supervisor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nolood/review-bot-sub000/internal/apperr"
	"github.com/nolood/review-bot-sub000/internal/dedup"
	"github.com/nolood/review-bot-sub000/internal/domain"
)

// Orchestrator is the subset of orchestrator.Orchestrator the
// supervisor depends on, narrowed for testability.
type Orchestrator interface {
	Run(ctx context.Context, ref domain.MergeRequestRef) (domain.ReviewResult, error)
}

// Supervisor admits, runs, and tracks review tasks.
type Supervisor struct {
	mu      sync.Mutex
	active  map[string]*domain.ReviewTask
	history []domain.ReviewTask

	historyLimit  int
	sem           *semaphore.Weighted
	commitTracker *dedup.CommitTracker
	orchestrator  Orchestrator
	reviewTimeout time.Duration

	wg         sync.WaitGroup
	baseCtx    context.Context
	baseCancel context.CancelFunc
	shutdown   bool
}

// Options configures a Supervisor.
type Options struct {
	MaxConcurrentReviews int
	ReviewTimeout        time.Duration
	HistoryLimit         int // default 100
}

// New builds a Supervisor. orchestrator runs the actual review;
// commitTracker gates admission for (project, mr, head_sha) pairs
// that were already reviewed.
func New(orchestrator Orchestrator, commitTracker *dedup.CommitTracker, opts Options) *Supervisor {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		active:        make(map[string]*domain.ReviewTask),
		historyLimit:  opts.HistoryLimit,
		sem:           semaphore.NewWeighted(int64(opts.MaxConcurrentReviews)),
		commitTracker: commitTracker,
		orchestrator:  orchestrator,
		reviewTimeout: opts.ReviewTimeout,
		baseCtx:       ctx,
		baseCancel:    cancel,
	}
}

// SubmitRequest is what a caller (webhook or manual trigger) submits.
type SubmitRequest struct {
	Ref     domain.MergeRequestRef
	HeadSHA string // empty if unknown; skips the already-reviewed check
	Force   bool   // bypasses the already-reviewed admission check
}

// Submit admits a new review task or rejects it per spec.md §4.8's
// two admission checks. On success it returns the new task's id and
// runs the review in the background.
func (s *Supervisor) Submit(req SubmitRequest) (string, error) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return "", errors.New("supervisor is shutting down")
	}
	s.mu.Unlock()

	// spec.md §4.8 orders admission checks concurrency-first: a
	// saturated supervisor rejects with TooManyReviews even if the
	// commit was already reviewed.
	if !s.sem.TryAcquire(1) {
		return "", apperr.ErrTooManyReviews
	}

	if req.HeadSHA != "" && !req.Force && s.commitTracker.IsReviewed(req.Ref, req.HeadSHA) {
		s.sem.Release(1)
		return "", apperr.ErrAlreadyReviewed
	}

	id, err := newTaskID()
	if err != nil {
		s.sem.Release(1)
		return "", fmt.Errorf("generate task id: %w", err)
	}

	task := &domain.ReviewTask{
		TaskID:    id,
		MR:        req.Ref,
		HeadSHA:   req.HeadSHA,
		State:     domain.TaskPending,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.active[id] = task
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runTask(task)

	return id, nil
}

func (s *Supervisor) runTask(task *domain.ReviewTask) {
	defer s.wg.Done()
	defer s.sem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in review task", "task_id", task.TaskID, "panic", r, "stack", string(debug.Stack()))
			s.finish(task, domain.TaskFailed, nil, fmt.Sprintf("unexpected panic: %v", r))
		}
	}()

	s.mu.Lock()
	now := time.Now()
	task.State = domain.TaskRunning
	task.StartedAt = &now
	s.mu.Unlock()

	ctx := s.baseCtx
	var cancel context.CancelFunc
	if s.reviewTimeout > 0 {
		ctx, cancel = context.WithTimeout(s.baseCtx, s.reviewTimeout)
		defer cancel()
	}

	result, err := s.orchestrator.Run(ctx, task.MR)

	switch {
	case ctx.Err() == context.Canceled:
		s.finish(task, domain.TaskCancelled, nil, "cancelled due to server shutdown")
	case ctx.Err() == context.DeadlineExceeded:
		s.finish(task, domain.TaskFailed, nil, fmt.Sprintf("review exceeded timeout of %s", s.reviewTimeout))
	case err != nil:
		s.finish(task, domain.TaskFailed, nil, err.Error())
	default:
		s.finish(task, domain.TaskCompleted, &result, "")
	}
}

// finish transitions task to a terminal state, moves it from the
// active table to the bounded history ring, and never mutates it
// again (spec.md §8 property 9).
func (s *Supervisor) finish(task *domain.ReviewTask, state domain.TaskState, result *domain.ReviewResult, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	task.State = state
	task.CompletedAt = &now
	task.Result = result
	task.Message = message
	if state == domain.TaskFailed || state == domain.TaskCancelled {
		task.Error = message
	}
	if state == domain.TaskCompleted {
		task.Progress = 1
	}

	delete(s.active, task.TaskID)
	s.history = append(s.history, *task)
	if len(s.history) > s.historyLimit {
		s.history = s.history[len(s.history)-s.historyLimit:]
	}
}

// GetTask consults the active table then the history ring.
func (s *Supervisor) GetTask(taskID string) (domain.ReviewTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.active[taskID]; ok {
		return *t, true
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].TaskID == taskID {
			return s.history[i], true
		}
	}
	return domain.ReviewTask{}, false
}

// ListFilter narrows ListTasks.
type ListFilter struct {
	Status    domain.TaskState // empty = any
	ProjectID int64            // 0 = any
	Limit     int              // 0 = unlimited
}

// ListTasks returns active tasks followed by history, newest first,
// filtered per filter.
func (s *Supervisor) ListTasks(filter ListFilter) []domain.ReviewTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.ReviewTask
	for _, t := range s.active {
		out = append(out, *t)
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		out = append(out, s.history[i])
	}

	filtered := out[:0]
	for _, t := range out {
		if filter.Status != "" && t.State != filter.Status {
			continue
		}
		if filter.ProjectID != 0 && t.MR.ProjectID != filter.ProjectID {
			continue
		}
		filtered = append(filtered, t)
		if filter.Limit > 0 && len(filtered) >= filter.Limit {
			break
		}
	}
	return filtered
}

// Stats reports the supervisor's current counters for the /status
// and /health surfaces.
type Stats struct {
	Active    int
	Completed int
	Failed    int
	Cancelled int
}

// Stats snapshots the active and history tables.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{Active: len(s.active)}
	for _, t := range s.history {
		switch t.State {
		case domain.TaskCompleted:
			stats.Completed++
		case domain.TaskFailed:
			stats.Failed++
		case domain.TaskCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

// Shutdown stops admitting new tasks, cancels every in-flight task,
// and waits up to grace for them to observe cancellation and reach a
// terminal state.
func (s *Supervisor) Shutdown(grace time.Duration) {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	s.baseCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		slog.Warn("shutdown grace period elapsed with tasks still running")
	}
}

func newTaskID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
