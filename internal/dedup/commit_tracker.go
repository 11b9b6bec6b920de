// Package dedup avoids re-reviewing a commit that already has comments
// posted against it, and cleans up a bot's own prior notes before a
// new review run (spec.md §4.7, C7).
package dedup

import (
	"strings"
	"sync"
	"time"

	"github.com/nolood/review-bot-sub000/internal/domain"
)

// CommitTracker is an in-memory, TTL-expiring cache of which commits
// have already been reviewed. Entries are evicted lazily on the next
// read or write that touches them, not by a background sweep.
type CommitTracker struct {
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time

	entries map[string]domain.ReviewedCommit
}

// NewCommitTracker builds a CommitTracker with the given entry TTL.
func NewCommitTracker(ttl time.Duration) *CommitTracker {
	return &CommitTracker{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]domain.ReviewedCommit),
	}
}

func key(ref domain.MergeRequestRef, commitSHA string) string {
	return ref.Key() + ":" + commitSHA
}

// IsReviewed reports whether commitSHA has already been reviewed for
// ref and the entry hasn't expired.
func (t *CommitTracker) IsReviewed(ref domain.MergeRequestRef, commitSHA string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.evictExpired(key(ref, commitSHA))
	_, ok := t.entries[key(ref, commitSHA)]
	return ok
}

// MarkReviewed records commitSHA as reviewed, resetting its TTL.
func (t *CommitTracker) MarkReviewed(ref domain.MergeRequestRef, commitSHA string, commentCount int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.entries[key(ref, commitSHA)] = domain.ReviewedCommit{
		ProjectID:    ref.ProjectID,
		MRIID:        ref.MRIID,
		CommitSHA:    commitSHA,
		ReviewedAt:   now,
		CommentCount: commentCount,
		ExpiresAt:    now.Add(t.ttl),
	}
}

// LastReviewed returns the cache entry for commitSHA, or nil if absent
// or expired.
func (t *CommitTracker) LastReviewed(ref domain.MergeRequestRef, commitSHA string) *domain.ReviewedCommit {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(ref, commitSHA)
	t.evictExpired(k)
	entry, ok := t.entries[k]
	if !ok {
		return nil
	}
	return &entry
}

// ClearMR drops every tracked commit belonging to ref, returning the
// number removed.
func (t *CommitTracker) ClearMR(ref domain.MergeRequestRef) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	prefix := ref.Key() + ":"
	removed := 0
	for k := range t.entries {
		if strings.HasPrefix(k, prefix) {
			delete(t.entries, k)
			removed++
		}
	}
	return removed
}

// Stats reports the tracker's current size after a lazy sweep of
// every entry.
type Stats struct {
	TotalTracked int
	TTL          time.Duration
}

// Stats evicts every expired entry and reports the tracker's size.
func (t *CommitTracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for k, entry := range t.entries {
		if !entry.ExpiresAt.After(now) {
			delete(t.entries, k)
		}
	}
	return Stats{TotalTracked: len(t.entries), TTL: t.ttl}
}

// evictExpired removes k if present and past its TTL. Caller holds mu.
func (t *CommitTracker) evictExpired(k string) {
	entry, ok := t.entries[k]
	if !ok {
		return
	}
	if !entry.ExpiresAt.After(t.now()) {
		delete(t.entries, k)
	}
}
