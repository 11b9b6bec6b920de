package dedup

import (
	"context"
	"errors"
	"testing"

	"github.com/nolood/review-bot-sub000/internal/domain"
	"github.com/nolood/review-bot-sub000/internal/forge"
)

type fakeNoteClient struct {
	notes             []forge.NoteSummary
	discussions       []forge.Discussion
	listErr           error
	deleteErr         map[string]error
	deleted           []string
	deletedDiscussion []string
}

func (f *fakeNoteClient) ListNotes(ctx context.Context, ref domain.MergeRequestRef) ([]forge.NoteSummary, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.notes, nil
}

func (f *fakeNoteClient) DeleteNote(ctx context.Context, ref domain.MergeRequestRef, noteID string) error {
	if err, ok := f.deleteErr[noteID]; ok {
		return err
	}
	f.deleted = append(f.deleted, noteID)
	return nil
}

func (f *fakeNoteClient) ListDiscussions(ctx context.Context, ref domain.MergeRequestRef) ([]forge.Discussion, error) {
	return f.discussions, nil
}

func (f *fakeNoteClient) DeleteDiscussionNote(ctx context.Context, ref domain.MergeRequestRef, discussionID, noteID string) error {
	f.deletedDiscussion = append(f.deletedDiscussion, discussionID+"/"+noteID)
	return nil
}

func TestBotNotes_FiltersSystemAndOtherAuthors(t *testing.T) {
	client := &fakeNoteClient{notes: []forge.NoteSummary{
		{ID: "1", Author: "review-bot", System: false},
		{ID: "2", Author: "review-bot", System: true},
		{ID: "3", Author: "alice", System: false},
	}}
	tr := NewCommentTracker(client, "review-bot")

	notes, err := tr.BotNotes(context.Background(), mrRef())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(notes) != 1 || notes[0].ID != "1" {
		t.Fatalf("unexpected notes: %+v", notes)
	}
}

func TestCleanup_KeepAllNeverDeletes(t *testing.T) {
	client := &fakeNoteClient{notes: []forge.NoteSummary{{ID: "1", Author: "review-bot"}}}
	tr := NewCommentTracker(client, "review-bot")

	res := tr.Cleanup(context.Background(), mrRef(), StrategyKeepAll)
	if res.DeletedCount != 0 || len(client.deleted) != 0 {
		t.Fatalf("expected no deletions, got %+v", res)
	}
}

func TestCleanup_DeleteAllRemovesEveryBotNote(t *testing.T) {
	client := &fakeNoteClient{notes: []forge.NoteSummary{
		{ID: "1", Author: "review-bot"},
		{ID: "2", Author: "review-bot"},
	}}
	tr := NewCommentTracker(client, "review-bot")

	res := tr.Cleanup(context.Background(), mrRef(), StrategyDeleteAll)
	if res.DeletedCount != 2 || res.KeptCount != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCleanup_DeleteAllAlsoRemovesInlineDiscussionNotes(t *testing.T) {
	client := &fakeNoteClient{
		notes: []forge.NoteSummary{{ID: "1", Author: "review-bot"}},
		discussions: []forge.Discussion{
			{ID: "d1", Notes: []forge.DiscussionNote{{ID: "n1", Author: "review-bot"}, {ID: "n2", Author: "alice"}}},
		},
	}
	tr := NewCommentTracker(client, "review-bot")

	res := tr.Cleanup(context.Background(), mrRef(), StrategyDeleteAll)
	if res.DeletedCount != 2 {
		t.Fatalf("expected 1 general + 1 inline note deleted, got %+v", res)
	}
	if len(client.deletedDiscussion) != 1 || client.deletedDiscussion[0] != "d1/n1" {
		t.Fatalf("expected bot's inline note deleted, got %+v", client.deletedDiscussion)
	}
}

func TestCleanup_DeleteSummaryOnlyLeavesInlineDiscussionNotes(t *testing.T) {
	client := &fakeNoteClient{
		notes: []forge.NoteSummary{{ID: "1", Author: "review-bot"}},
		discussions: []forge.Discussion{
			{ID: "d1", Notes: []forge.DiscussionNote{{ID: "n1", Author: "review-bot"}}},
		},
	}
	tr := NewCommentTracker(client, "review-bot")

	res := tr.Cleanup(context.Background(), mrRef(), StrategyDeleteSummaryOnly)
	if res.DeletedCount != 1 || len(client.deletedDiscussion) != 0 {
		t.Fatalf("expected only the general note deleted, got %+v discussion=%+v", res, client.deletedDiscussion)
	}
}

func TestCleanup_RecordsDeletionFailures(t *testing.T) {
	client := &fakeNoteClient{
		notes:     []forge.NoteSummary{{ID: "1", Author: "review-bot"}, {ID: "2", Author: "review-bot"}},
		deleteErr: map[string]error{"1": errors.New("forge unavailable")},
	}
	tr := NewCommentTracker(client, "review-bot")

	res := tr.Cleanup(context.Background(), mrRef(), StrategyDeleteAll)
	if res.DeletedCount != 1 || res.FailedCount != 1 || len(res.Errors) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}
