package linemapper

import (
	"testing"

	"github.com/nolood/review-bot-sub000/internal/domain"
)

func sampleDiff() domain.FileDiff {
	return domain.FileDiff{
		NewPath: "pkg/foo.go",
		Hunks: []domain.Hunk{
			{
				OldStart: 10, OldCount: 3,
				NewStart: 10, NewCount: 4,
				Lines: []domain.HunkLine{
					{Kind: domain.LineContext, Text: "func Foo() {"},
					{Kind: domain.LineRemoved, Text: "old impl"},
					{Kind: domain.LineAdded, Text: "new impl one"},
					{Kind: domain.LineAdded, Text: "new impl two"},
					{Kind: domain.LineContext, Text: "}"},
				},
			},
		},
	}
}

func TestBuild_ValidLines(t *testing.T) {
	lm := Build([]domain.FileDiff{sampleDiff()})

	if !lm.IsValid("pkg/foo.go", 10) {
		t.Fatal("expected line 10 (context) valid")
	}
	if !lm.IsValid("pkg/foo.go", 11) {
		t.Fatal("expected line 11 (added) valid")
	}
	if !lm.IsValid("pkg/foo.go", 12) {
		t.Fatal("expected line 12 (added) valid")
	}
	if !lm.IsValid("pkg/foo.go", 13) {
		t.Fatal("expected line 13 (context) valid")
	}
	if lm.IsValid("pkg/foo.go", 999) {
		t.Fatal("line 999 should not be valid")
	}
	if lm.IsValid("nope.go", 10) {
		t.Fatal("unknown file should not be valid")
	}
}

func TestInfo_LineCode(t *testing.T) {
	lm := Build([]domain.FileDiff{sampleDiff()})

	info := lm.Info("pkg/foo.go", 10)
	if info == nil {
		t.Fatal("expected info for context line")
	}
	if info.OldLine == nil || *info.OldLine != 10 {
		t.Fatalf("expected old_line=10, got %+v", info.OldLine)
	}
	if info.LineCode == "" {
		t.Fatal("expected non-empty line_code")
	}

	added := lm.Info("pkg/foo.go", 11)
	if added == nil {
		t.Fatal("expected info for added line")
	}
	if added.OldLine != nil {
		t.Fatalf("added line should have nil old_line, got %v", *added.OldLine)
	}
}

func TestNearestValid(t *testing.T) {
	lm := Build([]domain.FileDiff{sampleDiff()})

	n := lm.NearestValid("pkg/foo.go", 500)
	if n == nil || *n != 13 {
		t.Fatalf("expected nearest=13, got %v", n)
	}

	if lm.NearestValid("missing.go", 1) != nil {
		t.Fatal("expected nil for unmapped file")
	}
}

func TestValidLines_Sorted(t *testing.T) {
	lm := Build([]domain.FileDiff{sampleDiff()})
	lines := lm.ValidLines("pkg/foo.go")
	want := []int{10, 11, 12, 13}
	if len(lines) != len(want) {
		t.Fatalf("got %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("got %v, want %v", lines, want)
		}
	}
}
