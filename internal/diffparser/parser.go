// Package diffparser parses the Forge's per-file unified-diff
// fragments into domain.FileDiff values and partitions them into
// size-bounded chunks for LLM submission (spec.md §4.1, C3).
package diffparser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/nolood/review-bot-sub000/internal/apperr"
	"github.com/nolood/review-bot-sub000/internal/domain"
)

// RawFileDiff is the Forge's wire representation of one file's diff.
type RawFileDiff struct {
	OldPath     string
	NewPath     string
	Diff        string
	NewFile     bool
	DeletedFile bool
	RenamedFile bool
}

var hunkHeaderPattern = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// Parse parses one raw per-file diff record into a domain.FileDiff.
// It fails with *apperr.DiffParsingError when a hunk header is
// malformed or the line bookkeeping diverges from the declared counts.
func Parse(raw RawFileDiff) (domain.FileDiff, error) {
	fd := domain.FileDiff{
		OldPath:   domain.NormalizePath(raw.OldPath),
		NewPath:   domain.NormalizePath(raw.NewPath),
		IsNew:     raw.NewFile,
		IsDeleted: raw.DeletedFile,
		IsRenamed: raw.RenamedFile,
		RawDiff:   raw.Diff,
	}

	lines := strings.Split(raw.Diff, "\n")
	path := fd.Path()

	var hunk *domain.Hunk
	var oldSeen, newSeen int

	flush := func() error {
		if hunk == nil {
			return nil
		}
		if oldSeen != hunk.OldCount || newSeen != hunk.NewCount {
			return &apperr.DiffParsingError{
				File:   path,
				LineNo: hunk.OldStart,
				Excerpt: fmt.Sprintf("hunk declared -%d,+%d but walked -%d,+%d",
					hunk.OldCount, hunk.NewCount, oldSeen, newSeen),
			}
		}
		fd.Hunks = append(fd.Hunks, *hunk)
		hunk = nil
		return nil
	}

	for i, line := range lines {
		if strings.HasPrefix(line, "@@") {
			if err := flush(); err != nil {
				return fd, err
			}
			m := hunkHeaderPattern.FindStringSubmatch(line)
			if m == nil {
				return fd, &apperr.DiffParsingError{File: path, LineNo: i + 1, Excerpt: line}
			}
			oldStart, _ := strconv.Atoi(m[1])
			oldCount := 1
			if m[2] != "" {
				oldCount, _ = strconv.Atoi(m[2])
			}
			newStart, _ := strconv.Atoi(m[3])
			newCount := 1
			if m[4] != "" {
				newCount, _ = strconv.Atoi(m[4])
			}
			hunk = &domain.Hunk{OldStart: oldStart, OldCount: oldCount, NewStart: newStart, NewCount: newCount}
			oldSeen, newSeen = 0, 0
			continue
		}

		if hunk == nil {
			continue // preamble (diff --git, ---/+++ headers, index lines)
		}

		switch {
		case strings.HasPrefix(line, "\\"):
			// "\ No newline at end of file" — ignored for positions.
		case strings.HasPrefix(line, "+"):
			hunk.Lines = append(hunk.Lines, domain.HunkLine{Kind: domain.LineAdded, Text: line[1:]})
			newSeen++
		case strings.HasPrefix(line, "-"):
			hunk.Lines = append(hunk.Lines, domain.HunkLine{Kind: domain.LineRemoved, Text: line[1:]})
			oldSeen++
		case strings.HasPrefix(line, " "):
			hunk.Lines = append(hunk.Lines, domain.HunkLine{Kind: domain.LineContext, Text: line[1:]})
			oldSeen++
			newSeen++
		case line == "" && i == len(lines)-1:
			// Trailing blank line from the final split("\n"); not a diff line.
		case line == "":
			// Some Forges trim trailing whitespace, emitting a bare blank
			// line for what is really an empty context line.
			hunk.Lines = append(hunk.Lines, domain.HunkLine{Kind: domain.LineContext, Text: ""})
			oldSeen++
			newSeen++
		default:
			return fd, &apperr.DiffParsingError{File: path, LineNo: i + 1, Excerpt: line}
		}
	}
	if err := flush(); err != nil {
		return fd, err
	}

	return fd, nil
}

// ParseAll parses every raw file diff in order. It stops and returns
// the first error: per spec.md §4.11, "the pipeline aborts — the
// LineMapper must be self-consistent across the MR."
func ParseAll(raws []RawFileDiff) ([]domain.FileDiff, error) {
	out := make([]domain.FileDiff, 0, len(raws))
	for _, r := range raws {
		fd, err := Parse(r)
		if err != nil {
			return nil, err
		}
		out = append(out, fd)
	}
	return out, nil
}
