// Package linemapper builds the per-file table of line positions a
// Forge will accept for an inline comment, and computes the line_code
// identifier GitLab-style forges require on note creation (spec.md
// §4.4, C4). Only added and context lines are valid targets; a removed
// line no longer exists in the new file and can't anchor an inline
// note there.
package linemapper

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strconv"

	"github.com/nolood/review-bot-sub000/internal/domain"
)

// LinePositionInfo describes one commentable position in a file.
type LinePositionInfo struct {
	FilePath   string
	LineNumber int
	OldLine    *int // nil when the line has no counterpart in the old file
	LineType   domain.LineKind
	LineCode   string
}

type fileMapping struct {
	path      string
	sha       string
	validNew  map[int]bool
	lineInfo  map[int]LinePositionInfo
}

// LineMapper answers "can I comment here" and "what's the line_code"
// questions for every file touched by a reviewed diff. Built once per
// review run from the parsed FileDiffs and then only read (by the
// CommentPublisher), so it is never mutated after Build.
type LineMapper struct {
	files map[string]*fileMapping
}

// Build constructs a LineMapper from a MR's parsed file diffs.
func Build(diffs []domain.FileDiff) *LineMapper {
	lm := &LineMapper{files: make(map[string]*fileMapping, len(diffs))}
	for _, fd := range diffs {
		path := fd.Path()
		if path == "" {
			continue
		}
		fm := &fileMapping{
			path:     path,
			sha:      fileSHA(path),
			validNew: make(map[int]bool),
			lineInfo: make(map[int]LinePositionInfo),
		}
		for _, h := range fd.Hunks {
			fm.walk(h)
		}
		lm.files[path] = fm
	}
	return lm
}

// walk replays one hunk's lines, tracking old/new cursors the same way
// the hunk header declares them, and records every added or context
// line as a valid comment target.
func (fm *fileMapping) walk(h domain.Hunk) {
	oldLine := h.OldStart
	newLine := h.NewStart

	for _, l := range h.Lines {
		switch l.Kind {
		case domain.LineAdded:
			fm.addValid(newLine, nil, domain.LineAdded)
			newLine++
		case domain.LineRemoved:
			oldLine++
		case domain.LineContext:
			old := oldLine
			fm.addValid(newLine, &old, domain.LineContext)
			oldLine++
			newLine++
		}
	}
}

func (fm *fileMapping) addValid(newLine int, oldLine *int, kind domain.LineKind) {
	if newLine <= 0 {
		return
	}
	fm.validNew[newLine] = true
	fm.lineInfo[newLine] = LinePositionInfo{
		FilePath:   fm.path,
		LineNumber: newLine,
		OldLine:    oldLine,
		LineType:   kind,
		LineCode:   lineCode(fm.sha, oldLine, newLine),
	}
}

// IsValid reports whether file:line is a position the Forge will
// accept an inline comment on.
func (lm *LineMapper) IsValid(file string, line int) bool {
	fm, ok := lm.files[file]
	if !ok {
		return false
	}
	return fm.validNew[line]
}

// Info returns the recorded position detail for file:line, or nil if
// the position isn't valid.
func (lm *LineMapper) Info(file string, line int) *LinePositionInfo {
	fm, ok := lm.files[file]
	if !ok {
		return nil
	}
	info, ok := fm.lineInfo[line]
	if !ok {
		return nil
	}
	return &info
}

// HasFile reports whether file appears in the mapped diff at all,
// independent of which lines within it are valid.
func (lm *LineMapper) HasFile(file string) bool {
	_, ok := lm.files[file]
	return ok
}

// ValidLines returns the sorted valid line numbers for file.
func (lm *LineMapper) ValidLines(file string) []int {
	fm, ok := lm.files[file]
	if !ok {
		return nil
	}
	lines := make([]int, 0, len(fm.validNew))
	for l := range fm.validNew {
		lines = append(lines, l)
	}
	sort.Ints(lines)
	return lines
}

// NearestValid finds the closest valid line number to line in file,
// for the fallback path that retargets a critique LLM placed just
// outside a hunk boundary (spec.md §4.4). Returns nil if file has no
// valid lines at all.
func (lm *LineMapper) NearestValid(file string, line int) *int {
	lines := lm.ValidLines(file)
	if len(lines) == 0 {
		return nil
	}
	best := lines[0]
	bestDist := abs(best - line)
	for _, l := range lines[1:] {
		// lines is ascending, so d <= bestDist lets a later, higher
		// candidate win a tie.
		if d := abs(l - line); d <= bestDist {
			best, bestDist = l, d
		}
	}
	return &best
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func fileSHA(path string) string {
	sum := sha1.Sum([]byte(path))
	return hex.EncodeToString(sum[:])
}

// lineCode reproduces GitLab's {file_sha}_{old_line}_{new_line}
// identifier. Either line number may be absent; an absent old_line
// (added line) renders as an empty segment, matching the upstream
// Forge's own format (original_source/src/line_code_mapper.py).
//
// NOTE: old_line here is the line walked from the hunk's declared old
// cursor, which need not equal new_line — a context line deep into a
// hunk with prior adds/removes can carry two different numbers. This
// was flagged as an open question during the port; the walker-derived
// value is the one the original implementation actually sends.
func lineCode(fileSHA string, oldLine *int, newLine int) string {
	old := ""
	if oldLine != nil {
		old = strconv.Itoa(*oldLine)
	}
	return fileSHA + "_" + old + "_" + strconv.Itoa(newLine)
}
