// Package patch applies unified-diff patches with line-number
// self-correction, applying in-memory against the original content and
// committing atomically on success. The fuzzy re-anchoring is delegated to
// sergi/go-diff/diffmatchpatch's Patch.apply, which already tolerates a hunk
// header whose line offsets have drifted as long as the hunk body's context
// still matches somewhere nearby.
package patch

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/sandboxhaven/agentd/internal/apierr"
)

var hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

var targetHeaderRe = regexp.MustCompile(`^\+\+\+ (?:b/)?(.+)$`)

// TargetFile extracts the file path a unified diff applies to from its
// "+++ b/..." header line (falling back to "--- a/..." if no "+++" line is
// present), so callers can path-guard the target before staging the patch.
func TargetFile(diffContent string) (string, error) {
	lines := strings.Split(normalize(diffContent), "\n")
	for _, line := range lines {
		if m := targetHeaderRe.FindStringSubmatch(line); m != nil {
			name := strings.TrimSpace(m[1])
			if name != "" && name != "/dev/null" {
				return name, nil
			}
		}
	}
	for _, line := range lines {
		if strings.HasPrefix(line, "--- ") {
			name := strings.TrimSpace(strings.TrimPrefix(line, "--- "))
			name = strings.TrimPrefix(name, "a/")
			if name != "" && name != "/dev/null" {
				return name, nil
			}
		}
	}
	return "", apierr.New(apierr.ParseError, "could not determine target file from patch headers")
}

// Apply normalizes diffContent, repairs its hunk line numbers against the
// current contents of targetPath, applies the repaired patch in memory, and
// atomically commits the result back to targetPath on success. The original
// file is left byte-for-byte unchanged unless the full patch applies
// cleanly.
func Apply(targetPath, diffContent string) error {
	original, err := os.ReadFile(targetPath)
	if err != nil {
		return apierr.Wrap(apierr.NotFound, fmt.Sprintf("reading target %q", targetPath), err)
	}

	normalized := normalize(diffContent)
	repaired, err := repairLineNumbers(string(original), normalized)
	if err != nil {
		return err
	}

	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(repaired)
	if err != nil {
		return apierr.Wrap(apierr.PatchNotApplicable, "parsing patch", err)
	}

	patched, results, err := dmp.PatchApply(patches, string(original))
	if err != nil {
		return apierr.Wrap(apierr.PatchNotApplicable, "applying patch", err)
	}
	for _, ok := range results {
		if !ok {
			return apierr.New(apierr.PatchNotApplicable, "one or more hunks did not apply")
		}
	}

	return commit(targetPath, []byte(patched))
}

// normalize strips trailing whitespace per line and coerces line endings
// to \n.
func normalize(diff string) string {
	diff = strings.ReplaceAll(diff, "\r\n", "\n")
	diff = strings.ReplaceAll(diff, "\r", "\n")
	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

// repairLineNumbers rewrites each hunk header's source start line by
// scanning source for the first context/deletion line of the hunk's
// pre-image, and rewrites the header's line counts to match the hunk body.
// A hunk whose pre-image cannot be found anywhere in source fails with
// PatchNotApplicable.
func repairLineNumbers(source, diff string) (string, error) {
	sourceLines := strings.Split(source, "\n")
	lines := strings.Split(diff, "\n")

	out := make([]string, 0, len(lines))
	i := 0
	for i < len(lines) {
		line := lines[i]
		m := hunkHeaderRe.FindStringSubmatch(line)
		if m == nil {
			out = append(out, line)
			i++
			continue
		}

		// Collect the hunk body until the next header or EOF.
		bodyStart := i + 1
		j := bodyStart
		for j < len(lines) {
			if strings.HasPrefix(lines[j], "@@ ") || strings.HasPrefix(lines[j], "--- ") {
				break
			}
			j++
		}
		body := lines[bodyStart:j]

		preImage := make([]string, 0, len(body))
		addCount, delCount := 0, 0
		for _, b := range body {
			if strings.HasPrefix(b, "+") {
				addCount++
				continue
			}
			if strings.HasPrefix(b, "-") {
				delCount++
				preImage = append(preImage, strings.TrimPrefix(b, "-"))
				continue
			}
			if strings.HasPrefix(b, " ") {
				addCount++
				delCount++
				preImage = append(preImage, strings.TrimPrefix(b, " "))
			}
		}

		startLine, found := findPreImage(sourceLines, preImage)
		if !found {
			return "", apierr.New(apierr.PatchNotApplicable, "hunk pre-image not found in source")
		}

		newHeader := fmt.Sprintf("@@ -%d,%d +%d,%d @@", startLine+1, delCount, startLine+1, addCount)
		out = append(out, newHeader)
		out = append(out, body...)
		i = j
	}

	return strings.Join(out, "\n"), nil
}

// findPreImage scans source for the first occurrence of preImage as a
// contiguous subsequence, returning its zero-based start line. Falling back
// to a fuzzy scan when nothing matches exactly lets a hunk still apply
// after small, unrelated textual drift elsewhere on its context lines.
func findPreImage(source, preImage []string) (int, bool) {
	if len(preImage) == 0 {
		return 0, true
	}
	for start := 0; start+len(preImage) <= len(source); start++ {
		match := true
		for k, want := range preImage {
			if source[start+k] != want {
				match = false
				break
			}
		}
		if match {
			return start, true
		}
	}
	return findPreImageFuzzy(source, preImage)
}

// findPreImageFuzzy scores every candidate window by per-line Levenshtein
// distance and accepts the lowest-scoring one, provided every line in it is
// within fuzzyLineLimit edits of its preImage counterpart. Rejects a window
// outright the moment one line exceeds that limit, so an unrelated region of
// the file that merely happens to be short never outscores a true near-miss.
func findPreImageFuzzy(source, preImage []string) (int, bool) {
	bestStart, bestScore := -1, -1
	for start := 0; start+len(preImage) <= len(source); start++ {
		total := 0
		ok := true
		for k, want := range preImage {
			dist := levenshtein.ComputeDistance(source[start+k], want)
			if dist > fuzzyLineLimit(want) {
				ok = false
				break
			}
			total += dist
		}
		if ok && (bestScore == -1 || total < bestScore) {
			bestScore = total
			bestStart = start
		}
	}
	if bestStart == -1 {
		return 0, false
	}
	return bestStart, true
}

// fuzzyLineLimit bounds how many edits a single preimage line may have
// drifted by and still count as a near-match: a quarter of its length, floored
// at 2 so short lines (braces, blank context) aren't impossibly strict.
func fuzzyLineLimit(line string) int {
	limit := len(line) / 4
	if limit < 2 {
		limit = 2
	}
	return limit
}

// commit replaces targetPath atomically: write to a sibling temp file, then
// rename into place, matching the teacher's storage.Put write pattern.
func commit(targetPath string, content []byte) error {
	tmpPath := targetPath + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0644); err != nil {
		return apierr.Wrap(apierr.Unknown, "writing staged patch output", err)
	}
	if err := os.Rename(tmpPath, targetPath); err != nil {
		os.Remove(tmpPath)
		return apierr.Wrap(apierr.Unknown, "committing patched file", err)
	}
	return nil
}
