package query

import (
	"regexp"
	"strings"
)

// Upstream responses sometimes echo prior conversational turns concatenated
// ahead of the true answer. Clean strips the echoes with a chain of
// heuristics, applied in strict order per pass, repeated until the result is
// stable. Best effort: it never panics and never returns an empty string for
// non-empty input.

const (
	// minFinalSegment guards the marker split against truncating a single
	// short genuine answer.
	minFinalSegment = 50
	// maxCleanedRatio is the adoption threshold for paragraph dedup. A
	// smaller reduction is noise, not duplication.
	maxCleanedRatio = 0.85
)

// answerMarkers are the canonical answer-opening phrases the backend emits.
var answerMarkers = `here are the details for|here are the top \d+|demographic information:`

// markerBoundary matches a blank-line boundary immediately preceding an
// answer-opening phrase. The capture group starts at the phrase itself.
var markerBoundary = regexp.MustCompile(`(?i)\n[ \t]*\n[ \t]*(` + answerMarkers + `)`)

// markerStart matches an answer-opening phrase anywhere.
var markerStart = regexp.MustCompile(`(?i)` + answerMarkers)

// paragraphGap splits text into paragraphs.
var paragraphGap = regexp.MustCompile(`\n[ \t]*\n`)

var spaceRun = regexp.MustCompile(`\s+`)

// Clean removes duplicated context from a backend response. A marker split
// can keep a segment that itself still carries duplicated paragraphs, so
// passes repeat until the text is stable; every strategy only ever shrinks
// the text, so the loop bound is a guard, not a tuning knob.
func Clean(text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}

	for i := 0; i < 4; i++ {
		next := cleanOnce(text)
		if next == text {
			break
		}
		text = next
	}
	return text
}

// cleanOnce runs one pass of the strategies in strict order, stopping at
// the first that yields a confident result.
func cleanOnce(text string) string {
	if out, ok := markerSplit(text); ok {
		return out
	}
	if out, ok := paragraphDedup(text); ok {
		return out
	}
	if out, ok := trailingExtract(text); ok {
		return out
	}
	return text
}

// markerSplit keeps only the final marker-delimited segment, provided it is
// long enough to be a real answer.
func markerSplit(text string) (string, bool) {
	locs := markerBoundary.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return "", false
	}

	// The final segment starts at the last boundary's phrase.
	last := locs[len(locs)-1]
	final := strings.TrimSpace(text[last[2]:])
	if len(final) < minFinalSegment {
		return "", false
	}
	return final, true
}

// paragraphDedup drops paragraphs that exactly repeat an earlier one,
// comparing case- and whitespace-insensitively. The cleaned text is adopted
// only when it shrank past the adoption threshold.
func paragraphDedup(text string) (string, bool) {
	paragraphs := paragraphGap.Split(text, -1)
	if len(paragraphs) < 2 {
		return "", false
	}

	seen := map[string]bool{}
	var kept []string
	for _, p := range paragraphs {
		key := spaceRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(p)), " ")
		if key != "" && seen[key] {
			continue
		}
		seen[key] = true
		kept = append(kept, p)
	}
	if len(kept) == len(paragraphs) {
		return "", false
	}

	cleaned := strings.Join(kept, "\n\n")
	if strings.TrimSpace(cleaned) == "" {
		return "", false
	}
	if float64(len(cleaned)) > maxCleanedRatio*float64(len(text)) {
		return "", false
	}
	return cleaned, true
}

// trailingExtract handles a repeated closing line: find the last sentence
// ending that recurs in the text, then cut from the nearest preceding
// answer-opening phrase.
func trailingExtract(text string) (string, bool) {
	lastRepeat := lastRepeatedLineEnd(text)
	if lastRepeat < 0 {
		return "", false
	}

	// Nearest marker before the repeated closing line.
	start := -1
	for _, loc := range markerStart.FindAllStringIndex(text[:lastRepeat], -1) {
		start = loc[0]
	}
	// A marker at the very start means there is nothing to cut.
	if start <= 0 {
		return "", false
	}

	out := strings.TrimSpace(text[start:])
	if out == "" {
		return "", false
	}
	return out, true
}

// lastRepeatedLineEnd returns the byte offset of the start of the last line
// that (a) ends a sentence and (b) occurs more than once, or -1.
func lastRepeatedLineEnd(text string) int {
	lines := strings.Split(text, "\n")
	counts := map[string]int{}
	for _, l := range lines {
		t := strings.TrimSpace(l)
		if t == "" {
			continue
		}
		if strings.HasSuffix(t, "?") || strings.HasSuffix(t, ".") {
			counts[t]++
		}
	}

	offset := 0
	last := -1
	for _, l := range lines {
		t := strings.TrimSpace(l)
		if counts[t] > 1 {
			last = offset
		}
		offset += len(l) + 1
	}
	return last
}
