package query

import (
	"strings"
	"testing"
)

func TestCleanMarkerSplit(t *testing.T) {
	answer := "Here are the top 5 members by total sales volume:\n1. Alpha Corp\n2. Beta LLC\n3. Gamma Inc"
	text := answer + "\n\n" + answer

	got := Clean(text)
	if got != answer {
		t.Errorf("Clean = %q, want final copy only", got)
	}
}

// A short final segment must not be adopted; it is more likely a truncated
// genuine answer than an echo.
func TestCleanMarkerSplitShortFinalSegment(t *testing.T) {
	text := "Some long preceding context that talks about members and regions at length without repeating itself.\n\nHere are the top 3 members"

	if got := Clean(text); got != text {
		t.Errorf("Clean modified text with short final segment:\n%q", got)
	}
}

func TestCleanParagraphDedup(t *testing.T) {
	p := "The member demographic breakdown shows a majority of urban households with moderate annual incomes."
	text := p + "\n\n" + p

	got := Clean(text)
	if got != p {
		t.Errorf("Clean = %q, want single paragraph", got)
	}
	if float64(len(got)) > maxCleanedRatio*float64(len(text)) {
		t.Errorf("cleaned length %d exceeds threshold of original %d", len(got), len(text))
	}
}

// A reduction smaller than the threshold is noise, not duplication.
func TestCleanParagraphDedupBelowThreshold(t *testing.T) {
	text := "A short line.\n\nThis long unique middle paragraph carries the actual substance of the answer and is plenty long enough to dominate the total length of the text.\n\nA short line."

	if got := Clean(text); got != text {
		t.Errorf("Clean dropped a paragraph despite insufficient reduction:\n%q", got)
	}
}

// The kept marker segment may itself carry duplicated paragraphs; a single
// Clean call removes both layers.
func TestCleanMarkerSegmentWithDuplicateParagraphs(t *testing.T) {
	p := "The Northeast region counts 42 active members across 7 metropolitan areas, led by Alpha Corp."
	text := "What are the regional details?\n\nHere are the details for the Northeast region:\n\n" + p + "\n\n" + p

	want := "Here are the details for the Northeast region:\n\n" + p
	got := Clean(text)
	if got != want {
		t.Errorf("Clean = %q, want %q", got, want)
	}
	if again := Clean(got); again != got {
		t.Errorf("Clean not stable on its own output:\n 1x: %q\n 2x: %q", got, again)
	}
}

func TestCleanTrailingExtract(t *testing.T) {
	text := "What are the top members?\nEchoed conversation context that is not part of the answer.\nHere are the details for the Northeast region:\nAlpha, Beta, Gamma.\nWhat are the top members?"

	got := Clean(text)
	if !strings.HasPrefix(got, "Here are the details for") {
		t.Errorf("Clean = %q, want suffix starting at the answer phrase", got)
	}
	if strings.Contains(got, "Echoed conversation context") {
		t.Errorf("Clean kept echoed context: %q", got)
	}
}

func TestCleanUntouchedCases(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"whitespace only", "  \n\t"},
		{"plain answer", "The Northeast region has 42 active members."},
		{"multi paragraph no dupes", "First paragraph about sales.\n\nSecond paragraph about regions."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clean(tt.text); got != tt.text {
				t.Errorf("Clean(%q) = %q, want unchanged", tt.text, got)
			}
		})
	}
}

// Cleaning is idempotent and never empties non-empty input.
func TestCleanIdempotent(t *testing.T) {
	answer := "Here are the top 5 members by total sales volume:\n1. Alpha Corp\n2. Beta LLC\n3. Gamma Inc"
	p := "The member demographic breakdown shows a majority of urban households with moderate annual incomes."

	inputs := []string{
		answer + "\n\n" + answer,
		p + "\n\n" + p,
		"Echoed question context here.\n\nHere are the details for the Northeast region:\n\n" + p + "\n\n" + p,
		"What are the top members?\nEchoed context line here.\nHere are the details for the Northeast region:\nAlpha, Beta, Gamma.\nWhat are the top members?",
		"A perfectly normal answer with nothing repeated.",
		"Demographic Information:\nMedian age 41, median income 72k.",
	}

	for _, in := range inputs {
		once := Clean(in)
		twice := Clean(once)
		if once != twice {
			t.Errorf("not idempotent:\n in: %q\n 1x: %q\n 2x: %q", in, once, twice)
		}
		if strings.TrimSpace(in) != "" && strings.TrimSpace(once) == "" {
			t.Errorf("Clean emptied non-empty input %q", in)
		}
	}
}
