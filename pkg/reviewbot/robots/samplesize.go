package robots

import (
	"context"
	"strconv"
	"strings"

	"github.com/cognicore/reviewbot/pkg/reviewbot/document"
	"github.com/cognicore/reviewbot/pkg/reviewbot/merge"
	"github.com/cognicore/reviewbot/pkg/reviewbot/tokenize"
)

// NotFound is stored when no sample size could be read from the text.
const NotFound = "not found"

var participantNouns = map[string]bool{
	"participants": true, "patients": true, "subjects": true, "women": true,
	"men": true, "children": true, "adults": true, "infants": true,
	"individuals": true, "volunteers": true, "people": true, "persons": true,
}

var enrolVerbs = map[string]bool{
	"randomised": true, "randomized": true, "enrolled": true, "recruited": true,
	"included": true, "allocated": true, "assigned": true,
}

// SampleSize reads the number of randomized participants from the tokens.
// It recognizes "n = 120", "120 patients" and "randomized 120" and reports
// the largest candidate, which in trial abstracts is the total.
type SampleSize struct {
	// Max discards implausible numbers such as years and doses.
	Max int
}

// Annotate implements annotate.Annotator.
func (s SampleSize) Annotate(ctx context.Context, doc *document.Document, scope *merge.Scope) error {
	var tokens []tokenize.Token
	if doc.Tokens != nil {
		tokens = doc.Tokens.Tokens
	}
	n, ok := s.Estimate(tokens)
	if !ok {
		return scope.Set("num_randomized", NotFound)
	}
	return scope.Set("num_randomized", n)
}

// Estimate returns the sample size found in tokens.
func (s SampleSize) Estimate(tokens []tokenize.Token) (int, bool) {
	limit := s.Max
	if limit <= 0 {
		limit = 1000000
	}
	best := 0
	consider := func(i int) {
		n, ok := count(tokens[i].Text)
		if ok && n <= limit && n > best {
			best = n
		}
	}
	for i, tok := range tokens {
		switch {
		case tok.Norm == "n" && i+2 < len(tokens) && tokens[i+1].Text == "=":
			consider(i + 2)
		case participantNouns[tok.Norm] && i > 0:
			consider(i - 1)
		case enrolVerbs[tok.Norm] && i+1 < len(tokens):
			consider(i + 1)
		}
	}
	return best, best > 0
}

func count(text string) (int, bool) {
	if year, err := strconv.Atoi(text); err == nil && year >= 1900 && year <= 2100 && len(text) == 4 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.ReplaceAll(text, ",", ""))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
