package tokenize

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/cognicore/reviewbot/pkg/reviewbot/internalerr"
)

// BatchTokenizer turns extracted texts into token structures. Output is in
// input order and does not depend on concurrency.
type BatchTokenizer interface {
	TokenizeBatch(ctx context.Context, texts []string, concurrency int) ([]Parsed, error)
}

// Features switches the optional, more expensive analyses on or off.
type Features struct {
	Tag    bool
	Parse  bool
	Entity bool
}

// Span is a half-open token index range.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Parsed is the token structure for one text.
type Parsed struct {
	Tokens    []Token  `json:"tokens"`
	Sentences []Span   `json:"sentences,omitempty"`
	Entities  []Entity `json:"entities,omitempty"`
}

// Words counts the non-punctuation tokens.
func (p Parsed) Words() int {
	n := 0
	for _, t := range p.Tokens {
		if !t.Punct() {
			n++
		}
	}
	return n
}

// Local tokenizes in process.
type Local struct {
	tok      *Tokenizer
	gaz      *Gazetteer
	features Features
}

// NewLocal builds a local backend. gaz may be nil when entity recognition is off.
func NewLocal(tok *Tokenizer, gaz *Gazetteer, features Features) *Local {
	if tok == nil {
		tok = NewTokenizer(nil)
	}
	return &Local{tok: tok, gaz: gaz, features: features}
}

// TokenizeBatch implements BatchTokenizer. concurrency bounds the number of
// texts processed at once; values below one mean sequential.
func (l *Local) TokenizeBatch(ctx context.Context, texts []string, concurrency int) ([]Parsed, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if concurrency < 1 {
		concurrency = 1
	}
	out := make([]Parsed, len(texts))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(concurrency)
	for i, text := range texts {
		eg.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = l.Parse(text)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("tokenize: batch of %d: %w: %w", len(texts), internalerr.ErrTokenization, err)
	}
	return out, nil
}

// Parse runs the configured analyses over one text.
func (l *Local) Parse(text string) Parsed {
	p := Parsed{Tokens: l.tok.Tokenize(text)}
	if l.features.Tag {
		for i := range p.Tokens {
			p.Tokens[i].Tag = shapeTag(p.Tokens[i].Text)
		}
	}
	if l.features.Parse {
		p.Sentences = splitSentences(p.Tokens)
		for si, span := range p.Sentences {
			for i := span.Start; i < span.End; i++ {
				p.Tokens[i].Sentence = si
			}
		}
	}
	if l.features.Entity && l.gaz != nil {
		p.Entities = l.gaz.Match(p.Tokens)
	}
	return p
}

var abbreviations = map[string]struct{}{
	"al": {}, "e": {}, "g": {}, "i": {}, "fig": {}, "figs": {}, "vs": {}, "approx": {}, "ref": {}, "no": {}, "dr": {},
}

// splitSentences breaks after . ! ? when the next token opens a new sentence.
func splitSentences(tokens []Token) []Span {
	if len(tokens) == 0 {
		return nil
	}
	var spans []Span
	start := 0
	for i, t := range tokens {
		if t.Text != "." && t.Text != "!" && t.Text != "?" {
			continue
		}
		if i+1 >= len(tokens) {
			break
		}
		if t.Text == "." && i > 0 {
			if _, abbr := abbreviations[tokens[i-1].Norm]; abbr {
				continue
			}
		}
		next, _ := utf8.DecodeRuneInString(tokens[i+1].Text)
		if unicode.IsUpper(next) || unicode.IsDigit(next) {
			spans = append(spans, Span{Start: start, End: i + 1})
			start = i + 1
		}
	}
	spans = append(spans, Span{Start: start, End: len(tokens)})
	return spans
}

func shapeTag(text string) string {
	r, _ := utf8.DecodeRuneInString(text)
	switch {
	case utf8.RuneCountInString(text) == 1 && !isWordRune(r):
		return "PUNCT"
	case isNumeric(text):
		return "NUM"
	case utf8.RuneCountInString(text) > 1 && strings.ToUpper(text) == text && strings.ToLower(text) != text:
		return "ABBR"
	case unicode.IsUpper(r):
		return "CAP"
	default:
		return "WORD"
	}
}

// isNumeric returns true if the token contains only digits and number punctuation.
func isNumeric(s string) bool {
	digits := 0
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '.' || r == ',' || r == '-':
		default:
			return false
		}
	}
	return digits > 0
}
