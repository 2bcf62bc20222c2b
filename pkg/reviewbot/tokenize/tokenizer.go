package tokenize

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Token is one word or punctuation mark with its byte offsets in the source text.
type Token struct {
	Text     string `json:"text"`
	Norm     string `json:"norm"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
	Tag      string `json:"tag,omitempty"`
	Stop     bool   `json:"stop,omitempty"`
	Sentence int    `json:"sentence"`
}

// Punct reports whether the token is a punctuation mark.
func (t Token) Punct() bool {
	r, _ := utf8.DecodeRuneInString(t.Text)
	return utf8.RuneCountInString(t.Text) == 1 && !isWordRune(r)
}

// Tokenizer splits text into tokens and normalizes them. Unlike a retrieval
// tokenizer it drops nothing: stopwords are flagged and punctuation is kept,
// so token offsets always line up with the text.
type Tokenizer struct {
	stopwords map[string]struct{}
}

// NewTokenizer creates a tokenizer with the given stopword list.
func NewTokenizer(stopwords []string) *Tokenizer {
	stops := make(map[string]struct{}, len(stopwords))
	for _, w := range stopwords {
		stops[strings.ToLower(w)] = struct{}{}
	}
	return &Tokenizer{stopwords: stops}
}

// Tokenize splits text into word and punctuation tokens.
func (t *Tokenizer) Tokenize(text string) []Token {
	var tokens []Token
	start := -1

	emit := func(from, to int) {
		word := text[from:to]
		norm := cleanToken(strings.ToLower(word))
		if norm == "" {
			norm = strings.ToLower(word)
		}
		tokens = append(tokens, Token{
			Text:  word,
			Norm:  norm,
			Start: from,
			End:   to,
			Stop:  t.isStopword(norm),
		})
	}

	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		switch {
		case isWordRune(r):
			if start < 0 {
				start = i
			}
		case start >= 0 && isInfix(r) && digitBefore(text, i) && digitAfter(text, i+size):
			// decimal points and thousands separators stay inside numbers
		default:
			if start >= 0 {
				emit(start, i)
				start = -1
			}
			if !unicode.IsSpace(r) {
				emit(i, i+size)
			}
		}
		i += size
	}
	if start >= 0 {
		emit(start, len(text))
	}
	return tokens
}

// AddStopword adds a word to the stopword list
func (t *Tokenizer) AddStopword(word string) {
	t.stopwords[strings.ToLower(word)] = struct{}{}
}

// RemoveStopword removes a word from the stopword list
func (t *Tokenizer) RemoveStopword(word string) {
	delete(t.stopwords, strings.ToLower(word))
}

func (t *Tokenizer) isStopword(word string) bool {
	_, ok := t.stopwords[word]
	return ok
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsNumber(r) || r == '-' || r == '\''
}

func isInfix(r rune) bool {
	return r == '.' || r == ','
}

func digitBefore(text string, i int) bool {
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return unicode.IsDigit(r)
}

func digitAfter(text string, i int) bool {
	if i >= len(text) {
		return false
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return unicode.IsDigit(r)
}

// cleanToken strips leading/trailing hyphens and quotes and collapses repeated hyphens
func cleanToken(token string) string {
	token = strings.Trim(token, "-'")
	for strings.Contains(token, "--") {
		token = strings.ReplaceAll(token, "--", "-")
	}
	return token
}
