package tokenize

import "unicode"

// TruncateWords keeps the first budget whitespace-separated words of text.
// A budget of zero or less disables truncation.
func TruncateWords(text string, budget int) string {
	if budget <= 0 {
		return text
	}
	words := 0
	inWord := false
	for i, r := range text {
		if unicode.IsSpace(r) {
			if inWord && words == budget {
				return text[:i]
			}
			inWord = false
			continue
		}
		if !inWord {
			inWord = true
			words++
		}
	}
	return text
}

// CountWords returns the number of whitespace-separated words in text.
func CountWords(text string) int {
	words := 0
	inWord := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			inWord = true
			words++
		}
	}
	return words
}
