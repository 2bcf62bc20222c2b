package extract

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// ParseTEI reads a TEI document as produced by GROBID and recovers the title,
// abstract and body sections. The bibliography under <back> is skipped.
//
// TEI is XML, but the html tokenizer handles it well enough for flat text
// recovery: tag names come back lower-cased and entities are unescaped.
func ParseTEI(r io.Reader) (Article, error) {
	z := html.NewTokenizer(r)

	var (
		stack    []string
		title    strings.Builder
		abstract []string
		sections []Section
		para     strings.Builder
		heading  strings.Builder
	)

	within := func(tag string) bool {
		for _, s := range stack {
			if s == tag {
				return true
			}
		}
		return false
	}
	flushPara := func(dst *[]string) {
		if text := collapse(para.String()); text != "" {
			*dst = append(*dst, text)
		}
		para.Reset()
	}
	current := func() *Section {
		if len(sections) == 0 {
			sections = append(sections, Section{})
		}
		return &sections[len(sections)-1]
	}
	var bodyParas []string
	closeSection := func() {
		if len(bodyParas) == 0 && heading.Len() == 0 {
			return
		}
		sec := current()
		if h := collapse(heading.String()); h != "" {
			sec.Heading = h
		}
		if len(bodyParas) > 0 {
			sec.Text = strings.Join(bodyParas, "\n\n")
		}
		bodyParas = nil
		heading.Reset()
		sections = append(sections, Section{})
	}

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return Article{}, fmt.Errorf("extract: read tei: %w", err)
			}
			closeSection()
			sections = trimEmpty(sections)
			meta := Metadata{
				Title:    collapse(title.String()),
				Abstract: strings.Join(abstract, "\n\n"),
				Sections: sections,
			}
			return Article{Text: joinText(meta), Meta: meta}, nil

		case html.StartTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "div" && within("body") && !within("abstract") {
				closeSection()
			}
			stack = append(stack, tag)

		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "abstract" {
				flushPara(&abstract)
			}
			if tag == "p" {
				switch {
				case within("abstract"):
					flushPara(&abstract)
				case within("body"):
					flushPara(&bodyParas)
				default:
					para.Reset()
				}
			}
			stack = popTo(stack, tag)

		case html.TextToken:
			if within("back") {
				continue
			}
			text := string(z.Text())
			switch {
			case within("teiheader") && within("titlestmt") && within("title"):
				title.WriteString(text)
			case within("abstract"):
				para.WriteString(text)
			case within("body") && within("head"):
				heading.WriteString(text)
			case within("body") && within("p"):
				para.WriteString(text)
			}
		}
	}
}

func popTo(stack []string, tag string) []string {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == tag {
			return stack[:i]
		}
	}
	return stack
}

func trimEmpty(sections []Section) []Section {
	out := sections[:0]
	for _, s := range sections {
		if s.Heading == "" && s.Text == "" {
			continue
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func joinText(meta Metadata) string {
	var parts []string
	if meta.Title != "" {
		parts = append(parts, meta.Title)
	}
	if meta.Abstract != "" {
		parts = append(parts, meta.Abstract)
	}
	for _, s := range meta.Sections {
		if s.Heading != "" {
			parts = append(parts, s.Heading)
		}
		if s.Text != "" {
			parts = append(parts, s.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}
