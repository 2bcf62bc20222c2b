package tokenize

import (
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entity is a gazetteer match over a token range [Start, End).
type Entity struct {
	Type  string `json:"type"`
	Value string `json:"value"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Gazetteer recognizes named entities by greedy longest match over
// normalized token sequences.
type Gazetteer struct {
	phrases map[string]Entity // normalized phrase → type/value
	maxLen  int
}

// GazetteerFile is the YAML layout of a gazetteer: type → name → keywords.
type GazetteerFile struct {
	Entities map[string]map[string][]string `yaml:"entities"`
}

// LoadGazetteer reads a gazetteer from a YAML file.
func LoadGazetteer(path string, tok *Tokenizer) (*Gazetteer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file GazetteerFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	return NewGazetteer(file.Entities, tok), nil
}

// NewGazetteer builds a gazetteer. Keywords are split with tok so matching
// uses the same token boundaries as the documents. The entity name itself
// always matches.
func NewGazetteer(entities map[string]map[string][]string, tok *Tokenizer) *Gazetteer {
	g := &Gazetteer{phrases: make(map[string]Entity), maxLen: 1}
	if tok == nil {
		tok = NewTokenizer(nil)
	}
	types := make([]string, 0, len(entities))
	for typ := range entities {
		types = append(types, typ)
	}
	sort.Strings(types)
	for _, typ := range types {
		names := make([]string, 0, len(entities[typ]))
		for name := range entities[typ] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			keywords := entities[typ][name]
			for _, kw := range append([]string{name}, keywords...) {
				norms := normsOf(tok.Tokenize(kw))
				if len(norms) == 0 {
					continue
				}
				key := strings.Join(norms, " ")
				if _, taken := g.phrases[key]; taken {
					continue
				}
				g.phrases[key] = Entity{Type: typ, Value: name}
				if len(norms) > g.maxLen {
					g.maxLen = len(norms)
				}
			}
		}
	}
	return g
}

// Len returns the number of distinct phrases.
func (g *Gazetteer) Len() int { return len(g.phrases) }

// Match returns entities found in tokens, left to right, longest match first.
func (g *Gazetteer) Match(tokens []Token) []Entity {
	if g == nil || len(g.phrases) == 0 {
		return nil
	}
	var out []Entity
	i := 0
	for i < len(tokens) {
		maxPhrase := g.maxLen
		if remaining := len(tokens) - i; maxPhrase > remaining {
			maxPhrase = remaining
		}
		matched := 0
		for n := maxPhrase; n >= 1; n-- {
			key := strings.Join(normsOf(tokens[i:i+n]), " ")
			if ent, ok := g.phrases[key]; ok {
				ent.Start = i
				ent.End = i + n
				out = append(out, ent)
				matched = n
				break
			}
		}
		if matched > 0 {
			i += matched
		} else {
			i++
		}
	}
	return out
}

func normsOf(tokens []Token) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.Norm
	}
	return out
}
