package config

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/cognicore/reviewbot/internal/robotclient"
	"github.com/cognicore/reviewbot/pkg/reviewbot/annotate"
	"github.com/cognicore/reviewbot/pkg/reviewbot/extract"
	"github.com/cognicore/reviewbot/pkg/reviewbot/robots"
	"github.com/cognicore/reviewbot/pkg/reviewbot/tokenize"
)

// Loader constructs runtime components from a Config.
type Loader struct {
	Config *Config
	Logger *slog.Logger
}

// Components holds the components a worker is assembled from.
type Components struct {
	Tokenizer *tokenize.Tokenizer
	Gazetteer *tokenize.Gazetteer
	Backend   *tokenize.Local
	Extractor *extract.Grobid
	Registry  *annotate.Registry
}

// Load reads the word lists and builds every component.
func (l *Loader) Load() (*Components, error) {
	cfg := l.Config
	if cfg == nil {
		cfg = Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	comp := &Components{}

	stopwords := append([]string(nil), cfg.Tokenizer.Stopwords...)
	if cfg.Tokenizer.Stoplist != "" {
		stoplist, err := LoadStoplist(cfg.Tokenizer.Stoplist)
		if err != nil {
			return nil, fmt.Errorf("load stoplist: %w", err)
		}
		stopwords = append(stopwords, stoplist.Terms...)
	}
	comp.Tokenizer = tokenize.NewTokenizer(stopwords)

	if cfg.Tokenizer.Gazetteer != "" {
		gaz, err := tokenize.LoadGazetteer(cfg.Tokenizer.Gazetteer, comp.Tokenizer)
		if err != nil {
			return nil, fmt.Errorf("load gazetteer: %w", err)
		}
		comp.Gazetteer = gaz
	} else {
		comp.Gazetteer = tokenize.NewGazetteer(nil, comp.Tokenizer)
	}
	comp.Backend = tokenize.NewLocal(comp.Tokenizer, comp.Gazetteer, tokenize.Features{
		Tag:    cfg.Tokenizer.Tag,
		Parse:  cfg.Tokenizer.Parse,
		Entity: cfg.Tokenizer.Entity,
	})

	comp.Extractor = extract.NewGrobid(extract.GrobidOptions{
		BaseURL:     cfg.Extractor.GrobidURL,
		Timeout:     cfg.Extractor.Timeout,
		Concurrency: cfg.Extractor.Concurrency,
		Logger:      l.Logger,
	})

	comp.Registry = annotate.NewRegistry()
	for _, name := range cfg.Pipeline {
		a, err := cfg.annotator(name)
		if err != nil {
			return nil, err
		}
		if err := comp.Registry.Register(name, a); err != nil {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
	}
	return comp, nil
}

// annotator prefers a configured bot over a built-in of the same name.
func (c *Config) annotator(name string) (annotate.Annotator, error) {
	if bot, ok := c.Bots[name]; ok {
		client := &robotclient.Client{BaseURL: bot.URL, Token: bot.Token}
		if bot.Timeout > 0 {
			client.HTTPClient = &http.Client{Timeout: bot.Timeout}
		}
		return &robots.Remote{Client: client, Needs: bot.Needs, SendTokens: bot.SendTokens}, nil
	}
	if a, ok := robots.Builtin(name); ok {
		return a, nil
	}
	return nil, fmt.Errorf("config: no annotator for %s", name)
}
