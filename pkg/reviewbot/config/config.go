package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/cognicore/reviewbot/pkg/reviewbot/internalerr"
	"github.com/cognicore/reviewbot/pkg/reviewbot/merge"
	"github.com/cognicore/reviewbot/pkg/reviewbot/robots"
)

// EnvPrefix prefixes environment overrides, e.g. REVIEWBOT_DB_PATH or
// REVIEWBOT_EXTRACTOR_GROBID_URL.
const EnvPrefix = "REVIEWBOT"

// Config is the worker configuration.
type Config struct {
	DebugMode            bool          `mapstructure:"debug_mode" yaml:"debug_mode"`
	AbstractWordBudget   int           `mapstructure:"abstract_word_budget" yaml:"abstract_word_budget"`
	TokenizerConcurrency int           `mapstructure:"tokenizer_concurrency" yaml:"tokenizer_concurrency"`
	RetainByDefault      bool          `mapstructure:"retain_by_default" yaml:"retain_by_default"`
	DBPath               string        `mapstructure:"db_path" yaml:"db_path"`
	BatchSize            int           `mapstructure:"batch_size" yaml:"batch_size"`
	ClaimTimeout         time.Duration `mapstructure:"claim_timeout" yaml:"claim_timeout"`
	ReuseAnnotations     bool          `mapstructure:"reuse_annotations" yaml:"reuse_annotations"`
	MaxAnnotationAge     time.Duration `mapstructure:"max_annotation_age" yaml:"max_annotation_age"`
	PollInterval         time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	Pipeline  []string       `mapstructure:"pipeline" yaml:"pipeline"`
	Bots      map[string]Bot `mapstructure:"bots" yaml:"bots,omitempty"`
	Extractor Extractor      `mapstructure:"extractor" yaml:"extractor"`
	Tokenizer Tokenizer      `mapstructure:"tokenizer" yaml:"tokenizer"`
}

// Bot binds an annotator name to a remote model server.
type Bot struct {
	URL        string        `mapstructure:"url" yaml:"url"`
	Token      string        `mapstructure:"token" yaml:"token,omitempty"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
	Needs      []string      `mapstructure:"needs" yaml:"needs,omitempty"`
	SendTokens bool          `mapstructure:"send_tokens" yaml:"send_tokens,omitempty"`
}

// Extractor configures the GROBID client.
type Extractor struct {
	GrobidURL   string        `mapstructure:"grobid_url" yaml:"grobid_url"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
}

// Tokenizer selects the tokenizer features and word lists.
type Tokenizer struct {
	Tag       bool     `mapstructure:"tag" yaml:"tag"`
	Parse     bool     `mapstructure:"parse" yaml:"parse"`
	Entity    bool     `mapstructure:"entity" yaml:"entity"`
	Stopwords []string `mapstructure:"stopwords" yaml:"stopwords,omitempty"`
	Stoplist  string   `mapstructure:"stoplist" yaml:"stoplist,omitempty"`
	Gazetteer string   `mapstructure:"gazetteer" yaml:"gazetteer,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		AbstractWordBudget:   450,
		TokenizerConcurrency: 4,
		DBPath:               "reviewbot.db",
		BatchSize:            8,
		ClaimTimeout:         10 * time.Minute,
		ReuseAnnotations:     true,
		PollInterval:         5 * time.Second,
		Pipeline:             append([]string(nil), robots.DefaultPipeline...),
		Extractor: Extractor{
			GrobidURL:   "http://localhost:8070",
			Timeout:     2 * time.Minute,
			Concurrency: 4,
		},
		Tokenizer: Tokenizer{Tag: true, Parse: true, Entity: true},
	}
}

// Load reads path (optional) over the defaults and applies REVIEWBOT_*
// environment overrides.
func Load(path string) (*Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load using v, so callers can bind command-line flags first.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w: %w", path, internalerr.ErrInvalidConfig, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w: %w", internalerr.ErrInvalidConfig, err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("debug_mode", d.DebugMode)
	v.SetDefault("abstract_word_budget", d.AbstractWordBudget)
	v.SetDefault("tokenizer_concurrency", d.TokenizerConcurrency)
	v.SetDefault("retain_by_default", d.RetainByDefault)
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("batch_size", d.BatchSize)
	v.SetDefault("claim_timeout", d.ClaimTimeout)
	v.SetDefault("reuse_annotations", d.ReuseAnnotations)
	v.SetDefault("max_annotation_age", d.MaxAnnotationAge)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("pipeline", d.Pipeline)
	v.SetDefault("extractor.grobid_url", d.Extractor.GrobidURL)
	v.SetDefault("extractor.timeout", d.Extractor.Timeout)
	v.SetDefault("extractor.concurrency", d.Extractor.Concurrency)
	v.SetDefault("tokenizer.tag", d.Tokenizer.Tag)
	v.SetDefault("tokenizer.parse", d.Tokenizer.Parse)
	v.SetDefault("tokenizer.entity", d.Tokenizer.Entity)
	v.SetDefault("tokenizer.stopwords", d.Tokenizer.Stopwords)
	v.SetDefault("tokenizer.stoplist", d.Tokenizer.Stoplist)
	v.SetDefault("tokenizer.gazetteer", d.Tokenizer.Gazetteer)
}

// Validate checks the configuration for values the worker cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.AbstractWordBudget < 0 {
		problems = append(problems, "abstract_word_budget must not be negative")
	}
	if c.TokenizerConcurrency < 1 {
		problems = append(problems, "tokenizer_concurrency must be at least 1")
	}
	if c.BatchSize < 1 {
		problems = append(problems, "batch_size must be at least 1")
	}
	if c.ClaimTimeout < 0 || c.MaxAnnotationAge < 0 {
		problems = append(problems, "durations must not be negative")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		problems = append(problems, "db_path is required")
	}
	if strings.TrimSpace(c.Extractor.GrobidURL) == "" {
		problems = append(problems, "extractor.grobid_url is required")
	}
	if len(c.Pipeline) == 0 {
		problems = append(problems, "pipeline is empty")
	}
	seen := make(map[string]bool)
	for _, name := range c.Pipeline {
		switch {
		case name == merge.Gold:
			problems = append(problems, fmt.Sprintf("pipeline: %q is reserved", name))
		case seen[name]:
			problems = append(problems, fmt.Sprintf("pipeline: %s listed twice", name))
		case !c.bound(name):
			problems = append(problems, fmt.Sprintf("pipeline: %s has no bots entry and is not built in", name))
		}
		seen[name] = true
	}
	for name, bot := range c.Bots {
		if strings.TrimSpace(bot.URL) == "" {
			problems = append(problems, fmt.Sprintf("bots.%s: url is required", name))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: %s: %w", strings.Join(problems, "; "), internalerr.ErrInvalidConfig)
	}
	return nil
}

func (c *Config) bound(name string) bool {
	if _, ok := c.Bots[name]; ok {
		return true
	}
	_, ok := robots.Builtin(name)
	return ok
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Stoplist represents the stopword list configuration
type Stoplist struct {
	Terms []string `yaml:"terms"`
}

// LoadStoplist loads stopwords from a YAML file
func LoadStoplist(path string) (*Stoplist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var sl Stoplist
	if err := yaml.Unmarshal(data, &sl); err != nil {
		return nil, err
	}

	return &sl, nil
}
