package robots

import "github.com/cognicore/reviewbot/pkg/reviewbot/annotate"

// DefaultPipeline is the standard annotator order. pubmed_bot runs first so
// later robots can use its bibliographic matches.
var DefaultPipeline = []string{"pubmed_bot", "bias_bot", "pico_bot", "rct_bot", "pico_viz_bot", "sample_size_bot"}

// Builtin returns the in-process annotator registered under name, if any.
func Builtin(name string) (annotate.Annotator, bool) {
	switch name {
	case "sample_size_bot":
		return SampleSize{}, true
	}
	return nil, false
}
