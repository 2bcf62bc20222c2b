package extract

import "context"

// Extractor converts raw PDF bytes into text plus structural metadata.
//
// ExtractBatch returns one Result per input, in input order. A non-nil error
// means the service itself failed and no result may be applied. Content
// problems with a single document are reported in that document's Result.Err.
type Extractor interface {
	ExtractBatch(ctx context.Context, blobs [][]byte) ([]Result, error)
}

// Result is the outcome for one document of a batch.
type Result struct {
	Article Article
	Err     error
}

// Article is the extracted content of one document.
type Article struct {
	Text string   `json:"text"`
	Meta Metadata `json:"meta"`
}

// Metadata describes the structure recovered from a document.
type Metadata struct {
	PageCount int       `json:"page_count"`
	Title     string    `json:"title,omitempty"`
	Abstract  string    `json:"abstract,omitempty"`
	Sections  []Section `json:"sections,omitempty"`
}

// Section is one headed block of body text.
type Section struct {
	Heading string `json:"heading,omitempty"`
	Text    string `json:"text"`
}
