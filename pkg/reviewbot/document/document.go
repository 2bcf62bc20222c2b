package document

import (
	"fmt"
	"strings"
	"time"

	"github.com/cognicore/reviewbot/pkg/reviewbot/extract"
	"github.com/cognicore/reviewbot/pkg/reviewbot/internalerr"
	"github.com/cognicore/reviewbot/pkg/reviewbot/tokenize"
)

// Document is one uploaded PDF as it moves through a batch. RawBytes and the
// identifiers are set when the queue entry is claimed; Text, Meta and Tokens
// are filled by extraction and tokenization.
type Document struct {
	CorrelationID string
	DocumentID    string
	Filename      string
	ContentHash   string
	RawBytes      []byte
	EnqueuedAt    time.Time

	Text   string
	Meta   extract.Metadata
	Tokens *tokenize.Parsed

	// ExtractErr is set when extraction failed for this document alone.
	ExtractErr error
}

// Validate checks the fields every stage relies on.
func (d *Document) Validate() error {
	if strings.TrimSpace(d.CorrelationID) == "" {
		return fmt.Errorf("document correlation id is required: %w", internalerr.ErrInvalidInput)
	}
	if strings.TrimSpace(d.DocumentID) == "" {
		return fmt.Errorf("document id is required: %w", internalerr.ErrInvalidInput)
	}
	if len(d.RawBytes) == 0 {
		return fmt.Errorf("document %s has no content: %w", d.DocumentID, internalerr.ErrInvalidInput)
	}
	return nil
}

// Extracted reports whether text is available for annotation.
func (d *Document) Extracted() bool {
	return d.ExtractErr == nil && strings.TrimSpace(d.Text) != ""
}
