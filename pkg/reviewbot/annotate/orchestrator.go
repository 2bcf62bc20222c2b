package annotate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cognicore/reviewbot/pkg/reviewbot/document"
	"github.com/cognicore/reviewbot/pkg/reviewbot/internalerr"
	"github.com/cognicore/reviewbot/pkg/reviewbot/merge"
)

// Gold fields written after the annotators ran.
const (
	GoldDocumentID      = "documentId"
	GoldFilename        = "filename"
	GoldExtractionError = "extraction_error"
)

// Orchestrator runs annotators over a document in a fixed order.
type Orchestrator struct {
	registry *Registry
	log      *slog.Logger
}

// NewOrchestrator creates an orchestrator over registry. A nil logger means slog.Default().
func NewOrchestrator(registry *Registry, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{registry: registry, log: logger}
}

// Check verifies that names is a runnable pipeline: every name registered, none repeated.
func (o *Orchestrator) Check(names []string) error {
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			return fmt.Errorf("annotate: %s listed twice: %w", name, internalerr.ErrInvalidInput)
		}
		seen[name] = true
		if _, err := o.registry.Get(name); err != nil {
			return fmt.Errorf("annotate: pipeline: %w: %w", internalerr.ErrInvalidInput, err)
		}
	}
	return nil
}

// Run applies the named annotators to doc strictly in order and returns the
// frozen merge record.
//
// A failing annotator leaves an error marker in its namespace and the rest
// still run. A namespace violation aborts the run. Documents whose extraction
// failed skip the annotators and carry the failure in gold.
func (o *Orchestrator) Run(ctx context.Context, doc *document.Document, names []string) (*merge.Record, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	if err := o.Check(names); err != nil {
		return nil, err
	}
	logger := o.log.With("correlationId", doc.CorrelationID, "documentId", doc.DocumentID)

	rec := merge.New()
	if doc.ExtractErr == nil {
		for _, name := range names {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := o.apply(ctx, logger, doc, rec, name); err != nil {
				return nil, err
			}
		}
	}
	if err := StampGold(rec, doc); err != nil {
		return nil, err
	}
	rec.Freeze()
	return rec, nil
}

func (o *Orchestrator) apply(ctx context.Context, logger *slog.Logger, doc *document.Document, rec *merge.Record, name string) error {
	a, err := o.registry.Get(name)
	if err != nil {
		return err
	}
	scope, err := merge.NewScope(rec, name)
	if err != nil {
		return err
	}
	err = invoke(ctx, a, doc, scope)
	if err == nil {
		rec.Release()
		logger.Debug("Annotator finished.", "annotator", name)
		return nil
	}
	if internalerr.Fatal(err) {
		return fmt.Errorf("annotate: %s: %w", name, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	logger.Error("Annotator failed.", "annotator", name, "error", err)
	return rec.Fail(name, err)
}

func invoke(ctx context.Context, a Annotator, doc *document.Document, scope *merge.Scope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", internalerr.ErrAnnotator, r)
		}
	}()
	return a.Annotate(ctx, doc, scope)
}

// StampGold writes the administrative fields of doc into the gold namespace.
func StampGold(rec *merge.Record, doc *document.Document) error {
	scope, err := merge.NewScope(rec, merge.Gold)
	if err != nil {
		return err
	}
	if err := scope.Set(GoldDocumentID, doc.DocumentID); err != nil {
		return err
	}
	if err := scope.Set(GoldFilename, doc.Filename); err != nil {
		return err
	}
	if doc.ExtractErr != nil {
		if err := scope.Set(GoldExtractionError, doc.ExtractErr.Error()); err != nil {
			return err
		}
	}
	rec.Release()
	return nil
}
