package internalerr

import "errors"

// Sentinel errors shared by the pipeline stages. Callers classify with errors.Is.
var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrInvalidConfig = errors.New("invalid configuration")

	// Batch-level infrastructure failures. Queue entries stay unconsumed.
	ErrExtraction   = errors.New("extraction failed")
	ErrTokenization = errors.New("tokenization failed")
	ErrStorage      = errors.New("storage failure")

	// ErrClaimLost means another worker took over a queue entry claim.
	ErrClaimLost = errors.New("queue claim lost")

	// ErrAnnotator is recorded inline in the merge record, never propagated.
	ErrAnnotator = errors.New("annotator failed")

	// ErrNamespaceViolation is a programming defect and is never retried.
	ErrNamespaceViolation = errors.New("namespace violation")
)

// Fatal reports whether err must abort the current invocation without retry.
func Fatal(err error) bool {
	return errors.Is(err, ErrNamespaceViolation)
}
