package annotate

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cognicore/reviewbot/pkg/reviewbot/document"
	"github.com/cognicore/reviewbot/pkg/reviewbot/internalerr"
	"github.com/cognicore/reviewbot/pkg/reviewbot/merge"
)

// Annotator analyzes one document and writes its findings through scope.
// Earlier annotators' namespaces are readable through the same scope.
// Returning an error marks the annotator as failed for this document only.
type Annotator interface {
	Annotate(ctx context.Context, doc *document.Document, scope *merge.Scope) error
}

// Func adapts a plain function to Annotator.
type Func func(ctx context.Context, doc *document.Document, scope *merge.Scope) error

// Annotate calls f.
func (f Func) Annotate(ctx context.Context, doc *document.Document, scope *merge.Scope) error {
	return f(ctx, doc, scope)
}

// Registry maps annotator names to implementations. Names double as the
// merge record namespaces the annotators write to.
type Registry struct {
	mu         sync.RWMutex
	annotators map[string]Annotator
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{annotators: map[string]Annotator{}}
}

// Register installs an annotator under name.
func (r *Registry) Register(name string, a Annotator) error {
	if name == "" {
		return fmt.Errorf("annotate: name is required: %w", internalerr.ErrInvalidInput)
	}
	if name == merge.Gold {
		return fmt.Errorf("annotate: %q is reserved: %w", name, internalerr.ErrInvalidInput)
	}
	if a == nil {
		return fmt.Errorf("annotate: annotator is required for %s: %w", name, internalerr.ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.annotators[name]; exists {
		return fmt.Errorf("annotate: %s already registered: %w", name, internalerr.ErrInvalidInput)
	}
	r.annotators[name] = a
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(name string, a Annotator) {
	if err := r.Register(name, a); err != nil {
		panic(err)
	}
}

// Get returns the annotator registered under name.
func (r *Registry) Get(name string) (Annotator, error) {
	r.mu.RLock()
	a, ok := r.annotators[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("annotate: unknown annotator %s: %w", name, internalerr.ErrNotFound)
	}
	return a, nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.annotators))
	for name := range r.annotators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
