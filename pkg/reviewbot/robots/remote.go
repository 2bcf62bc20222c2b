package robots

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cognicore/reviewbot/internal/robotclient"
	"github.com/cognicore/reviewbot/pkg/reviewbot/document"
	"github.com/cognicore/reviewbot/pkg/reviewbot/internalerr"
	"github.com/cognicore/reviewbot/pkg/reviewbot/merge"
)

// Remote forwards a document to a model server and stores what it returns.
type Remote struct {
	Client *robotclient.Client
	// Needs lists earlier namespaces forwarded to the server.
	Needs []string
	// SendTokens includes the token structure in the request.
	SendTokens bool
}

// Annotate implements annotate.Annotator.
func (r *Remote) Annotate(ctx context.Context, doc *document.Document, scope *merge.Scope) error {
	req := robotclient.Request{
		DocumentID: doc.DocumentID,
		Filename:   doc.Filename,
		Text:       doc.Text,
		Meta:       doc.Meta,
	}
	if r.SendTokens && doc.Tokens != nil {
		req.Tokens = doc.Tokens
	}
	for _, ns := range r.Needs {
		if !scope.Has(ns) {
			continue
		}
		if req.Prior == nil {
			req.Prior = make(map[string]map[string]json.RawMessage)
		}
		req.Prior[ns] = scope.Namespace(ns)
	}

	out, err := r.Client.Annotate(ctx, req)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", scope.Name(), internalerr.ErrAnnotator, err)
	}
	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := scope.Set(k, out[k]); err != nil {
			return err
		}
	}
	return nil
}
