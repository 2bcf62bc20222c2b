package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cognicore/reviewbot/pkg/reviewbot/annotate"
	"github.com/cognicore/reviewbot/pkg/reviewbot/document"
	"github.com/cognicore/reviewbot/pkg/reviewbot/internalerr"
	"github.com/cognicore/reviewbot/pkg/reviewbot/merge"
)

// ContentOptions configures a ContentStore.
type ContentOptions struct {
	// RetainByDefault is the retain flag of every article written.
	RetainByDefault bool
	// MaxAge bounds how old an article may be to serve a cache lookup.
	// Zero means articles never go stale.
	MaxAge time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// ContentStore writes merge records keyed by content hash and finds
// earlier records for the same content.
type ContentStore struct {
	store Store
	opts  ContentOptions
}

// NewContentStore wraps s.
func NewContentStore(s Store, opts ContentOptions) *ContentStore {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ContentStore{store: s, opts: opts}
}

// Persist serializes rec and writes a new article for doc. Writing the same
// document twice yields two articles sharing one content hash.
func (c *ContentStore) Persist(ctx context.Context, doc *document.Document, rec *merge.Record) (Article, error) {
	a, err := c.article(doc, rec)
	if err != nil {
		return Article{}, err
	}
	return c.store.InsertArticle(ctx, a)
}

// Commit is Persist plus consuming the claimed queue entry, in one transaction.
func (c *ContentStore) Commit(ctx context.Context, doc *document.Document, rec *merge.Record, claim Claim) (Article, error) {
	a, err := c.article(doc, rec)
	if err != nil {
		return Article{}, err
	}
	return c.store.CommitArticle(ctx, a, claim)
}

// Lookup returns the newest usable record stored for contentHash. Records
// older than MaxAge are not usable, nor are records carrying a failure:
// a failed extraction or any annotator error marker.
func (c *ContentStore) Lookup(ctx context.Context, contentHash string) (*merge.Record, bool, error) {
	a, ok, err := c.store.LatestByHash(ctx, contentHash)
	if err != nil || !ok {
		return nil, false, err
	}
	if c.opts.MaxAge > 0 && c.opts.Now().Sub(a.StoredAt) > c.opts.MaxAge {
		return nil, false, nil
	}
	rec, err := merge.Deserialize(a.Annotations)
	if err != nil {
		return nil, false, fmt.Errorf("store: lookup %s: %w: %w", contentHash, internalerr.ErrStorage, err)
	}
	var msg string
	if failed, _ := rec.Get(merge.Gold, annotate.GoldExtractionError, &msg); failed {
		return nil, false, nil
	}
	if len(rec.Failed()) > 0 {
		return nil, false, nil
	}
	return rec, true, nil
}

func (c *ContentStore) article(doc *document.Document, rec *merge.Record) (Article, error) {
	if !rec.Has(merge.Gold) {
		return Article{}, fmt.Errorf("store: document %s: record has no gold namespace: %w", doc.DocumentID, internalerr.ErrInvalidInput)
	}
	data, err := rec.Serialize()
	if err != nil {
		return Article{}, fmt.Errorf("store: %w: %w", internalerr.ErrStorage, err)
	}
	doc.ContentHash = ContentHash(doc.RawBytes)
	return Article{
		CorrelationID: doc.CorrelationID,
		DocumentID:    doc.DocumentID,
		Filename:      doc.Filename,
		ContentHash:   doc.ContentHash,
		RawBytes:      doc.RawBytes,
		Annotations:   data,
		StoredAt:      c.opts.Now().UTC(),
		Retain:        c.opts.RetainByDefault,
	}, nil
}
