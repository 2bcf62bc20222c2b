package reviewbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cognicore/reviewbot/pkg/reviewbot/annotate"
	"github.com/cognicore/reviewbot/pkg/reviewbot/config"
	"github.com/cognicore/reviewbot/pkg/reviewbot/document"
	"github.com/cognicore/reviewbot/pkg/reviewbot/extract"
	"github.com/cognicore/reviewbot/pkg/reviewbot/internalerr"
	"github.com/cognicore/reviewbot/pkg/reviewbot/merge"
	"github.com/cognicore/reviewbot/pkg/reviewbot/store"
	"github.com/cognicore/reviewbot/pkg/reviewbot/tokenize"
)

// Worker drains the document queue: it extracts, tokenizes and annotates
// queued uploads and stores the merged annotations.
type Worker struct {
	store     store.Store
	content   *store.ContentStore
	extractor extract.Extractor
	tokenizer tokenize.BatchTokenizer
	orch      *annotate.Orchestrator
	cfg       *config.Config
	log       *slog.Logger
	now       func() time.Time
}

// Options configures a Worker
type Options struct {
	Store     store.Store
	Extractor extract.Extractor
	Tokenizer tokenize.BatchTokenizer
	Registry  *annotate.Registry
	// Config defaults to config.Default(). Its pipeline must be registered.
	Config *config.Config
	Logger *slog.Logger
	Now    func() time.Time
}

// New creates a Worker with the given dependencies.
func New(opts Options) (*Worker, error) {
	if opts.Store == nil || opts.Extractor == nil || opts.Tokenizer == nil || opts.Registry == nil {
		return nil, fmt.Errorf("reviewbot: store, extractor, tokenizer and registry are required: %w", internalerr.ErrInvalidConfig)
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	orch := annotate.NewOrchestrator(opts.Registry, logger)
	if err := orch.Check(cfg.Pipeline); err != nil {
		return nil, fmt.Errorf("reviewbot: %w: %w", internalerr.ErrInvalidConfig, err)
	}
	return &Worker{
		store: opts.Store,
		content: store.NewContentStore(opts.Store, store.ContentOptions{
			RetainByDefault: cfg.RetainByDefault,
			MaxAge:          cfg.MaxAnnotationAge,
			Now:             now,
		}),
		extractor: opts.Extractor,
		tokenizer: opts.Tokenizer,
		orch:      orch,
		cfg:       cfg,
		log:       logger,
		now:       now,
	}, nil
}

// Close cleanly shuts down the worker's store.
func (w *Worker) Close() error {
	return w.store.Close()
}

// Upload is one file submitted for annotation.
type Upload struct {
	Filename string
	Data     []byte
}

// Enqueue adds uploads to the queue under correlationID, each with a fresh
// document id.
func (w *Worker) Enqueue(ctx context.Context, correlationID string, uploads []Upload) ([]store.QueueEntry, error) {
	if strings.TrimSpace(correlationID) == "" {
		return nil, fmt.Errorf("reviewbot: enqueue: correlation id is required: %w", internalerr.ErrInvalidInput)
	}
	now := w.now().UTC()
	entries := make([]store.QueueEntry, 0, len(uploads))
	for _, u := range uploads {
		if len(u.Data) == 0 {
			return nil, fmt.Errorf("reviewbot: enqueue %q: empty upload: %w", u.Filename, internalerr.ErrInvalidInput)
		}
		entries = append(entries, store.QueueEntry{
			CorrelationID: correlationID,
			DocumentID:    store.NewDocumentID(),
			Filename:      u.Filename,
			RawBytes:      u.Data,
			EnqueuedAt:    now,
		})
	}
	out, err := w.store.Enqueue(ctx, entries)
	if err != nil {
		return nil, err
	}
	w.log.Info("Documents queued.", "correlationId", correlationID, "count", len(out))
	return out, nil
}

// Annotate processes every queued document of correlationID and returns how
// many were stored. No queued documents is not an error.
//
// Entries are claimed first so concurrent workers never process the same
// entry. Each entry is consumed in the same transaction that stores its
// article. When a batch fails on extraction, tokenization or storage, the
// entries not yet stored are released untouched and the error is returned.
func (w *Worker) Annotate(ctx context.Context, correlationID string) (int, error) {
	if strings.TrimSpace(correlationID) == "" {
		return 0, fmt.Errorf("reviewbot: annotate: correlation id is required: %w", internalerr.ErrInvalidInput)
	}
	logger := w.log.With("correlationId", correlationID)

	token := store.NewClaimToken()
	now := w.now()
	entries, err := w.store.ClaimEntries(ctx, correlationID, store.ClaimRequest{
		Token:       token,
		Now:         now,
		StaleBefore: w.staleBefore(now),
	})
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		logger.Info("No queued documents.")
		return 0, nil
	}
	logger.Info("Claimed queued documents.", "count", len(entries))

	processed := 0
	size := w.cfg.BatchSize
	if size < 1 {
		size = len(entries)
	}
	for start := 0; start < len(entries); start += size {
		end := min(start+size, len(entries))
		batch := entries[start:end]
		if start > 0 {
			var err error
			if batch, err = w.renew(ctx, logger, entries[start:], batch, token); err != nil {
				w.release(ctx, logger, entries[start:], token)
				logger.Error("Annotation run failed.", "processed", processed, "error", err)
				return processed, err
			}
		}
		n, err := w.processBatch(ctx, logger, batch, token)
		processed += n
		if err != nil {
			w.release(ctx, logger, entries[start:], token)
			logger.Error("Annotation run failed.", "processed", processed, "error", err)
			return processed, err
		}
	}
	logger.Info("Annotation run finished.", "processed", processed)
	return processed, nil
}

// renew refreshes the claims on every entry not yet processed, so a long
// run is not mistaken for a crashed one, and returns the part of batch still
// held. Entries taken over in the meantime are dropped.
func (w *Worker) renew(ctx context.Context, logger *slog.Logger, rest, batch []store.QueueEntry, token string) ([]store.QueueEntry, error) {
	claims := make([]store.Claim, len(rest))
	for i, e := range rest {
		claims[i] = store.Claim{EntryID: e.ID, Token: token}
	}
	held, err := w.store.RenewClaims(ctx, claims, w.now())
	if err != nil {
		return nil, err
	}
	keep := make(map[int64]bool, len(held))
	for _, c := range held {
		keep[c.EntryID] = true
	}
	out := make([]store.QueueEntry, 0, len(batch))
	for _, e := range batch {
		if keep[e.ID] {
			out = append(out, e)
			continue
		}
		logger.Warn("Queue claim taken over by another worker, skipping.", "documentId", e.DocumentID)
	}
	return out, nil
}

// release returns claims even when ctx is already cancelled.
func (w *Worker) release(ctx context.Context, logger *slog.Logger, entries []store.QueueEntry, token string) {
	claims := make([]store.Claim, len(entries))
	for i, e := range entries {
		claims[i] = store.Claim{EntryID: e.ID, Token: token}
	}
	if err := w.store.ReleaseClaims(context.WithoutCancel(ctx), claims); err != nil {
		logger.Warn("Could not release queue claims.", "error", err)
	}
}

func (w *Worker) staleBefore(now time.Time) time.Time {
	if w.cfg.ClaimTimeout <= 0 {
		return time.Time{}
	}
	return now.Add(-w.cfg.ClaimTimeout)
}

// processBatch runs one batch through the pipeline in queue order and
// returns how many documents were stored.
func (w *Worker) processBatch(ctx context.Context, logger *slog.Logger, entries []store.QueueEntry, token string) (int, error) {
	docs := make([]*document.Document, len(entries))
	for i, e := range entries {
		docs[i] = &document.Document{
			CorrelationID: e.CorrelationID,
			DocumentID:    e.DocumentID,
			Filename:      e.Filename,
			ContentHash:   store.ContentHash(e.RawBytes),
			RawBytes:      e.RawBytes,
			EnqueuedAt:    e.EnqueuedAt,
		}
	}

	// cached[i] holds an earlier record for the same content; source[i]
	// points at an earlier document of this batch with the same content.
	cached := make([]*merge.Record, len(docs))
	source := make([]int, len(docs))
	var work []int
	firstByHash := make(map[string]int)
	for i, doc := range docs {
		source[i] = -1
		if w.cfg.ReuseAnnotations {
			rec, ok, err := w.content.Lookup(ctx, doc.ContentHash)
			if err != nil {
				return 0, err
			}
			if ok {
				cached[i] = rec
				continue
			}
			if j, dup := firstByHash[doc.ContentHash]; dup {
				source[i] = j
				continue
			}
			firstByHash[doc.ContentHash] = i
		}
		work = append(work, i)
	}

	if err := w.extract(ctx, docs, work); err != nil {
		return 0, err
	}
	if err := w.tokenize(ctx, docs, work); err != nil {
		return 0, err
	}

	fresh := make([]*merge.Record, len(docs))
	stored := 0
	for i, doc := range docs {
		entry := entries[i]
		docLog := logger.With("documentId", doc.DocumentID, "filename", doc.Filename)

		var rec *merge.Record
		var err error
		switch {
		case cached[i] != nil:
			rec, err = reuse(cached[i], doc)
			docLog.Info("Duplicate content detected, reusing stored annotations.", "contentHash", doc.ContentHash)
		case source[i] >= 0 && reusable(docs[source[i]], fresh[source[i]]):
			rec, err = reuse(fresh[source[i]], doc)
			docLog.Info("Duplicate content in batch, reusing annotations.", "contentHash", doc.ContentHash)
		default:
			if source[i] >= 0 {
				// same bytes, so the source's extraction and tokens apply
				src := docs[source[i]]
				doc.Text, doc.Meta, doc.Tokens, doc.ExtractErr = src.Text, src.Meta, src.Tokens, src.ExtractErr
			}
			rec, err = w.orch.Run(ctx, doc, w.cfg.Pipeline)
		}
		if err != nil {
			return stored, err
		}
		fresh[i] = rec

		if _, err := w.content.Commit(ctx, doc, rec, store.Claim{EntryID: entry.ID, Token: token}); err != nil {
			if errors.Is(err, internalerr.ErrClaimLost) {
				docLog.Warn("Queue claim taken over by another worker, skipping.")
				continue
			}
			return stored, err
		}
		stored++
		docLog.Debug("Article stored.", "namespaces", rec.Namespaces())
	}
	return stored, nil
}

// reusable reports whether an in-batch duplicate may copy rec. Records with
// annotator error markers are rerun so a transient failure is not copied.
func reusable(src *document.Document, rec *merge.Record) bool {
	return src.ExtractErr == nil && rec != nil && len(rec.Failed()) == 0
}

// reuse copies the annotator namespaces of prior and stamps doc's gold fields.
func reuse(prior *merge.Record, doc *document.Document) (*merge.Record, error) {
	rec := prior.Derive()
	if err := annotate.StampGold(rec, doc); err != nil {
		return nil, err
	}
	rec.Freeze()
	return rec, nil
}

// extract fills text and metadata for docs[idx]. A content failure is kept
// on the document; any other failure fails the batch.
func (w *Worker) extract(ctx context.Context, docs []*document.Document, idx []int) error {
	if len(idx) == 0 {
		return nil
	}
	blobs := make([][]byte, len(idx))
	for k, i := range idx {
		blobs[k] = docs[i].RawBytes
	}
	results, err := w.extractor.ExtractBatch(ctx, blobs)
	if err != nil {
		if errors.Is(err, internalerr.ErrExtraction) {
			return err
		}
		return fmt.Errorf("reviewbot: %w: %w", internalerr.ErrExtraction, err)
	}
	if len(results) != len(idx) {
		return fmt.Errorf("reviewbot: extractor returned %d results for %d documents: %w", len(results), len(idx), internalerr.ErrExtraction)
	}
	for k, i := range idx {
		if results[k].Err != nil {
			docs[i].ExtractErr = results[k].Err
			continue
		}
		docs[i].Text = results[k].Article.Text
		docs[i].Meta = results[k].Article.Meta
	}
	return nil
}

// tokenize truncates each extracted text to the word budget and tokenizes
// the batch.
func (w *Worker) tokenize(ctx context.Context, docs []*document.Document, idx []int) error {
	var targets []int
	var texts []string
	for _, i := range idx {
		if docs[i].ExtractErr != nil {
			continue
		}
		targets = append(targets, i)
		texts = append(texts, tokenize.TruncateWords(docs[i].Text, w.cfg.AbstractWordBudget))
	}
	if len(texts) == 0 {
		return nil
	}
	parsed, err := w.tokenizer.TokenizeBatch(ctx, texts, w.cfg.TokenizerConcurrency)
	if err != nil {
		if errors.Is(err, internalerr.ErrTokenization) {
			return err
		}
		return fmt.Errorf("reviewbot: %w: %w", internalerr.ErrTokenization, err)
	}
	if len(parsed) != len(texts) {
		return fmt.Errorf("reviewbot: tokenizer returned %d results for %d texts: %w", len(parsed), len(texts), internalerr.ErrTokenization)
	}
	for k, i := range targets {
		p := parsed[k]
		docs[i].Tokens = &p
	}
	return nil
}

// ArticleReport is a stored article with its decoded annotations.
type ArticleReport struct {
	DocumentID  string          `json:"documentId"`
	Filename    string          `json:"filename"`
	ContentHash string          `json:"contentHash"`
	StoredAt    time.Time       `json:"storedAt"`
	Retain      bool            `json:"retain"`
	Annotations json.RawMessage `json:"annotations"`

	Record *merge.Record `json:"-"`
}

// Report returns the stored articles of correlationID in storage order.
func (w *Worker) Report(ctx context.Context, correlationID string) ([]ArticleReport, error) {
	articles, err := w.store.ArticlesByCorrelation(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	out := make([]ArticleReport, 0, len(articles))
	for _, a := range articles {
		rec, err := merge.Deserialize(a.Annotations)
		if err != nil {
			return nil, fmt.Errorf("reviewbot: report %s: %w", a.DocumentID, err)
		}
		out = append(out, ArticleReport{
			DocumentID:  a.DocumentID,
			Filename:    a.Filename,
			ContentHash: a.ContentHash,
			StoredAt:    a.StoredAt,
			Retain:      a.Retain,
			Annotations: json.RawMessage(a.Annotations),
			Record:      rec,
		})
	}
	return out, nil
}

// Retain flips the retain flag of a stored article.
func (w *Worker) Retain(ctx context.Context, documentID string, retain bool) error {
	return w.store.SetRetain(ctx, documentID, retain)
}

// Pending lists reports that have claimable queue entries.
func (w *Worker) Pending(ctx context.Context, limit int) ([]string, error) {
	return w.store.PendingCorrelations(ctx, w.staleBefore(w.now()), limit)
}

// Serve polls the queue and annotates pending reports until ctx is done.
// Failed runs are logged and retried on a later poll.
func (w *Worker) Serve(ctx context.Context) error {
	interval := w.cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.log.Info("Worker started.", "pollInterval", interval, "pipeline", w.cfg.Pipeline)
	for {
		if err := w.drain(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			w.log.Info("Worker stopped.")
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Worker) drain(ctx context.Context) error {
	pending, err := w.Pending(ctx, 0)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		w.log.Error("Could not list pending reports.", "error", err)
		return nil
	}
	for _, id := range pending {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := w.Annotate(ctx, id); err != nil && internalerr.Fatal(err) {
			return err
		}
	}
	return nil
}
