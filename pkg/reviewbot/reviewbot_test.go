package reviewbot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cognicore/reviewbot/pkg/reviewbot/annotate"
	"github.com/cognicore/reviewbot/pkg/reviewbot/config"
	"github.com/cognicore/reviewbot/pkg/reviewbot/document"
	"github.com/cognicore/reviewbot/pkg/reviewbot/extract"
	"github.com/cognicore/reviewbot/pkg/reviewbot/internalerr"
	"github.com/cognicore/reviewbot/pkg/reviewbot/merge"
	"github.com/cognicore/reviewbot/pkg/reviewbot/store"
	"github.com/cognicore/reviewbot/pkg/reviewbot/store/memstore"
	"github.com/cognicore/reviewbot/pkg/reviewbot/tokenize"
)

// fakeExtractor treats blob contents as the article text. Blobs starting
// with "corrupt" fail individually; Down fails every batch.
type fakeExtractor struct {
	mu      sync.Mutex
	batches [][]string
	Down    bool
}

func (f *fakeExtractor) ExtractBatch(ctx context.Context, blobs [][]byte) ([]extract.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Down {
		return nil, fmt.Errorf("extract: %w: connection refused", internalerr.ErrExtraction)
	}
	var seen []string
	out := make([]extract.Result, len(blobs))
	for i, b := range blobs {
		text := string(b)
		seen = append(seen, text)
		if strings.HasPrefix(text, "corrupt") {
			out[i].Err = errors.New("pdf: malformed xref table")
			continue
		}
		out[i].Article = extract.Article{Text: text, Meta: extract.Metadata{PageCount: 1}}
	}
	f.batches = append(f.batches, seen)
	return out, nil
}

func (f *fakeExtractor) documents() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

type failingTokenizer struct{}

func (failingTokenizer) TokenizeBatch(ctx context.Context, texts []string, concurrency int) ([]tokenize.Parsed, error) {
	return nil, errors.New("tokenizer process exited")
}

type counter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *counter) inc(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[name]++
}

func (c *counter) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

type harness struct {
	store     *memstore.Store
	extractor *fakeExtractor
	calls     *counter
	worker    *Worker
}

func newHarness(t *testing.T, mutate func(*config.Config, *Options)) *harness {
	t.Helper()
	h := &harness{store: memstore.New(), extractor: &fakeExtractor{}, calls: &counter{}}

	reg := annotate.NewRegistry()
	reg.MustRegister("words_bot", annotate.Func(func(ctx context.Context, doc *document.Document, scope *merge.Scope) error {
		h.calls.inc("words_bot")
		return scope.Set("words", doc.Tokens.Words())
	}))
	reg.MustRegister("flaky_bot", annotate.Func(func(ctx context.Context, doc *document.Document, scope *merge.Scope) error {
		h.calls.inc("flaky_bot")
		if strings.Contains(doc.Text, "flaky") {
			return errors.New("model timeout")
		}
		return scope.Set("ok", true)
	}))
	reg.MustRegister("tail_bot", annotate.Func(func(ctx context.Context, doc *document.Document, scope *merge.Scope) error {
		h.calls.inc("tail_bot")
		return scope.Set("pages", doc.Meta.PageCount)
	}))

	cfg := config.Default()
	cfg.Pipeline = []string{"words_bot", "flaky_bot", "tail_bot"}
	cfg.BatchSize = 2
	opts := Options{
		Store:     h.store,
		Extractor: h.extractor,
		Tokenizer: tokenize.NewLocal(nil, nil, tokenize.Features{Tag: true, Parse: true}),
		Registry:  reg,
		Config:    cfg,
	}
	if mutate != nil {
		mutate(cfg, &opts)
	}
	w, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.worker = w
	return h
}

func (h *harness) enqueue(t *testing.T, correlationID string, texts ...string) []store.QueueEntry {
	t.Helper()
	var uploads []Upload
	for i, text := range texts {
		uploads = append(uploads, Upload{Filename: fmt.Sprintf("upload-%d.pdf", i), Data: []byte(text)})
	}
	entries, err := h.worker.Enqueue(context.Background(), correlationID, uploads)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return entries
}

func TestAnnotateEmptyBatch(t *testing.T) {
	h := newHarness(t, nil)
	n, err := h.worker.Annotate(context.Background(), "no-such-id")
	if err != nil || n != 0 {
		t.Fatalf("Annotate(no-such-id) = %d, %v; want 0, nil", n, err)
	}
	if h.extractor.documents() != 0 {
		t.Error("empty batch must not call the extractor")
	}
}

func TestAnnotateProcessesQueueInOrder(t *testing.T) {
	h := newHarness(t, nil)
	entries := h.enqueue(t, "report-1", "First trial text.", "Second trial text.", "Third trial text.")

	n, err := h.worker.Annotate(context.Background(), "report-1")
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if n != 3 {
		t.Fatalf("processed %d, want 3", n)
	}
	if h.store.QueueLen() != 0 {
		t.Errorf("queue entries should be consumed, %d left", h.store.QueueLen())
	}
	if len(h.extractor.batches) != 2 {
		t.Errorf("batch size 2 should give 2 extraction batches, got %d", len(h.extractor.batches))
	}

	reports, err := h.worker.Report(context.Background(), "report-1")
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if len(reports) != 3 {
		t.Fatalf("expected 3 reports, got %d", len(reports))
	}
	for i, r := range reports {
		if r.DocumentID != entries[i].DocumentID {
			t.Errorf("report %d is %s, want %s", i, r.DocumentID, entries[i].DocumentID)
		}
		var id, filename string
		r.Record.Get(merge.Gold, annotate.GoldDocumentID, &id)
		r.Record.Get(merge.Gold, annotate.GoldFilename, &filename)
		if id != r.DocumentID || filename != fmt.Sprintf("upload-%d.pdf", i) {
			t.Errorf("gold = {%q, %q}", id, filename)
		}
		if r.ContentHash != store.ContentHash([]byte(entries[i].RawBytes)) {
			t.Errorf("content hash mismatch for %s", r.DocumentID)
		}
	}

	again, err := h.worker.Annotate(context.Background(), "report-1")
	if err != nil || again != 0 {
		t.Errorf("re-invocation after success = %d, %v; want 0, nil", again, err)
	}
}

func TestAnnotatePartialAnnotatorFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.enqueue(t, "report-1", "A flaky abstract.")

	if _, err := h.worker.Annotate(context.Background(), "report-1"); err != nil {
		t.Fatalf("annotator failure must not fail the run: %v", err)
	}
	reports, _ := h.worker.Report(context.Background(), "report-1")
	rec := reports[0].Record
	if !rec.Has("words_bot") || !rec.Has("tail_bot") {
		t.Errorf("first and third annotators should have written: %v", rec.Namespaces())
	}
	if msg, failed := rec.Err("flaky_bot"); !failed || msg != "model timeout" {
		t.Errorf("flaky_bot error marker = %q, %v", msg, failed)
	}
}

func TestAnnotateCorruptDocumentKeepsSiblings(t *testing.T) {
	h := newHarness(t, nil)
	h.enqueue(t, "report-1", "Good paper.", "corrupt bytes")

	n, err := h.worker.Annotate(context.Background(), "report-1")
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if n != 2 {
		t.Errorf("both documents should be stored, got %d", n)
	}
	reports, _ := h.worker.Report(context.Background(), "report-1")
	if !reports[0].Record.Has("words_bot") {
		t.Error("healthy sibling should be annotated")
	}
	var msg string
	if ok, _ := reports[1].Record.Get(merge.Gold, annotate.GoldExtractionError, &msg); !ok || msg == "" {
		t.Error("corrupt document should record its extraction error")
	}
	if reports[1].Record.Has("words_bot") {
		t.Error("corrupt document should not be annotated")
	}
}

func TestAnnotateExtractionOutageLeavesQueue(t *testing.T) {
	h := newHarness(t, nil)
	h.enqueue(t, "report-1", "One.", "Two.", "Three.")
	h.extractor.Down = true

	n, err := h.worker.Annotate(context.Background(), "report-1")
	if !errors.Is(err, internalerr.ErrExtraction) {
		t.Fatalf("expected ErrExtraction, got %v", err)
	}
	if n != 0 {
		t.Errorf("nothing should be stored, got %d", n)
	}
	if h.store.QueueLen() != 3 || h.store.Claimed() != 0 {
		t.Errorf("entries must stay queued and unclaimed: queue=%d claimed=%d", h.store.QueueLen(), h.store.Claimed())
	}

	h.extractor.Down = false
	n, err = h.worker.Annotate(context.Background(), "report-1")
	if err != nil || n != 3 {
		t.Errorf("retry should process the same entries: %d, %v", n, err)
	}
}

func TestAnnotateTokenizationFailure(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, opts *Options) {
		opts.Tokenizer = failingTokenizer{}
	})
	h.enqueue(t, "report-1", "Text.")

	if _, err := h.worker.Annotate(context.Background(), "report-1"); !errors.Is(err, internalerr.ErrTokenization) {
		t.Fatalf("expected ErrTokenization, got %v", err)
	}
	if h.store.QueueLen() != 1 || h.store.Claimed() != 0 {
		t.Error("entry must stay queued and unclaimed")
	}
}

func TestAnnotateStorageFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.enqueue(t, "report-1", "Text.")
	h.store.FailWrites = true

	if _, err := h.worker.Annotate(context.Background(), "report-1"); !errors.Is(err, internalerr.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if h.store.QueueLen() != 1 || h.store.Claimed() != 0 {
		t.Error("entry must stay queued and unclaimed")
	}
}

func TestAnnotateTruncatesBeforeTokenizing(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, opts *Options) {
		cfg.AbstractWordBudget = 450
	})
	h.enqueue(t, "report-1", strings.Repeat("word ", 1000))

	if _, err := h.worker.Annotate(context.Background(), "report-1"); err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	reports, _ := h.worker.Report(context.Background(), "report-1")
	var words int
	reports[0].Record.Get("words_bot", "words", &words)
	if words != 450 {
		t.Errorf("token count should follow the truncated text: got %d, want 450", words)
	}
}

func TestAnnotateReusesAnnotationsForDuplicateContent(t *testing.T) {
	h := newHarness(t, nil)
	h.enqueue(t, "report-1", "Same PDF bytes.")
	if _, err := h.worker.Annotate(context.Background(), "report-1"); err != nil {
		t.Fatalf("first Annotate: %v", err)
	}
	h.enqueue(t, "report-2", "Same PDF bytes.")
	if _, err := h.worker.Annotate(context.Background(), "report-2"); err != nil {
		t.Fatalf("second Annotate: %v", err)
	}

	if got := h.calls.get("words_bot"); got != 1 {
		t.Errorf("annotators should run once for repeated content, ran %d times", got)
	}
	if h.extractor.documents() != 1 {
		t.Errorf("repeated content should not be extracted again, extracted %d", h.extractor.documents())
	}

	first, _ := h.worker.Report(context.Background(), "report-1")
	second, _ := h.worker.Report(context.Background(), "report-2")
	if first[0].DocumentID == second[0].DocumentID {
		t.Fatal("each upload keeps its own document id")
	}
	if first[0].ContentHash != second[0].ContentHash {
		t.Error("content hashes should match")
	}
	if !first[0].Record.Derive().Equal(second[0].Record.Derive()) {
		t.Error("annotator namespaces should be identical")
	}
	var id string
	second[0].Record.Get(merge.Gold, annotate.GoldDocumentID, &id)
	if id != second[0].DocumentID {
		t.Errorf("gold should describe the new upload, got %q", id)
	}
}

func TestAnnotateDuplicatesWithinBatch(t *testing.T) {
	h := newHarness(t, nil)
	h.enqueue(t, "report-1", "Twin.", "Twin.")

	n, err := h.worker.Annotate(context.Background(), "report-1")
	if err != nil || n != 2 {
		t.Fatalf("Annotate = %d, %v", n, err)
	}
	if got := h.calls.get("words_bot"); got != 1 {
		t.Errorf("twins should be annotated once, got %d", got)
	}
}

// outageOnce fails its first call, the way a model server answers 503
// while it restarts, and succeeds afterwards.
func outageOnce(calls *counter) annotate.Func {
	return func(ctx context.Context, doc *document.Document, scope *merge.Scope) error {
		calls.inc("bias_bot")
		if calls.get("bias_bot") == 1 {
			return errors.New("model server 503")
		}
		return scope.Set("judgement", "low")
	}
}

func TestAnnotateDoesNotReuseFailedAnnotations(t *testing.T) {
	calls := &counter{}
	reg := annotate.NewRegistry()
	reg.MustRegister("bias_bot", outageOnce(calls))
	h := newHarness(t, func(cfg *config.Config, opts *Options) {
		cfg.Pipeline = []string{"bias_bot"}
		opts.Registry = reg
	})

	h.enqueue(t, "report-1", "Same PDF bytes.")
	if _, err := h.worker.Annotate(context.Background(), "report-1"); err != nil {
		t.Fatalf("first Annotate: %v", err)
	}
	h.enqueue(t, "report-2", "Same PDF bytes.")
	if _, err := h.worker.Annotate(context.Background(), "report-2"); err != nil {
		t.Fatalf("second Annotate: %v", err)
	}

	if got := calls.get("bias_bot"); got != 2 {
		t.Errorf("a failed record must not be reused: bias_bot ran %d times, want 2", got)
	}
	first, _ := h.worker.Report(context.Background(), "report-1")
	second, _ := h.worker.Report(context.Background(), "report-2")
	if _, failed := first[0].Record.Err("bias_bot"); !failed {
		t.Error("first upload should keep its error marker")
	}
	if msg, failed := second[0].Record.Err("bias_bot"); failed {
		t.Errorf("second upload copied the error marker %q", msg)
	}
	var judgement string
	if ok, _ := second[0].Record.Get("bias_bot", "judgement", &judgement); !ok || judgement != "low" {
		t.Errorf("second upload judgement = %q, %v", judgement, ok)
	}
}

func TestAnnotateRerunsFailedTwinWithinBatch(t *testing.T) {
	calls := &counter{}
	reg := annotate.NewRegistry()
	reg.MustRegister("bias_bot", outageOnce(calls))
	h := newHarness(t, func(cfg *config.Config, opts *Options) {
		cfg.Pipeline = []string{"bias_bot"}
		opts.Registry = reg
	})
	h.enqueue(t, "report-1", "Twin.", "Twin.")

	if n, err := h.worker.Annotate(context.Background(), "report-1"); err != nil || n != 2 {
		t.Fatalf("Annotate = %d, %v", n, err)
	}
	if got := calls.get("bias_bot"); got != 2 {
		t.Errorf("the twin of a failed record should be annotated again, bias_bot ran %d times", got)
	}
	if h.extractor.documents() != 1 {
		t.Errorf("the twin reuses the extraction, extracted %d", h.extractor.documents())
	}
	reports, _ := h.worker.Report(context.Background(), "report-1")
	if _, failed := reports[1].Record.Err("bias_bot"); failed {
		t.Error("the rerun twin should carry the successful result")
	}
}

func TestAnnotateWithoutReuseRecomputes(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, opts *Options) {
		cfg.ReuseAnnotations = false
	})
	h.enqueue(t, "report-1", "Same.", "Same.")
	if _, err := h.worker.Annotate(context.Background(), "report-1"); err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if got := h.calls.get("words_bot"); got != 2 {
		t.Errorf("reuse disabled: annotators should run per upload, ran %d", got)
	}
}

func TestAnnotateNamespaceViolationIsFatal(t *testing.T) {
	var leaked *merge.Scope
	reg := annotate.NewRegistry()
	reg.MustRegister("a", annotate.Func(func(ctx context.Context, doc *document.Document, scope *merge.Scope) error {
		leaked = scope
		return nil
	}))
	reg.MustRegister("b", annotate.Func(func(ctx context.Context, doc *document.Document, scope *merge.Scope) error {
		return leaked.Set("x", 1)
	}))
	h := newHarness(t, func(cfg *config.Config, opts *Options) {
		cfg.Pipeline = []string{"a", "b"}
		opts.Registry = reg
	})
	h.enqueue(t, "report-1", "Text.")

	_, err := h.worker.Annotate(context.Background(), "report-1")
	if !internalerr.Fatal(err) {
		t.Fatalf("expected a fatal namespace violation, got %v", err)
	}
	if h.store.QueueLen() != 1 {
		t.Error("entry must not be consumed")
	}
}

func TestAnnotateSkipsEntriesClaimedElsewhere(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, func(cfg *config.Config, opts *Options) {
		opts.Now = func() time.Time { return now }
	})
	h.enqueue(t, "report-1", "Text.")
	if _, err := h.store.ClaimEntries(context.Background(), "report-1", store.ClaimRequest{Token: "other-worker", Now: now}); err != nil {
		t.Fatalf("ClaimEntries: %v", err)
	}

	n, err := h.worker.Annotate(context.Background(), "report-1")
	if err != nil || n != 0 {
		t.Errorf("fresh foreign claim should leave nothing to do: %d, %v", n, err)
	}

	now = now.Add(time.Hour)
	n, err = h.worker.Annotate(context.Background(), "report-1")
	if err != nil || n != 1 {
		t.Errorf("stale claim should be taken over: %d, %v", n, err)
	}
}

func TestAnnotateRenewsClaimsBetweenBatches(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	var stolen []store.QueueEntry
	var h *harness
	reg := annotate.NewRegistry()
	reg.MustRegister("slow_bot", annotate.Func(func(ctx context.Context, doc *document.Document, scope *merge.Scope) error {
		now = now.Add(8 * time.Minute)
		// a second worker polling for stale claims
		taken, err := h.store.ClaimEntries(ctx, "report-1", store.ClaimRequest{
			Token:       "other-worker",
			Now:         now,
			StaleBefore: now.Add(-10 * time.Minute),
		})
		if err != nil {
			return err
		}
		stolen = append(stolen, taken...)
		return scope.Set("done", true)
	}))
	h = newHarness(t, func(cfg *config.Config, opts *Options) {
		cfg.Pipeline = []string{"slow_bot"}
		cfg.BatchSize = 1
		cfg.ClaimTimeout = 10 * time.Minute
		opts.Registry = reg
		opts.Now = func() time.Time { return now }
	})
	h.enqueue(t, "report-1", "One.", "Two.", "Three.")

	n, err := h.worker.Annotate(context.Background(), "report-1")
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if len(stolen) != 0 {
		t.Errorf("claims of a live run must not go stale, %d entries taken over", len(stolen))
	}
	if n != 3 {
		t.Errorf("processed %d, want 3", n)
	}
}

func TestAnnotateDropsEntriesTakenOverMidRun(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	var h *harness
	var stolen []store.QueueEntry
	reg := annotate.NewRegistry()
	reg.MustRegister("slow_bot", annotate.Func(func(ctx context.Context, doc *document.Document, scope *merge.Scope) error {
		if len(stolen) == 0 {
			now = now.Add(time.Hour)
			taken, err := h.store.ClaimEntries(ctx, "report-1", store.ClaimRequest{
				Token:       "other-worker",
				Now:         now,
				StaleBefore: now.Add(-10 * time.Minute),
			})
			if err != nil {
				return err
			}
			stolen = taken
		}
		return scope.Set("done", true)
	}))
	h = newHarness(t, func(cfg *config.Config, opts *Options) {
		cfg.Pipeline = []string{"slow_bot"}
		cfg.BatchSize = 1
		cfg.ClaimTimeout = 10 * time.Minute
		opts.Registry = reg
		opts.Now = func() time.Time { return now }
	})
	h.enqueue(t, "report-1", "One.", "Two.")

	n, err := h.worker.Annotate(context.Background(), "report-1")
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if len(stolen) != 2 {
		t.Fatalf("expected both stale entries to be taken over, got %d", len(stolen))
	}
	if n != 0 {
		t.Errorf("nothing should be committed under a lost claim, got %d", n)
	}
	if h.extractor.documents() != 1 {
		t.Errorf("the next batch must be dropped before extraction, extracted %d", h.extractor.documents())
	}
	if h.store.QueueLen() != 2 || h.store.Claimed() != 2 {
		t.Errorf("the other worker's claims should stand: queue %d, claimed %d", h.store.QueueLen(), h.store.Claimed())
	}
}

func TestNewRejectsUnregisteredPipeline(t *testing.T) {
	cfg := config.Default()
	_, err := New(Options{
		Store:     memstore.New(),
		Extractor: &fakeExtractor{},
		Tokenizer: tokenize.NewLocal(nil, nil, tokenize.Features{}),
		Registry:  annotate.NewRegistry(),
		Config:    cfg,
	})
	if !errors.Is(err, internalerr.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestEnqueueValidation(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.worker.Enqueue(context.Background(), "", []Upload{{Data: []byte("x")}}); !errors.Is(err, internalerr.ErrInvalidInput) {
		t.Errorf("empty correlation id: %v", err)
	}
	if _, err := h.worker.Enqueue(context.Background(), "r", []Upload{{Filename: "empty.pdf"}}); !errors.Is(err, internalerr.ErrInvalidInput) {
		t.Errorf("empty upload: %v", err)
	}
}

func TestRetainAndPending(t *testing.T) {
	h := newHarness(t, nil)
	entries := h.enqueue(t, "report-1", "Text.")

	pending, err := h.worker.Pending(context.Background(), 10)
	if err != nil || len(pending) != 1 || pending[0] != "report-1" {
		t.Fatalf("Pending = %v, %v", pending, err)
	}
	if _, err := h.worker.Annotate(context.Background(), "report-1"); err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if pending, _ := h.worker.Pending(context.Background(), 10); len(pending) != 0 {
		t.Errorf("nothing should be pending, got %v", pending)
	}

	if err := h.worker.Retain(context.Background(), entries[0].DocumentID, true); err != nil {
		t.Fatalf("Retain: %v", err)
	}
	reports, _ := h.worker.Report(context.Background(), "report-1")
	if !reports[0].Retain {
		t.Error("retain flag should be set")
	}
}

func TestServeDrainsQueue(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, opts *Options) {
		cfg.PollInterval = 10 * time.Millisecond
	})
	h.enqueue(t, "report-1", "One.")
	h.enqueue(t, "report-2", "Two.")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Serve(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for h.store.QueueLen() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if h.store.QueueLen() != 0 {
		t.Errorf("serve loop should drain the queue, %d left", h.store.QueueLen())
	}
}
