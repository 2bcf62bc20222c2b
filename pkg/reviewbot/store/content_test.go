package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cognicore/reviewbot/pkg/reviewbot/annotate"
	"github.com/cognicore/reviewbot/pkg/reviewbot/document"
	"github.com/cognicore/reviewbot/pkg/reviewbot/internalerr"
	"github.com/cognicore/reviewbot/pkg/reviewbot/merge"
	"github.com/cognicore/reviewbot/pkg/reviewbot/store"
	"github.com/cognicore/reviewbot/pkg/reviewbot/store/memstore"
	"github.com/cognicore/reviewbot/pkg/reviewbot/store/sqlite"
)

func annotated(t *testing.T, doc *document.Document) *merge.Record {
	t.Helper()
	rec := merge.New()
	scope, err := merge.NewScope(rec, "bias_bot")
	if err != nil {
		t.Fatalf("NewScope: %v", err)
	}
	if err := scope.Set("judgement", "low"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	rec.Release()
	if err := annotate.StampGold(rec, doc); err != nil {
		t.Fatalf("StampGold: %v", err)
	}
	rec.Freeze()
	return rec
}

func TestContentHash(t *testing.T) {
	a := store.ContentHash([]byte("%PDF-1.4 same bytes"))
	b := store.ContentHash([]byte("%PDF-1.4 same bytes"))
	c := store.ContentHash([]byte("%PDF-1.4 other bytes"))
	if a != b {
		t.Error("identical bytes must hash equal")
	}
	if a == c {
		t.Error("different bytes should hash differently")
	}
	if len(a) != 64 {
		t.Errorf("expected hex sha256, got %q", a)
	}
}

func TestNewDocumentIDSortable(t *testing.T) {
	prev := store.NewDocumentID()
	for i := 0; i < 100; i++ {
		next := store.NewDocumentID()
		if next <= prev {
			t.Fatalf("ids not increasing: %s then %s", prev, next)
		}
		prev = next
	}
}

func backends(t *testing.T) map[string]store.Store {
	t.Helper()
	lite, err := sqlite.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "content.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { lite.Close() })
	return map[string]store.Store{"memstore": memstore.New(), "sqlite": lite}
}

func TestPersistTwiceSharesHash(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cs := store.NewContentStore(st, store.ContentOptions{RetainByDefault: true})

			doc := &document.Document{CorrelationID: "r1", DocumentID: "d1", Filename: "a.pdf", RawBytes: []byte("%PDF same")}
			rec := annotated(t, doc)

			first, err := cs.Persist(ctx, doc, rec)
			if err != nil {
				t.Fatalf("Persist: %v", err)
			}
			lookup1, ok, err := cs.Lookup(ctx, first.ContentHash)
			if err != nil || !ok {
				t.Fatalf("Lookup after first persist: %v %v", ok, err)
			}

			second, err := cs.Persist(ctx, doc, rec)
			if err != nil {
				t.Fatalf("second Persist of the same document: %v", err)
			}
			if first.ID == second.ID {
				t.Error("each persist must write its own row")
			}
			if first.ContentHash != second.ContentHash {
				t.Error("rows for the same bytes must share the content hash")
			}
			if !first.Retain || !second.Retain {
				t.Error("retain should follow RetainByDefault")
			}

			rows, err := st.ArticlesByCorrelation(ctx, "r1")
			if err != nil {
				t.Fatalf("ArticlesByCorrelation: %v", err)
			}
			if len(rows) != 2 {
				t.Errorf("expected two stored articles, got %d", len(rows))
			}
			latest, err := st.GetArticle(ctx, "d1")
			if err != nil {
				t.Fatalf("GetArticle: %v", err)
			}
			if latest.ID != second.ID {
				t.Errorf("GetArticle should return the latest row %d, got %d", second.ID, latest.ID)
			}

			lookup2, ok, err := cs.Lookup(ctx, first.ContentHash)
			if err != nil || !ok {
				t.Fatalf("Lookup after second persist: %v %v", ok, err)
			}
			if !lookup1.Equal(lookup2) {
				t.Error("lookups by hash should return equivalent records")
			}
		})
	}
}

func TestLookupSkipsStaleAndFailed(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	cs := store.NewContentStore(st, store.ContentOptions{MaxAge: time.Hour, Now: clock})

	doc := &document.Document{CorrelationID: "r1", DocumentID: "d1", RawBytes: []byte("%PDF aging")}
	if _, err := cs.Persist(ctx, doc, annotated(t, doc)); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if _, ok, _ := cs.Lookup(ctx, doc.ContentHash); !ok {
		t.Fatal("fresh record should be found")
	}
	now = now.Add(2 * time.Hour)
	if _, ok, _ := cs.Lookup(ctx, doc.ContentHash); ok {
		t.Error("record older than MaxAge should not be reused")
	}

	broken := &document.Document{CorrelationID: "r1", DocumentID: "d2", RawBytes: []byte("%PDF broken"), ExtractErr: errors.New("corrupt")}
	rec := merge.New()
	if err := annotate.StampGold(rec, broken); err != nil {
		t.Fatalf("StampGold: %v", err)
	}
	if _, err := cs.Persist(ctx, broken, rec); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if _, ok, _ := cs.Lookup(ctx, broken.ContentHash); ok {
		t.Error("records of failed extractions should not be reused")
	}
}

func TestLookupSkipsAnnotatorFailures(t *testing.T) {
	ctx := context.Background()
	cs := store.NewContentStore(memstore.New(), store.ContentOptions{})

	doc := &document.Document{CorrelationID: "r1", DocumentID: "d1", RawBytes: []byte("%PDF outage")}
	rec := merge.New()
	if err := rec.Fail("bias_bot", errors.New("model server 503")); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if err := annotate.StampGold(rec, doc); err != nil {
		t.Fatalf("StampGold: %v", err)
	}
	if _, err := cs.Persist(ctx, doc, rec); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if _, ok, err := cs.Lookup(ctx, doc.ContentHash); err != nil || ok {
		t.Errorf("record with an error marker should be a cache miss, got ok=%v err=%v", ok, err)
	}
}

func TestPersistRequiresGold(t *testing.T) {
	cs := store.NewContentStore(memstore.New(), store.ContentOptions{})
	doc := &document.Document{CorrelationID: "r1", DocumentID: "d1", RawBytes: []byte("x")}
	if _, err := cs.Persist(context.Background(), doc, merge.New()); !errors.Is(err, internalerr.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCommitConsumesClaimedEntry(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	cs := store.NewContentStore(st, store.ContentOptions{})

	entries, err := st.Enqueue(ctx, []store.QueueEntry{{CorrelationID: "r1", DocumentID: "d1", RawBytes: []byte("%PDF")}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, err := st.ClaimEntries(ctx, "r1", store.ClaimRequest{Token: "t1", Now: time.Now()})
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimEntries: %v %v", claimed, err)
	}

	doc := &document.Document{CorrelationID: "r1", DocumentID: "d1", RawBytes: []byte("%PDF")}
	if _, err := cs.Commit(ctx, doc, annotated(t, doc), store.Claim{EntryID: entries[0].ID, Token: "wrong"}); !errors.Is(err, internalerr.ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost for a foreign token, got %v", err)
	}
	if _, err := cs.Commit(ctx, doc, annotated(t, doc), store.Claim{EntryID: entries[0].ID, Token: "t1"}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if st.QueueLen() != 0 {
		t.Errorf("entry should be consumed, %d left", st.QueueLen())
	}
}
