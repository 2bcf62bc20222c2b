package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cognicore/reviewbot/pkg/reviewbot/internalerr"
	"github.com/cognicore/reviewbot/pkg/reviewbot/store"
)

type queued struct {
	entry     store.QueueEntry
	token     string
	claimedAt time.Time
}

var _ store.Store = (*Store)(nil)

// Store is an in-memory implementation of store.Store for tests.
type Store struct {
	mu          sync.RWMutex
	nextEntryID int64
	nextID      int64
	queue       []*queued
	articles    []store.Article
	byDocument  map[string][]int

	// FailWrites makes every article write fail with ErrStorage.
	FailWrites bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		nextEntryID: 1,
		nextID:      1,
		byDocument:  make(map[string][]int),
	}
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }

// Enqueue implements store.Store.
func (s *Store) Enqueue(ctx context.Context, entries []store.QueueEntry) ([]store.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.QueueEntry, 0, len(entries))
	for _, e := range entries {
		if e.CorrelationID == "" || e.DocumentID == "" {
			return nil, fmt.Errorf("memstore: enqueue: correlation and document id required: %w", internalerr.ErrInvalidInput)
		}
		if e.EnqueuedAt.IsZero() {
			e.EnqueuedAt = time.Now().UTC()
		}
		e.ID = s.nextEntryID
		s.nextEntryID++
		s.queue = append(s.queue, &queued{entry: e})
		out = append(out, e)
	}
	return out, nil
}

// ClaimEntries implements store.Store.
func (s *Store) ClaimEntries(ctx context.Context, correlationID string, claim store.ClaimRequest) ([]store.QueueEntry, error) {
	if claim.Token == "" {
		return nil, fmt.Errorf("memstore: claim: token required: %w", internalerr.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.QueueEntry
	for _, q := range s.queue {
		if q.entry.CorrelationID != correlationID || !claimable(q, claim.StaleBefore) {
			continue
		}
		q.token = claim.Token
		q.claimedAt = claim.Now
		out = append(out, q.entry)
	}
	return out, nil
}

// ReleaseClaims implements store.Store.
func (s *Store) ReleaseClaims(ctx context.Context, claims []store.Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range claims {
		if q := s.find(c.EntryID); q != nil && q.token == c.Token {
			q.token = ""
			q.claimedAt = time.Time{}
		}
	}
	return nil
}

// RenewClaims implements store.Store.
func (s *Store) RenewClaims(ctx context.Context, claims []store.Claim, now time.Time) ([]store.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var held []store.Claim
	for _, c := range claims {
		if q := s.find(c.EntryID); q != nil && q.token == c.Token {
			q.claimedAt = now
			held = append(held, c)
		}
	}
	return held, nil
}

// PendingCorrelations implements store.Store.
func (s *Store) PendingCorrelations(ctx context.Context, staleBefore time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	seen := make(map[string]bool)
	var out []string
	for _, q := range s.queue {
		id := q.entry.CorrelationID
		if seen[id] || !claimable(q, staleBefore) {
			continue
		}
		seen[id] = true
		out = append(out, id)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// InsertArticle implements store.Store.
func (s *Store) InsertArticle(ctx context.Context, a store.Article) (store.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(a)
}

// CommitArticle implements store.Store.
func (s *Store) CommitArticle(ctx context.Context, a store.Article, claim store.Claim) (store.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.find(claim.EntryID)
	if q == nil || q.token != claim.Token {
		return store.Article{}, fmt.Errorf("memstore: commit article %s: %w", a.DocumentID, internalerr.ErrClaimLost)
	}
	a, err := s.insert(a)
	if err != nil {
		return store.Article{}, err
	}
	for i, e := range s.queue {
		if e == q {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	return a, nil
}

// LatestByHash implements store.Store.
func (s *Store) LatestByHash(ctx context.Context, contentHash string) (store.Article, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *store.Article
	for i := range s.articles {
		a := &s.articles[i]
		if a.ContentHash != contentHash {
			continue
		}
		if best == nil || !a.StoredAt.Before(best.StoredAt) {
			best = a
		}
	}
	if best == nil {
		return store.Article{}, false, nil
	}
	return copyArticle(*best), true, nil
}

// GetArticle implements store.Store.
func (s *Store) GetArticle(ctx context.Context, documentID string) (store.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.byDocument[documentID]
	if len(rows) == 0 {
		return store.Article{}, fmt.Errorf("memstore: article %s: %w", documentID, internalerr.ErrNotFound)
	}
	return copyArticle(s.articles[rows[len(rows)-1]]), nil
}

// ArticlesByCorrelation implements store.Store.
func (s *Store) ArticlesByCorrelation(ctx context.Context, correlationID string) ([]store.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Article
	for _, a := range s.articles {
		if a.CorrelationID == correlationID {
			out = append(out, copyArticle(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetRetain implements store.Store.
func (s *Store) SetRetain(ctx context.Context, documentID string, retain bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.byDocument[documentID]
	if len(rows) == 0 {
		return fmt.Errorf("memstore: article %s: %w", documentID, internalerr.ErrNotFound)
	}
	for _, idx := range rows {
		s.articles[idx].Retain = retain
	}
	return nil
}

// QueueLen returns the number of unconsumed queue entries.
func (s *Store) QueueLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queue)
}

// Claimed returns the number of queue entries currently claimed.
func (s *Store) Claimed() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, q := range s.queue {
		if q.token != "" {
			n++
		}
	}
	return n
}

func (s *Store) insert(a store.Article) (store.Article, error) {
	if s.FailWrites {
		return store.Article{}, fmt.Errorf("memstore: insert article %s: %w", a.DocumentID, internalerr.ErrStorage)
	}
	a = copyArticle(a)
	a.ID = s.nextID
	s.nextID++
	s.byDocument[a.DocumentID] = append(s.byDocument[a.DocumentID], len(s.articles))
	s.articles = append(s.articles, a)
	return copyArticle(a), nil
}

func (s *Store) find(id int64) *queued {
	for _, q := range s.queue {
		if q.entry.ID == id {
			return q
		}
	}
	return nil
}

func claimable(q *queued, staleBefore time.Time) bool {
	if q.token == "" {
		return true
	}
	return !staleBefore.IsZero() && q.claimedAt.Before(staleBefore)
}

func copyArticle(a store.Article) store.Article {
	a.RawBytes = append([]byte(nil), a.RawBytes...)
	a.Annotations = append([]byte(nil), a.Annotations...)
	return a
}
