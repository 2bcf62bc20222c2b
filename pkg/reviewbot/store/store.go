package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Store persists the pending-work queue and the annotated articles.
type Store interface {
	Close() error

	// Queue
	Enqueue(ctx context.Context, entries []QueueEntry) ([]QueueEntry, error)
	ClaimEntries(ctx context.Context, correlationID string, claim ClaimRequest) ([]QueueEntry, error)
	ReleaseClaims(ctx context.Context, claims []Claim) error
	RenewClaims(ctx context.Context, claims []Claim, now time.Time) ([]Claim, error)
	PendingCorrelations(ctx context.Context, staleBefore time.Time, limit int) ([]string, error)

	// Articles
	InsertArticle(ctx context.Context, a Article) (Article, error)
	CommitArticle(ctx context.Context, a Article, claim Claim) (Article, error)
	LatestByHash(ctx context.Context, contentHash string) (Article, bool, error)
	GetArticle(ctx context.Context, documentID string) (Article, error)
	ArticlesByCorrelation(ctx context.Context, correlationID string) ([]Article, error)
	SetRetain(ctx context.Context, documentID string, retain bool) error
}

// QueueEntry is one uploaded document waiting to be annotated.
type QueueEntry struct {
	ID            int64
	CorrelationID string
	DocumentID    string
	Filename      string
	RawBytes      []byte
	EnqueuedAt    time.Time
}

// Article is a processed document with its serialized merge record.
type Article struct {
	ID            int64
	CorrelationID string
	DocumentID    string
	Filename      string
	ContentHash   string
	RawBytes      []byte
	Annotations   []byte
	StoredAt      time.Time
	Retain        bool
}

// ClaimRequest describes a claim on a report's queue entries. Entries
// claimed before StaleBefore are taken over; a zero StaleBefore never
// takes over another claim.
type ClaimRequest struct {
	Token       string
	Now         time.Time
	StaleBefore time.Time
}

// Claim identifies one claimed queue entry.
type Claim struct {
	EntryID int64
	Token   string
}

// ContentHash returns the hex SHA-256 digest of blob.
func ContentHash(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewDocumentID returns a new lexically sortable document id.
func NewDocumentID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Now(), idEntropy).String()
}

// NewClaimToken returns a random token identifying one claim.
func NewClaimToken() string {
	return ulid.Make().String()
}
