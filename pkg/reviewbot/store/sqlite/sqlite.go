package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cognicore/reviewbot/pkg/reviewbot/internalerr"
	"github.com/cognicore/reviewbot/pkg/reviewbot/store"
)

// sqliteStore implements the Store interface using SQLite
type sqliteStore struct {
	db *sql.DB
}

// OpenSQLite opens a SQLite database with WAL mode enabled. Several worker
// processes may open the same file; writers wait on each other for up to
// five seconds.
func OpenSQLite(ctx context.Context, path string) (store.Store, error) {
	dsn := path
	if path != ":memory:" {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		dsn = path + sep + "_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrap("open", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, wrap("open", err)
	}

	// Initialize schema
	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, wrap("init schema", err)
	}

	return &sqliteStore{db: db}, nil
}

// Close closes the database connection
func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// initSchema creates tables if they don't exist
func initSchema(ctx context.Context, db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS doc_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	correlation_id TEXT NOT NULL,
	document_id TEXT UNIQUE NOT NULL,
	filename TEXT NOT NULL DEFAULT '',
	raw_bytes BLOB NOT NULL,
	enqueued_at INTEGER NOT NULL,
	claim_token TEXT,
	claimed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_doc_queue_correlation ON doc_queue(correlation_id);

CREATE TABLE IF NOT EXISTS article (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	correlation_id TEXT NOT NULL,
	document_id TEXT NOT NULL,
	filename TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL,
	raw_bytes BLOB NOT NULL,
	annotations BLOB NOT NULL,
	stored_at INTEGER NOT NULL,
	retain INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_article_hash ON article(content_hash, stored_at);
CREATE INDEX IF NOT EXISTS idx_article_correlation ON article(correlation_id);
CREATE INDEX IF NOT EXISTS idx_article_document ON article(document_id);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}

// Enqueue inserts queue entries in order and returns them with their row ids.
func (s *sqliteStore) Enqueue(ctx context.Context, entries []store.QueueEntry) ([]store.QueueEntry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("enqueue", err)
	}
	defer tx.Rollback()

	const stmt = `
INSERT INTO doc_queue (correlation_id, document_id, filename, raw_bytes, enqueued_at)
VALUES (?, ?, ?, ?, ?)
RETURNING id;
`
	out := make([]store.QueueEntry, len(entries))
	for i, e := range entries {
		if e.CorrelationID == "" || e.DocumentID == "" {
			return nil, fmt.Errorf("sqlite: enqueue: correlation and document id required: %w", internalerr.ErrInvalidInput)
		}
		if e.EnqueuedAt.IsZero() {
			e.EnqueuedAt = time.Now().UTC()
		}
		if err := tx.QueryRowContext(ctx, stmt,
			e.CorrelationID,
			e.DocumentID,
			e.Filename,
			nonNil(e.RawBytes),
			e.EnqueuedAt.UnixNano(),
		).Scan(&e.ID); err != nil {
			return nil, wrap("enqueue", err)
		}
		out[i] = e
	}
	if err := tx.Commit(); err != nil {
		return nil, wrap("enqueue", err)
	}
	return out, nil
}

// ClaimEntries marks the report's free or stale entries with the claim token
// and returns them in queue order.
func (s *sqliteStore) ClaimEntries(ctx context.Context, correlationID string, claim store.ClaimRequest) ([]store.QueueEntry, error) {
	if claim.Token == "" {
		return nil, fmt.Errorf("sqlite: claim: token required: %w", internalerr.ErrInvalidInput)
	}
	const stmt = `
UPDATE doc_queue SET claim_token = ?, claimed_at = ?
WHERE correlation_id = ? AND (claim_token IS NULL OR claimed_at < ?)
RETURNING id, correlation_id, document_id, filename, raw_bytes, enqueued_at;
`
	rows, err := s.db.QueryContext(ctx, stmt, claim.Token, claim.Now.UnixNano(), correlationID, staleCutoff(claim.StaleBefore))
	if err != nil {
		return nil, wrap("claim", err)
	}
	defer rows.Close()

	var out []store.QueueEntry
	for rows.Next() {
		var e store.QueueEntry
		var enqueued int64
		if err := rows.Scan(&e.ID, &e.CorrelationID, &e.DocumentID, &e.Filename, &e.RawBytes, &enqueued); err != nil {
			return nil, wrap("claim", err)
		}
		e.EnqueuedAt = time.Unix(0, enqueued).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("claim", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ReleaseClaims clears claims still held by their tokens.
func (s *sqliteStore) ReleaseClaims(ctx context.Context, claims []store.Claim) error {
	if len(claims) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("release", err)
	}
	defer tx.Rollback()

	for _, c := range claims {
		if _, err := tx.ExecContext(ctx,
			`UPDATE doc_queue SET claim_token = NULL, claimed_at = NULL WHERE id = ? AND claim_token = ?`,
			c.EntryID, c.Token,
		); err != nil {
			return wrap("release", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrap("release", err)
	}
	return nil
}

// RenewClaims moves claimed_at forward for claims still held by their
// tokens and returns those claims.
func (s *sqliteStore) RenewClaims(ctx context.Context, claims []store.Claim, now time.Time) ([]store.Claim, error) {
	if len(claims) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("renew", err)
	}
	defer tx.Rollback()

	var held []store.Claim
	for _, c := range claims {
		res, err := tx.ExecContext(ctx,
			`UPDATE doc_queue SET claimed_at = ? WHERE id = ? AND claim_token = ?`,
			now.UnixNano(), c.EntryID, c.Token,
		)
		if err != nil {
			return nil, wrap("renew", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, wrap("renew", err)
		}
		if n > 0 {
			held = append(held, c)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, wrap("renew", err)
	}
	return held, nil
}

// PendingCorrelations lists reports with claimable entries, oldest first.
func (s *sqliteStore) PendingCorrelations(ctx context.Context, staleBefore time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
SELECT correlation_id FROM doc_queue
WHERE claim_token IS NULL OR claimed_at < ?
GROUP BY correlation_id
ORDER BY MIN(id)
LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, query, staleCutoff(staleBefore), limit)
	if err != nil {
		return nil, wrap("pending", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrap("pending", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("pending", err)
	}
	return out, nil
}

const insertArticle = `
INSERT INTO article (correlation_id, document_id, filename, content_hash, raw_bytes, annotations, stored_at, retain)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id;
`

func execInsertArticle(ctx context.Context, tx *sql.Tx, a *store.Article) error {
	return tx.QueryRowContext(ctx, insertArticle,
		a.CorrelationID,
		a.DocumentID,
		a.Filename,
		a.ContentHash,
		nonNil(a.RawBytes),
		nonNil(a.Annotations),
		a.StoredAt.UnixNano(),
		boolToInt(a.Retain),
	).Scan(&a.ID)
}

// InsertArticle writes a new article row.
func (s *sqliteStore) InsertArticle(ctx context.Context, a store.Article) (store.Article, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Article{}, wrap("insert article", err)
	}
	defer tx.Rollback()

	if err := execInsertArticle(ctx, tx, &a); err != nil {
		return store.Article{}, wrap("insert article", err)
	}
	if err := tx.Commit(); err != nil {
		return store.Article{}, wrap("insert article", err)
	}
	return a, nil
}

// CommitArticle consumes the claimed queue entry and writes the article in
// one transaction. The entry must still carry the claim's token.
func (s *sqliteStore) CommitArticle(ctx context.Context, a store.Article, claim store.Claim) (store.Article, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Article{}, wrap("commit article", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM doc_queue WHERE id = ? AND claim_token = ?`, claim.EntryID, claim.Token)
	if err != nil {
		return store.Article{}, wrap("commit article", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.Article{}, wrap("commit article", err)
	}
	if n == 0 {
		return store.Article{}, fmt.Errorf("sqlite: commit article %s: %w", a.DocumentID, internalerr.ErrClaimLost)
	}
	if err := execInsertArticle(ctx, tx, &a); err != nil {
		return store.Article{}, wrap("commit article", err)
	}
	if err := tx.Commit(); err != nil {
		return store.Article{}, wrap("commit article", err)
	}
	return a, nil
}

const articleColumns = `id, correlation_id, document_id, filename, content_hash, raw_bytes, annotations, stored_at, retain`

// LatestByHash returns the most recently stored article with the given hash.
func (s *sqliteStore) LatestByHash(ctx context.Context, contentHash string) (store.Article, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+articleColumns+` FROM article WHERE content_hash = ? ORDER BY stored_at DESC, id DESC LIMIT 1`,
		contentHash)
	a, err := scanArticle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Article{}, false, nil
	}
	if err != nil {
		return store.Article{}, false, wrap("latest by hash", err)
	}
	return a, true, nil
}

// GetArticle retrieves the latest article row for a document id. A retried
// persist may have written more than one.
func (s *sqliteStore) GetArticle(ctx context.Context, documentID string) (store.Article, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+articleColumns+` FROM article WHERE document_id = ? ORDER BY id DESC LIMIT 1`,
		documentID)
	a, err := scanArticle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Article{}, fmt.Errorf("sqlite: article %s: %w", documentID, internalerr.ErrNotFound)
	}
	if err != nil {
		return store.Article{}, wrap("get article", err)
	}
	return a, nil
}

// ArticlesByCorrelation returns a report's articles in storage order.
func (s *sqliteStore) ArticlesByCorrelation(ctx context.Context, correlationID string) ([]store.Article, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+articleColumns+` FROM article WHERE correlation_id = ? ORDER BY id`,
		correlationID)
	if err != nil {
		return nil, wrap("articles by correlation", err)
	}
	defer rows.Close()

	var out []store.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, wrap("articles by correlation", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("articles by correlation", err)
	}
	return out, nil
}

// SetRetain flips the retain flag of every article row for the document id.
func (s *sqliteStore) SetRetain(ctx context.Context, documentID string, retain bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE article SET retain = ? WHERE document_id = ?`, boolToInt(retain), documentID)
	if err != nil {
		return wrap("set retain", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("set retain", err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: article %s: %w", documentID, internalerr.ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArticle(row scanner) (store.Article, error) {
	var a store.Article
	var stored int64
	var retain int
	if err := row.Scan(&a.ID, &a.CorrelationID, &a.DocumentID, &a.Filename, &a.ContentHash,
		&a.RawBytes, &a.Annotations, &stored, &retain); err != nil {
		return store.Article{}, err
	}
	a.StoredAt = time.Unix(0, stored).UTC()
	a.Retain = retain != 0
	return a, nil
}

// staleCutoff maps a zero time to a cutoff no claim is older than.
func staleCutoff(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func wrap(op string, err error) error {
	return fmt.Errorf("sqlite: %s: %w: %w", op, internalerr.ErrStorage, err)
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
