// Package store persists documents saved for offline use. Records are keyed
// per user with a composite "{userId}_{documentId}" key, so several users
// sharing one device never see each other's downloads.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	_ "github.com/glebarez/go-sqlite"
)

// schemaVersion is tracked via PRAGMA user_version. Bumping it requires a
// migration step in migrate that preserves existing composite keys.
const schemaVersion = 1

// Document is a catalog descriptor, as provided by the remote catalog.
type Document struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Subject    string `json:"subject,omitempty"`
	Language   string `json:"language,omitempty"`
	SourceExam string `json:"sourceExam,omitempty"`
	Year       string `json:"year,omitempty"`
	SourceURL  string `json:"sourceUrl,omitempty"`
}

// Record is the stored metadata for one saved document. The composite
// storage key is internal; callers only ever see the catalog document id.
type Record struct {
	DocumentID string    `json:"documentId"`
	UserID     string    `json:"userId"`
	Title      string    `json:"title"`
	Subject    string    `json:"subject,omitempty"`
	Language   string    `json:"language,omitempty"`
	SourceExam string    `json:"sourceExam,omitempty"`
	Year       string    `json:"year,omitempty"`
	SourceURL  string    `json:"sourceUrl,omitempty"`
	SavedAt    time.Time `json:"savedAt"`
	ByteSize   int64     `json:"byteSize"`
}

// Blob is the binary payload of a saved document.
type Blob struct {
	MediaType string
	Content   []byte
}

// Usage summarizes the current user's offline storage consumption.
type Usage struct {
	Count             int    `json:"count"`
	TotalBytes        int64  `json:"totalBytes"`
	HumanReadableSize string `json:"humanReadableSize"`
}

// Store is a per-user offline document store backed by SQLite. All writes to
// a document go through a single transaction covering both the metadata row
// and the blob row, so one can never exist without the other.
type Store struct {
	db         *sql.DB
	ident      Identity
	quotaBytes int64
	writeMutex *sync.Mutex
	log        zerolog.Logger
}

type Option func(*Store)

// WithQuota caps the total bytes stored across all users. Saves that would
// exceed the cap fail with ErrQuotaExceeded. Zero means no cap.
func WithQuota(bytes int64) Option {
	return func(s *Store) {
		s.quotaBytes = bytes
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.log = logger
	}
}

// Open opens (creating if needed) the offline store at the given file and
// applies schema migrations. The identity provider is consulted on every
// operation, so a user switch is picked up without reopening the store.
func Open(filename string, ident Identity, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	s := &Store{
		db:         db,
		ident:      ident,
		writeMutex: &sync.Mutex{},
		log:        log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return err
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	if version >= schemaVersion {
		return nil
	}
	if version < 1 {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS documents (
				composite_id TEXT PRIMARY KEY,
				document_id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				title TEXT NOT NULL,
				subject TEXT NOT NULL DEFAULT '',
				language TEXT NOT NULL DEFAULT '',
				source_exam TEXT NOT NULL DEFAULT '',
				year TEXT NOT NULL DEFAULT '',
				source_url TEXT NOT NULL DEFAULT '',
				saved_at INTEGER NOT NULL,
				byte_size INTEGER NOT NULL
			)`,
			// index by user so per-user listing is O(k), not a full scan
			`CREATE INDEX IF NOT EXISTS documents_user_idx ON documents (user_id)`,
			`CREATE TABLE IF NOT EXISTS blobs (
				composite_id TEXT PRIMARY KEY,
				media_type TEXT NOT NULL,
				content BLOB NOT NULL,
				saved_at INTEGER NOT NULL
			)`,
		}
		for _, stmt := range stmts {
			if _, err := db.Exec(stmt); err != nil {
				return err
			}
		}
	}
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion))
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func compositeID(userID, documentID string) string {
	return userID + "_" + documentID
}

// Save writes the document metadata and its blob in one transaction,
// overwriting any previous copy under the same key. It fails with
// ErrNotAuthenticated when no user is logged in and ErrQuotaExceeded when
// the configured quota would be exceeded.
func (s *Store) Save(ctx context.Context, doc Document, blob Blob) error {
	userID := s.ident.CurrentUserID(ctx)
	if userID == "" {
		return ErrNotAuthenticated
	}
	if doc.ID == "" {
		return fmt.Errorf("document id is required")
	}

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	key := compositeID(userID, doc.ID)
	size := int64(len(blob.Content))

	if s.quotaBytes > 0 {
		var stored, previous int64
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(SUM(byte_size), 0) FROM documents").Scan(&stored); err != nil {
			return err
		}
		// an overwrite frees the old copy's bytes
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(byte_size, 0) FROM documents WHERE composite_id = ?", key).
			Scan(&previous); err != nil && err != sql.ErrNoRows {
			return err
		}
		if stored-previous+size > s.quotaBytes {
			return ErrQuotaExceeded
		}
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO documents
			(composite_id, document_id, user_id, title, subject, language, source_exam, year, source_url, saved_at, byte_size)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key, doc.ID, userID, doc.Title, doc.Subject, doc.Language,
		doc.SourceExam, doc.Year, doc.SourceURL, now.UnixMilli(), size); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO blobs (composite_id, media_type, content, saved_at) VALUES (?, ?, ?, ?)",
		key, blob.MediaType, blob.Content, now.UnixMilli()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.log.Debug().
		Str("user", userID).
		Str("document", doc.ID).
		Int64("bytes", size).
		Msg("Saved document for offline use")
	return nil
}

// Get returns the stored metadata for the given document, or nil if it is
// not saved or no user is logged in.
func (s *Store) Get(ctx context.Context, documentID string) (*Record, error) {
	userID := s.ident.CurrentUserID(ctx)
	if userID == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT document_id, user_id, title, subject, language, source_exam, year, source_url, saved_at, byte_size
			FROM documents WHERE composite_id = ?`,
		compositeID(userID, documentID))
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetContent returns the stored blob for the given document, or nil if it is
// not saved or no user is logged in.
func (s *Store) GetContent(ctx context.Context, documentID string) (*Blob, error) {
	userID := s.ident.CurrentUserID(ctx)
	if userID == "" {
		return nil, nil
	}
	var blob Blob
	err := s.db.QueryRowContext(ctx,
		"SELECT media_type, content FROM blobs WHERE composite_id = ?",
		compositeID(userID, documentID)).Scan(&blob.MediaType, &blob.Content)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &blob, nil
}

// ListAll returns every record owned by the current user, newest first.
// Without a logged-in user it returns an empty slice.
func (s *Store) ListAll(ctx context.Context) ([]Record, error) {
	userID := s.ident.CurrentUserID(ctx)
	if userID == "" {
		return []Record{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, user_id, title, subject, language, source_exam, year, source_url, saved_at, byte_size
			FROM documents WHERE user_id = ? ORDER BY saved_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// Remove deletes the metadata and blob for the given document in one
// transaction. Removing a document that is not saved is not an error.
func (s *Store) Remove(ctx context.Context, documentID string) error {
	userID := s.ident.CurrentUserID(ctx)
	if userID == "" {
		return ErrNotAuthenticated
	}
	return s.removeKey(ctx, compositeID(userID, documentID))
}

func (s *Store) removeKey(ctx context.Context, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE composite_id = ?", key); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM blobs WHERE composite_id = ?", key); err != nil {
		return err
	}
	return tx.Commit()
}

// ClearAll deletes every document pair owned by the current user, leaving
// other users' data untouched. Without a logged-in user there is nothing to
// clear.
func (s *Store) ClearAll(ctx context.Context) error {
	userID := s.ident.CurrentUserID(ctx)
	if userID == "" {
		return nil
	}
	records, err := s.ListAll(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := s.removeKey(ctx, compositeID(userID, rec.DocumentID)); err != nil {
			return err
		}
	}
	s.log.Debug().Str("user", userID).Int("count", len(records)).Msg("Cleared offline documents")
	return nil
}

// UsageSummary aggregates byte sizes over the current user's records.
func (s *Store) UsageSummary(ctx context.Context) (Usage, error) {
	records, err := s.ListAll(ctx)
	if err != nil {
		return Usage{}, err
	}
	var total int64
	for _, rec := range records {
		total += rec.ByteSize
	}
	return Usage{
		Count:             len(records),
		TotalBytes:        total,
		HumanReadableSize: humanize.IBytes(uint64(total)),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var savedAt int64
	err := row.Scan(&rec.DocumentID, &rec.UserID, &rec.Title, &rec.Subject,
		&rec.Language, &rec.SourceExam, &rec.Year, &rec.SourceURL, &savedAt, &rec.ByteSize)
	if err != nil {
		return nil, err
	}
	rec.SavedAt = time.UnixMilli(savedAt).UTC()
	return &rec, nil
}
