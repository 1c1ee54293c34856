package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/elonfeng/foresight/pkg/item"
	"github.com/elonfeng/foresight/pkg/sink"
	"github.com/elonfeng/foresight/pkg/source"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const itemColumns = `source, external_id, source_name, title, body, author, url,
	published_at, fetched_at, content_hash, extra`

// ListOpts controls item listing.
type ListOpts struct {
	Source     source.Kind
	SourceName string
	Since      time.Time
	Limit      int
}

// Store is the persistence interface of the local item index.
type Store interface {
	sink.Sink
	GetItem(ctx context.Context, kind source.Kind, externalID string) (*item.Item, error)
	ListItems(ctx context.Context, opts ListOpts) ([]item.Item, error)
	CountItemsBySource(ctx context.Context) (map[source.Kind]int, error)
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// New opens a SQLite database and runs migrations.
func New(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// Upserts read then write inside one transaction; a single connection
	// keeps concurrent workers from interleaving them.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Persist upserts an item keyed by (source, external_id). Identical content
// is left untouched, fetched_at included.
func (s *SQLiteStore) Persist(ctx context.Context, it item.Item) (sink.Outcome, error) {
	key := it.Key()
	extraJSON, err := json.Marshal(it.Extra)
	if err != nil {
		return "", sink.Errorf(key, sink.WriteFailure, fmt.Errorf("marshal extra: %w", err))
	}
	if it.Extra == nil {
		extraJSON = []byte("{}")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", storeError(key, fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback()

	var current string
	err = tx.GetContext(ctx, &current,
		"SELECT content_hash FROM items WHERE source = ? AND external_id = ?",
		it.Source, it.ExternalID)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", storeError(key, fmt.Errorf("lookup: %w", err))
	}
	if exists && current == it.ContentHash {
		return sink.Unchanged, nil
	}

	now := time.Now().UTC()
	if exists {
		_, err = tx.ExecContext(ctx, `
			UPDATE items SET
				source_name = ?, title = ?, body = ?, author = ?, url = ?,
				published_at = ?, fetched_at = ?, content_hash = ?, extra = ?, updated_at = ?
			WHERE source = ? AND external_id = ?
		`, it.SourceName, it.Title, it.Body, it.Author, it.URL,
			it.PublishedAt, it.FetchedAt, it.ContentHash, string(extraJSON), now,
			it.Source, it.ExternalID)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO items (`+itemColumns+`, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, it.Source, it.ExternalID, it.SourceName, it.Title, it.Body, it.Author, it.URL,
			it.PublishedAt, it.FetchedAt, it.ContentHash, string(extraJSON), now)
	}
	if err != nil {
		return "", storeError(key, fmt.Errorf("write: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return "", storeError(key, fmt.Errorf("commit: %w", err))
	}

	if exists {
		return sink.Updated, nil
	}
	return sink.Inserted, nil
}

func storeError(key string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "SQLITE_BUSY"), strings.Contains(msg, "database is locked"):
		return sink.Errorf(key, sink.Timeout, err)
	case strings.Contains(msg, "SQLITE_FULL"), strings.Contains(msg, "database or disk is full"):
		return sink.Errorf(key, sink.QuotaExceeded, err)
	case strings.Contains(msg, "SQLITE_READONLY"), strings.Contains(msg, "SQLITE_PERM"):
		return sink.Errorf(key, sink.AuthFailure, err)
	}
	return sink.Errorf(key, sink.WriteFailure, err)
}

func (s *SQLiteStore) GetItem(ctx context.Context, kind source.Kind, externalID string) (*item.Item, error) {
	var it item.Item
	err := s.db.GetContext(ctx, &it,
		"SELECT "+itemColumns+" FROM items WHERE source = ? AND external_id = ?",
		kind, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get item %s:%s: %w", kind, externalID, sink.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get item %s:%s: %w", kind, externalID, err)
	}
	decodeExtra(&it)
	return &it, nil
}

func (s *SQLiteStore) ListItems(ctx context.Context, opts ListOpts) ([]item.Item, error) {
	query := "SELECT " + itemColumns + " FROM items WHERE 1=1"
	var args []any

	if opts.Source != "" {
		query += " AND source = ?"
		args = append(args, opts.Source)
	}
	if opts.SourceName != "" {
		query += " AND source_name = ?"
		args = append(args, opts.SourceName)
	}
	if !opts.Since.IsZero() {
		query += " AND published_at >= ?"
		args = append(args, opts.Since.UTC())
	}

	query += " ORDER BY published_at DESC, external_id"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	var items []item.Item
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	for i := range items {
		decodeExtra(&items[i])
	}
	return items, nil
}

func (s *SQLiteStore) CountItemsBySource(ctx context.Context) (map[source.Kind]int, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT source, COUNT(*) as cnt FROM items GROUP BY source")
	if err != nil {
		return nil, fmt.Errorf("count items by source: %w", err)
	}
	defer rows.Close()

	counts := make(map[source.Kind]int)
	for rows.Next() {
		var src string
		var cnt int
		if err := rows.Scan(&src, &cnt); err != nil {
			return nil, err
		}
		counts[source.Kind(src)] = cnt
	}
	return counts, rows.Err()
}

func decodeExtra(it *item.Item) {
	if it.ExtraJSON == "" || it.ExtraJSON == "{}" || it.ExtraJSON == "null" {
		return
	}
	_ = json.Unmarshal([]byte(it.ExtraJSON), &it.Extra)
}
