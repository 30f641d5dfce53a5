package data

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
)

const schema = `
CREATE TABLE IF NOT EXISTS items (
	id             VARCHAR PRIMARY KEY,
	name           VARCHAR NOT NULL,
	author_id      VARCHAR,
	author_name    VARCHAR,
	description    VARCHAR,
	thumbnail_url  VARCHAR,
	image_url      VARCHAR,
	asset_url      VARCHAR,
	release_status VARCHAR,
	platforms      VARCHAR,
	visibility     INTEGER NOT NULL DEFAULT 0,
	updated_at     TIMESTAMP,
	seen_at        TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS cache_entries (
	key         VARCHAR PRIMARY KEY,
	path        VARCHAR NOT NULL,
	size        BIGINT NOT NULL,
	last_access TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS downloads (
	id                VARCHAR PRIMARY KEY,
	item_id           VARCHAR,
	source            VARCHAR NOT NULL,
	destination       VARCHAR NOT NULL,
	state             VARCHAR NOT NULL,
	bytes_transferred BIGINT NOT NULL,
	bytes_total       BIGINT NOT NULL,
	retry_count       INTEGER NOT NULL,
	last_error_kind   VARCHAR,
	last_error        VARCHAR,
	created_at        TIMESTAMP NOT NULL,
	updated_at        TIMESTAMP NOT NULL
);
`

// InitDuckDB opens the database at path, creating parent directories and
// the schema as needed.
func InitDuckDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return db, nil
}

type Repository struct {
	db *sql.DB
}

// NewRepository wraps an open database.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// NewDuckDBRepository opens the DuckDB file at path.
func NewDuckDBRepository(path string) (*Repository, error) {
	db, err := InitDuckDB(path)
	if err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

// SaveItems upserts items. Visibility flags accumulate across listings.
func (r *Repository) SaveItems(items []ItemRecord) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, it := range items {
		_, err := tx.Exec(`
			INSERT INTO items (id, name, author_id, author_name, description, thumbnail_url,
				image_url, asset_url, release_status, platforms, visibility, updated_at, seen_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				author_id = excluded.author_id,
				author_name = excluded.author_name,
				description = excluded.description,
				thumbnail_url = excluded.thumbnail_url,
				image_url = excluded.image_url,
				asset_url = COALESCE(excluded.asset_url, asset_url),
				release_status = excluded.release_status,
				platforms = excluded.platforms,
				visibility = visibility | excluded.visibility,
				updated_at = excluded.updated_at,
				seen_at = excluded.seen_at`,
			it.ID, it.Name, it.AuthorID, it.AuthorName, it.Description, it.ThumbnailURL,
			it.ImageURL, nullString(it.AssetURL), it.ReleaseStatus, strings.Join(it.Platforms, ","),
			int(it.Visibility), nullTime(it.UpdatedAt), now,
		)
		if err != nil {
			return fmt.Errorf("save item %s: %w", it.ID, err)
		}
	}

	return tx.Commit()
}

const itemColumns = `id, name, author_id, author_name, description, thumbnail_url, image_url,
	asset_url, release_status, platforms, visibility, updated_at`

// GetItem returns nil when the item is unknown.
func (r *Repository) GetItem(id string) (*ItemRecord, error) {
	row := r.db.QueryRow(`SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ListItems returns stored items carrying any flag in vis, all items when
// vis is zero, most recently updated first.
func (r *Repository) ListItems(vis Visibility) ([]ItemRecord, error) {
	query := `SELECT ` + itemColumns + ` FROM items`
	var args []any
	if vis != 0 {
		query += ` WHERE (visibility & ?) <> 0`
		args = append(args, int(vis))
	}
	query += ` ORDER BY updated_at DESC NULLS LAST, name`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []ItemRecord
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (ItemRecord, error) {
	var (
		it                                     ItemRecord
		authorID, authorName, description      sql.NullString
		thumb, image, asset, status, platforms sql.NullString
		visibility                             int
		updated                                sql.NullTime
	)
	err := s.Scan(&it.ID, &it.Name, &authorID, &authorName, &description, &thumb, &image,
		&asset, &status, &platforms, &visibility, &updated)
	if err != nil {
		return ItemRecord{}, err
	}
	it.AuthorID = authorID.String
	it.AuthorName = authorName.String
	it.Description = description.String
	it.ThumbnailURL = thumb.String
	it.ImageURL = image.String
	it.AssetURL = asset.String
	it.ReleaseStatus = status.String
	if platforms.String != "" {
		it.Platforms = strings.Split(platforms.String, ",")
	}
	it.Visibility = Visibility(visibility)
	if updated.Valid {
		t := updated.Time
		it.UpdatedAt = &t
	}
	return it, nil
}

// SaveCacheEntry upserts a cache index entry.
func (r *Repository) SaveCacheEntry(e CacheEntry) error {
	_, err := r.db.Exec(`
		INSERT INTO cache_entries (key, path, size, last_access) VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			path = excluded.path,
			size = excluded.size,
			last_access = excluded.last_access`,
		e.Key, e.Path, e.Size, e.LastAccess.UTC(),
	)
	return err
}

func (r *Repository) DeleteCacheEntry(key string) error {
	_, err := r.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key)
	return err
}

// ListCacheEntries returns the index, least recently used first.
func (r *Repository) ListCacheEntries() ([]CacheEntry, error) {
	rows, err := r.db.Query(`SELECT key, path, size, last_access FROM cache_entries ORDER BY last_access ASC, key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []CacheEntry
	for rows.Next() {
		var e CacheEntry
		if err := rows.Scan(&e.Key, &e.Path, &e.Size, &e.LastAccess); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SaveDownload records a job in the download history.
func (r *Repository) SaveDownload(job DownloadJob) error {
	_, err := r.db.Exec(`
		INSERT INTO downloads (id, item_id, source, destination, state, bytes_transferred,
			bytes_total, retry_count, last_error_kind, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			bytes_transferred = excluded.bytes_transferred,
			bytes_total = excluded.bytes_total,
			retry_count = excluded.retry_count,
			last_error_kind = excluded.last_error_kind,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		job.ID, job.ItemID, job.Source, job.Destination, string(job.State), job.BytesTransferred,
		job.BytesTotal, job.RetryCount, job.LastErrorKind, job.LastError,
		job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
	)
	return err
}

// ListDownloads returns the most recent history entries. A limit of zero
// or less returns everything.
func (r *Repository) ListDownloads(limit int) ([]DownloadJob, error) {
	query := `SELECT id, item_id, source, destination, state, bytes_transferred, bytes_total,
		retry_count, last_error_kind, last_error, created_at, updated_at
		FROM downloads ORDER BY updated_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []DownloadJob
	for rows.Next() {
		var (
			j                 DownloadJob
			itemID, kind, msg sql.NullString
			state             string
		)
		err := rows.Scan(&j.ID, &itemID, &j.Source, &j.Destination, &state, &j.BytesTransferred,
			&j.BytesTotal, &j.RetryCount, &kind, &msg, &j.CreatedAt, &j.UpdatedAt)
		if err != nil {
			return nil, err
		}
		j.ItemID = itemID.String
		j.State = JobState(state)
		j.LastErrorKind = kind.String
		j.LastError = msg.String
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
