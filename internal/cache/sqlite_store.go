package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteFileName 是 sqlite 后端在 StoragePath 下使用的数据库文件名。
const SQLiteFileName = "shellcache.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS buckets (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	bucket    TEXT    NOT NULL REFERENCES buckets(name) ON DELETE CASCADE,
	method    TEXT    NOT NULL,
	url       TEXT    NOT NULL,
	status    INTEGER NOT NULL,
	header    TEXT    NOT NULL,
	body      BLOB    NOT NULL,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (bucket, method, url)
);
`

// sqliteStore 把全部缓存桶放在单个 SQLite 文件中，批量写入在同一事务内完成。
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore 打开（或创建）<basePath>/shellcache.db 并初始化表结构。
func NewSQLiteStore(basePath string) (Storage, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, errors.New("storage path required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	dsn := filepath.Join(abs, SQLiteFileName) +
		"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单连接避免 SQLITE_BUSY，写入本身已经是串行的
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Open(ctx context.Context, name string) (Bucket, error) {
	if !validBucketName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBucketName, name)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO buckets (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return &sqliteBucket{db: s.db, name: name}, nil
}

func (s *sqliteStore) Lookup(ctx context.Context, name string) (Bucket, error) {
	if !validBucketName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBucketName, name)
	}
	ok, err := bucketExists(ctx, s.db, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBucketNotFound, name)
	}
	return &sqliteBucket{db: s.db, name: name}, nil
}

func (s *sqliteStore) Has(ctx context.Context, name string) (bool, error) {
	return bucketExists(ctx, s.db, name)
}

func (s *sqliteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM buckets ORDER BY created_at, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStore) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE bucket = ?`, name); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, name)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqliteBucket struct {
	db   *sql.DB
	name string
}

func (b *sqliteBucket) Name() string {
	return b.name
}

func (b *sqliteBucket) Match(ctx context.Context, key RequestKey) (*Response, error) {
	var (
		status    int
		rawHeader string
		body      []byte
		stored    int64
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM entries WHERE bucket = ? AND method = ? AND url = ?`,
		b.name, key.Method, key.URL,
	).Scan(&status, &rawHeader, &body, &stored)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var header http.Header
	if err := json.Unmarshal([]byte(rawHeader), &header); err != nil {
		return nil, fmt.Errorf("decode cached header: %w", err)
	}
	if body == nil {
		body = []byte{}
	}
	return &Response{
		Status:   status,
		Header:   header,
		Body:     body,
		StoredAt: time.Unix(0, stored).UTC(),
	}, nil
}

func (b *sqliteBucket) Put(ctx context.Context, key RequestKey, resp *Response) error {
	return b.PutAll(ctx, []Entry{{Key: key, Response: resp}})
}

func (b *sqliteBucket) PutAll(ctx context.Context, entries []Entry) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if ok, err := bucketExists(ctx, tx, b.name); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: %s", ErrBucketNotFound, b.name)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO entries (bucket, method, url, status, header, body, stored_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(bucket, method, url) DO UPDATE SET
	status = excluded.status,
	header = excluded.header,
	body = excluded.body,
	stored_at = excluded.stored_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, entry := range entries {
		if entry.Response == nil {
			return fmt.Errorf("nil response for %s", entry.Key)
		}
		rawHeader, err := json.Marshal(entry.Response.Header)
		if err != nil {
			return err
		}
		body := entry.Response.Body
		if body == nil {
			body = []byte{}
		}
		if _, err := stmt.ExecContext(ctx,
			b.name, entry.Key.Method, entry.Key.URL,
			entry.Response.Status, string(rawHeader), body,
			storedAt(entry.Response).UnixNano(),
		); err != nil {
			return fmt.Errorf("store %s: %w", entry.Key, err)
		}
	}
	return tx.Commit()
}

func (b *sqliteBucket) Delete(ctx context.Context, key RequestKey) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM entries WHERE bucket = ? AND method = ? AND url = ?`,
		b.name, key.Method, key.URL)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (b *sqliteBucket) Keys(ctx context.Context) ([]RequestKey, error) {
	if ok, err := bucketExists(ctx, b.db, b.name); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrBucketNotFound
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT method, url FROM entries WHERE bucket = ? ORDER BY url, method`, b.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []RequestKey
	for rows.Next() {
		var key RequestKey
		if err := rows.Scan(&key.Method, &key.URL); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func bucketExists(ctx context.Context, q queryer, name string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM buckets WHERE name = ?`, name).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
