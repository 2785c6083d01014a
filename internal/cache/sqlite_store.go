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

var sqliteSchema = []string{`
CREATE TABLE IF NOT EXISTS generations (
	id         TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS entries (
	generation TEXT    NOT NULL,
	key_hash   TEXT    NOT NULL,
	key        TEXT    NOT NULL,
	status     INTEGER NOT NULL,
	header     TEXT    NOT NULL,
	type       TEXT    NOT NULL,
	url        TEXT    NOT NULL,
	body       BLOB,
	stored_at  INTEGER NOT NULL,
	PRIMARY KEY (generation, key_hash)
)`}

// SQLiteStore 把全部代际放在单个 SQLite 文件中，每个条目一行。
type SQLiteStore struct {
	sqlDB *sql.DB
}

// OpenSQLite 打开（必要时创建）path 指向的数据库并初始化表结构。
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	dsn := "file:" + cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	for _, stmt := range sqliteSchema {
		if _, err := sqlDB.Exec(stmt); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("apply sqlite schema: %w", err)
		}
	}
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SQLiteStore) Open(ctx context.Context, generation string) (Bucket, error) {
	if err := validGeneration(generation); err != nil {
		return nil, err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO generations (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		generation, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("create generation %s: %w", generation, err)
	}
	return &sqliteBucket{store: s, generation: generation}, nil
}

func (s *SQLiteStore) Generations(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT id FROM generations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()
	var result []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result = append(result, id)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, generation string) (bool, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM generations WHERE id = ?`, generation)
	if err != nil {
		return false, fmt.Errorf("delete generation %s: %w", generation, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE generation = ?`, generation); err != nil {
		return false, fmt.Errorf("delete entries of %s: %w", generation, err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

type sqliteBucket struct {
	store      *SQLiteStore
	generation string
}

func (b *sqliteBucket) Generation() string {
	return b.generation
}

func (b *sqliteBucket) Get(ctx context.Context, id Identity) (*Response, error) {
	row := b.store.sqlDB.QueryRowContext(ctx,
		`SELECT key, status, header, type, url, body, stored_at FROM entries WHERE generation = ? AND key_hash = ?`,
		b.generation, id.Hash(),
	)
	var (
		key      string
		status   int
		header   string
		typ      string
		url      string
		body     []byte
		storedAt int64
	)
	if err := row.Scan(&key, &status, &header, &typ, &url, &body, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read entry: %w", err)
	}
	if key != id.Key() {
		return nil, ErrNotFound
	}
	resp := &Response{
		Status:   status,
		Header:   http.Header{},
		Body:     body,
		Type:     ResponseType(typ),
		URL:      url,
		StoredAt: time.UnixMilli(storedAt).UTC(),
	}
	if header != "" {
		if err := json.Unmarshal([]byte(header), &resp.Header); err != nil {
			return nil, fmt.Errorf("decode entry header: %w", err)
		}
	}
	return resp, nil
}

func (b *sqliteBucket) Put(ctx context.Context, id Identity, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	stored := stamp(resp)
	header, err := json.Marshal(stored.Header)
	if err != nil {
		return fmt.Errorf("encode entry header: %w", err)
	}
	body := stored.Body
	if body == nil {
		body = []byte{}
	}
	// 单条语句写入：代际不存在时不插入任何行，存在时整行替换。
	res, err := b.store.sqlDB.ExecContext(ctx,
		`INSERT INTO entries (generation, key_hash, key, status, header, type, url, body, stored_at)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM generations WHERE id = ?)
		 ON CONFLICT(generation, key_hash) DO UPDATE SET
		   key = excluded.key,
		   status = excluded.status,
		   header = excluded.header,
		   type = excluded.type,
		   url = excluded.url,
		   body = excluded.body,
		   stored_at = excluded.stored_at`,
		b.generation, id.Hash(), id.Key(), stored.Status, string(header), string(stored.Type), stored.URL,
		body, stored.StoredAt.UTC().UnixMilli(), b.generation,
	)
	if err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrGenerationDeleted
	}
	return nil
}
