package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat は文字列比較で時刻順に並ぶ固定長の形式
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore はローカルファイルに記録するStore
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite はSQLiteファイルを開いてスキーマを作成する
// path が ":memory:" の場合はメモリ上に作成する
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("SQLiteのパスが指定されていません")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("データディレクトリの作成に失敗: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// 書き込みを直列化する
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS frame_receipts (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		bytes INTEGER NOT NULL,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		buffered INTEGER NOT NULL,
		received_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS frame_receipts_session_idx ON frame_receipts (session_id, received_at);`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマの作成に失敗: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) Driver() string {
	return "sqlite"
}

// SaveReceipt は記録を1件追加する
func (s *SQLiteStore) SaveReceipt(ctx context.Context, r Receipt) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO frame_receipts (id, session_id, bytes, width, height, buffered, received_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		r.ID, r.SessionID, r.Bytes, r.Width, r.Height, r.Buffered, r.ReceivedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("受信記録の保存に失敗: %w", err)
	}
	return nil
}

// ListReceipts はセッションの記録を新しい順に返す
func (s *SQLiteStore) ListReceipts(ctx context.Context, sessionID string, limit int) ([]Receipt, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, session_id, bytes, width, height, buffered, received_at FROM frame_receipts WHERE session_id = ? ORDER BY received_at DESC LIMIT ?",
		sessionID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("受信記録の取得に失敗: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var receipts []Receipt
	for rows.Next() {
		var r Receipt
		var receivedAt string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Bytes, &r.Width, &r.Height, &r.Buffered, &receivedAt); err != nil {
			return nil, err
		}
		if r.ReceivedAt, err = time.Parse(timeFormat, receivedAt); err != nil {
			return nil, fmt.Errorf("受信時刻の解析に失敗: %w", err)
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
