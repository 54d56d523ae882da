package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore はSupabaseなどのPostgreSQLに記録するStore
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres は接続を確立してスキーマを作成する
func OpenPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("スキーマの作成に失敗: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS frame_receipts (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			bytes INT NOT NULL,
			width INT NOT NULL,
			height INT NOT NULL,
			buffered BOOLEAN NOT NULL,
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS frame_receipts_session_idx ON frame_receipts (session_id, received_at);
	`)
	return err
}

func (s *PostgresStore) Driver() string {
	return "postgres"
}

// SaveReceipt は記録を1件追加する
func (s *PostgresStore) SaveReceipt(ctx context.Context, r Receipt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO frame_receipts (id, session_id, bytes, width, height, buffered, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.SessionID, r.Bytes, r.Width, r.Height, r.Buffered, r.ReceivedAt)
	if err != nil {
		return fmt.Errorf("受信記録の保存に失敗: %w", err)
	}
	return nil
}

// ListReceipts はセッションの記録を新しい順に返す
func (s *PostgresStore) ListReceipts(ctx context.Context, sessionID string, limit int) ([]Receipt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, bytes, width, height, buffered, received_at
		FROM frame_receipts WHERE session_id = $1
		ORDER BY received_at DESC LIMIT $2
	`, sessionID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("受信記録の取得に失敗: %w", err)
	}

	receipts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Receipt, error) {
		var r Receipt
		err := row.Scan(&r.ID, &r.SessionID, &r.Bytes, &r.Width, &r.Height, &r.Buffered, &r.ReceivedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("受信記録の読み込みに失敗: %w", err)
	}
	return receipts, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
