// Package store はフレーム受信記録の永続化を担う
//
// PostgreSQL（Supabase）に接続できればそれを使い、できなければローカルのSQLiteに切り替える。
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Receipt は処理エンドポイントが受け付けた1フレームの記録
type Receipt struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Bytes      int       `json:"bytes"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Buffered   bool      `json:"buffered"` // 間引かれずにバッファへ入ったか
	ReceivedAt time.Time `json:"received_at"`
}

// Store は受信記録の保存先
type Store interface {
	SaveReceipt(ctx context.Context, r Receipt) error
	// ListReceipts はセッションの記録を新しい順に最大 limit 件返す
	ListReceipts(ctx context.Context, sessionID string, limit int) ([]Receipt, error)
	Driver() string
	Close() error
}

// Options は Open の設定
type Options struct {
	PostgresURL    string // 空ならPostgreSQLを試さない
	SQLitePath     string
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// Open はPostgreSQLへの接続を試み、失敗した場合はSQLiteを開く
func Open(ctx context.Context, opts Options) (Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if opts.PostgresURL != "" {
		timeout := opts.ConnectTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		connectCtx, cancel := context.WithTimeout(ctx, timeout)
		pg, err := OpenPostgres(connectCtx, opts.PostgresURL)
		cancel()
		if err == nil {
			logger.Info("PostgreSQLに接続しました")
			return pg, nil
		}
		logger.Warn("PostgreSQLへの接続に失敗しました。SQLiteを使用します", "error", err)
	}

	lite, err := OpenSQLite(ctx, opts.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("SQLiteを開けません: %w", err)
	}
	logger.Info("SQLiteに接続しました", "path", opts.SQLitePath)
	return lite, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
