package cmd

import (
	"context"
	"time"

	"shusseki/internal/backend"
	"shusseki/internal/server"
	"shusseki/internal/store"

	"github.com/spf13/cobra"
)

var (
	backendHost string
	backendPort int
)

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "フレーム処理バックエンドを起動する",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backendHost != "" {
			cfg.Backend.Host = backendHost
		}
		if backendPort != 0 {
			cfg.Backend.Port = backendPort
		}
		return runBackend(cmd.Context())
	},
}

func init() {
	backendCmd.Flags().StringVar(&backendHost, "host", "", "バックエンドのホスト (デフォルト: 0.0.0.0)")
	backendCmd.Flags().IntVar(&backendPort, "port", 0, "バックエンドのポート (デフォルト: 8000)")
	rootCmd.AddCommand(backendCmd)
}

// bufferOptions は設定からバッファ設定を作成する
func bufferOptions() backend.BufferOptions {
	return backend.BufferOptions{
		MaxSize:          cfg.Backend.BufferSize,
		Timeout:          cfg.Backend.BufferTimeout,
		SkipFrames:       cfg.Backend.SkipFrames,
		ProcessingWidth:  cfg.Backend.ProcessingWidth,
		ProcessingHeight: cfg.Backend.ProcessingHeight,
		IdleTimeout:      cfg.Backend.IdleTimeout,
	}
}

// evictInterval は使われていないバッファを確認する間隔
const evictInterval = time.Minute

func runBackend(ctx context.Context) error {
	setGinMode()

	st, err := store.Open(ctx, store.Options{
		PostgresURL:    cfg.DatabaseURL(),
		SQLitePath:     cfg.Database.LocalPath,
		ConnectTimeout: cfg.Database.ConnectTimeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	buffers := backend.NewManager(bufferOptions())
	go buffers.Run(ctx, evictInterval, logger)

	handler := backend.NewHandler(buffers, st, nil, logger)
	srv := server.New(cfg.BackendAddress(), backend.NewRouter(handler), cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, logger)
	return srv.Start(ctx)
}
