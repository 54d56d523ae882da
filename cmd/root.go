// Package cmd は shusseki コマンドの実装
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"shusseki/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

// Version はアプリケーションのバージョン
const Version = "0.1.0"

var (
	// cfg と logger はサブコマンドで共有する
	cfg    *config.Config
	logger *slog.Logger

	configPath      string
	driverFlag      string
	deviceClassFlag string
	endpointFlag    string
)

var rootCmd = &cobra.Command{
	Use:           "shusseki",
	Short:         "出席確認用のカメラキャプチャクライアント",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("設定の読み込みに失敗しました: %w", err)
		}
		applyGlobalFlags(c)
		if err := c.Validate(); err != nil {
			return fmt.Errorf("設定が不正です: %w", err)
		}

		cfg = c
		logger = c.NewLogger(os.Stderr)
		slog.SetDefault(logger)
		return nil
	},
}

// applyGlobalFlags はコマンドラインオプションで設定を上書きする
func applyGlobalFlags(c *config.Config) {
	if driverFlag != "" {
		c.Camera.Driver = driverFlag
	}
	if deviceClassFlag != "" {
		c.Camera.DeviceClass = deviceClassFlag
	}
	if endpointFlag != "" {
		c.Upload.Endpoint = endpointFlag
	}
}

// setGinMode はデバッグ時以外 gin のデバッグ出力を抑える
func setGinMode() {
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
}

// Execute はルートコマンドを実行する。Ctrl+C でコンテキストがキャンセルされる
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "設定ファイル（YAML）のパス")
	rootCmd.PersistentFlags().StringVar(&driverFlag, "driver", "", "カメラドライバ (v4l2|synthetic)")
	rootCmd.PersistentFlags().StringVar(&deviceClassFlag, "device-class", "", "デバイス種別 (auto|mobile|desktop)")
	rootCmd.PersistentFlags().StringVar(&endpointFlag, "endpoint", "", "フレーム送信先のベースURL")
}
