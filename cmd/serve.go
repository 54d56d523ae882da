package cmd

import (
	"context"
	"time"

	"shusseki/internal/camera"
	"shusseki/internal/server"

	"github.com/spf13/cobra"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "操作パネルを起動する",
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveHost != "" {
			cfg.Server.Host = serveHost
		}
		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "サーバーのポート (デフォルト: 8080)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	setGinMode()

	preview := server.NewPreviewHub(cfg.Camera.PreviewFPS, cfg.Camera.JPEGQuality, logger)
	messages := server.NewMessageBoard(cfg.Camera.MessageTTL)
	events := server.NewEventHub(logger)
	defer events.Close()
	messages.OnMessage(events.PublishMessage)

	client, err := newCaptureClient(cfg, logger, camera.Options{
		Preview:  preview,
		Notifier: messages,
		OnEvent:  events.PublishEvent,
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Close(closeCtx)
	}()

	if cfg.Camera.DeviceID != "" {
		if err := client.SelectDevice(ctx, cfg.Camera.DeviceID); err != nil {
			return err
		}
	}

	router := server.NewRouter(server.NewHandler(client, preview, messages, events, logger))
	srv := server.New(cfg.ServerAddress(), router, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, logger)
	return srv.Start(ctx)
}
