package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"shusseki/internal/camera"
	"shusseki/internal/config"
	"shusseki/internal/detection"
)

// newDevices は設定のドライバに応じた MediaDevices を作成する
func newDevices(c *config.Config, logger *slog.Logger) (camera.MediaDevices, error) {
	switch c.Camera.Driver {
	case "synthetic":
		return camera.NewSyntheticDevices(syntheticCameras(c.Camera.Synthetic)), nil
	case "v4l2":
		return camera.NewV4L2Devices(camera.NewLinuxDiscovery(), logger), nil
	default:
		return nil, fmt.Errorf("不明なカメラドライバ: %s", c.Camera.Driver)
	}
}

// syntheticCameras は設定の仮想カメラ定義を変換する。空なら既定の構成を使う
func syntheticCameras(list []config.SyntheticCamera) []camera.SyntheticCamera {
	if len(list) == 0 {
		return camera.DefaultSyntheticCameras()
	}

	cameras := make([]camera.SyntheticCamera, 0, len(list))
	for _, sc := range list {
		label := sc.Label
		if label == "" {
			label = sc.ID
		}
		fps := sc.MaxFrameRate
		if fps <= 0 {
			fps = camera.PreferredFrameRate
		}
		cameras = append(cameras, camera.SyntheticCamera{
			ID:           sc.ID,
			Label:        label,
			Facing:       camera.FacingMode(sc.Facing),
			MaxWidth:     sc.MaxWidth,
			MaxHeight:    sc.MaxHeight,
			MaxFrameRate: fps,
		})
	}
	return cameras
}

// newUploader は送信先の設定から detection.HTTPClient を作成する
func newUploader(c *config.Config) (*detection.HTTPClient, error) {
	opts := []detection.Option{detection.WithTimeout(c.Upload.Timeout)}
	if c.Upload.SessionID != "" {
		opts = append(opts, detection.WithSessionID(c.Upload.SessionID))
	}
	return detection.NewHTTPClient(c.Upload.Endpoint, opts...)
}

// newHaptics は振動コマンドが設定されていれば Haptics を返す
// コマンドが見つからない場合は振動なしとして扱う
func newHaptics(c *config.Config, logger *slog.Logger) camera.Haptics {
	if len(c.Camera.HapticCommand) == 0 {
		return nil
	}
	h, err := camera.NewCommandHaptics(c.Camera.HapticCommand)
	if err != nil {
		logger.Warn("振動コマンドを使用できません", "command", c.Camera.HapticCommand, "error", err)
		return nil
	}
	return h
}

// newCaptureClient は設定からキャプチャクライアントを作成する
// opts の Preview, Notifier, OnEvent は呼び出し元が指定する
func newCaptureClient(c *config.Config, logger *slog.Logger, opts camera.Options) (*camera.Client, error) {
	devices, err := newDevices(c, logger)
	if err != nil {
		return nil, err
	}
	uploader, err := newUploader(c)
	if err != nil {
		return nil, err
	}
	class, err := camera.ParseDeviceClass(c.Camera.DeviceClass, os.Getenv("SHUSSEKI_USER_AGENT"))
	if err != nil {
		return nil, err
	}

	opts.Devices = devices
	opts.Uploader = uploader
	opts.Class = class
	opts.Haptics = newHaptics(c, logger)
	opts.Logger = logger
	opts.JPEGQuality = c.Camera.JPEGQuality
	opts.HapticDuration = c.Camera.HapticDuration

	logger.Info("キャプチャクライアントを作成しました",
		"driver", c.Camera.Driver,
		"device_class", class,
		"endpoint", uploader.Endpoint())
	return camera.NewClient(opts)
}

// logNotifier はメッセージをログに出力する camera.Notifier 実装
type logNotifier struct {
	logger *slog.Logger
}

func (n logNotifier) Notify(level camera.Level, message string) {
	if level == camera.LevelError {
		n.logger.Error(message)
		return
	}
	n.logger.Info(message)
}
