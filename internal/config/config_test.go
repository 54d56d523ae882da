package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv はテスト中に参照される環境変数を空にする
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SERVER_HOST", "PORT", "BACKEND_PORT",
		"SHUSSEKI_DRIVER", "SHUSSEKI_DEVICE_CLASS", "SHUSSEKI_ENDPOINT",
		"DATABASE_URL", "SUPABASE_USER", "SUPABASE_PASSWORD", "SUPABASE_HOST", "SUPABASE_PORT", "SUPABASE_DB",
		"LOG_LEVEL", "DEBUG",
	} {
		t.Setenv(key, "")
	}
}

// TestConfigLoad はデフォルト設定の読み込みをテストする
func TestConfigLoad(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Host == "" {
		t.Error("サーバーホストが設定されていません")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("ポート番号が既定値ではありません: %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout <= 0 {
		t.Error("読み込みタイムアウトが設定されていません")
	}
	// WriteTimeout は 0（無効）でも正常
	if cfg.Server.WriteTimeout < 0 {
		t.Error("書き込みタイムアウトが負の値です")
	}

	if cfg.Camera.JPEGQuality != 80 {
		t.Errorf("JPEG品質が既定値ではありません: %d", cfg.Camera.JPEGQuality)
	}
	if cfg.Backend.IdleTimeout != 5*time.Minute {
		t.Errorf("Expected idle timeout 5m, got %v", cfg.Backend.IdleTimeout)
	}
	if cfg.Backend.BufferSize != 30 || cfg.Backend.SkipFrames != 2 {
		t.Errorf("バッファ設定が既定値ではありません: %+v", cfg.Backend)
	}
	if cfg.Backend.ProcessingWidth != 640 || cfg.Backend.ProcessingHeight != 480 {
		t.Errorf("処理解像度が既定値ではありません: %dx%d", cfg.Backend.ProcessingWidth, cfg.Backend.ProcessingHeight)
	}
	if cfg.DatabaseURL() != "" {
		t.Errorf("接続文字列は空のはずです: %s", cfg.DatabaseURL())
	}
}

// TestConfigLoad_File はYAMLファイルからの読み込みをテストする
func TestConfigLoad_File(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `server:
  port: 9090
camera:
  driver: synthetic
  device_class: mobile
  haptic_command: [termux-vibrate, -d, "{ms}"]
  message_ttl: 3s
  synthetic:
    - id: rear
      label: 背面
      facing: environment
      max_width: 1920
      max_height: 1080
      max_frame_rate: 60
upload:
  endpoint: https://attendance.example.com
  timeout: 15s
backend:
  buffer_size: 10
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("設定ファイルの作成に失敗しました: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("ポートが反映されていません: %d", cfg.Server.Port)
	}
	// ファイルにない値はデフォルトのまま
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("ホストのデフォルト値が失われています: %s", cfg.Server.Host)
	}
	if cfg.Camera.Driver != "synthetic" || cfg.Camera.DeviceClass != "mobile" {
		t.Errorf("カメラ設定が反映されていません: %+v", cfg.Camera)
	}
	if len(cfg.Camera.HapticCommand) != 3 || cfg.Camera.HapticCommand[2] != "{ms}" {
		t.Errorf("振動コマンドが反映されていません: %v", cfg.Camera.HapticCommand)
	}
	if cfg.Camera.MessageTTL != 3*time.Second {
		t.Errorf("メッセージ表示時間が反映されていません: %v", cfg.Camera.MessageTTL)
	}
	if len(cfg.Camera.Synthetic) != 1 || cfg.Camera.Synthetic[0].MaxFrameRate != 60 {
		t.Errorf("仮想カメラが反映されていません: %+v", cfg.Camera.Synthetic)
	}
	if cfg.Upload.Endpoint != "https://attendance.example.com" || cfg.Upload.Timeout != 15*time.Second {
		t.Errorf("送信先が反映されていません: %+v", cfg.Upload)
	}
	if cfg.Backend.BufferSize != 10 || cfg.Backend.SkipFrames != 2 {
		t.Errorf("バックエンド設定が不正です: %+v", cfg.Backend)
	}
}

// TestConfigLoad_Errors はファイル読み込みの失敗をテストする
func TestConfigLoad_Errors(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("存在しないファイルでエラーになりませんでした")
	}

	broken := filepath.Join(dir, "broken.yaml")
	_ = os.WriteFile(broken, []byte("server: [unclosed"), 0o644)
	if _, err := Load(broken); err == nil {
		t.Error("不正なYAMLでエラーになりませんでした")
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	_ = os.WriteFile(invalid, []byte("camera:\n  driver: webrtc\n"), 0o644)
	if _, err := Load(invalid); err == nil {
		t.Error("不正なドライバでエラーになりませんでした")
	}
}

// TestConfigValidation は設定の検証をテストする
func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name      string
		modify    func(c *Config)
		expectErr bool
	}{
		{"正常な設定", func(c *Config) {}, false},
		{"無効なポート番号", func(c *Config) { c.Server.Port = 99999 }, true},
		{"無効なバックエンドポート", func(c *Config) { c.Backend.Port = 0 }, true},
		{"不明なドライバ", func(c *Config) { c.Camera.Driver = "gstreamer" }, true},
		{"不明なデバイス種別", func(c *Config) { c.Camera.DeviceClass = "tablet" }, true},
		{"JPEG品質が範囲外", func(c *Config) { c.Camera.JPEGQuality = 0 }, true},
		{"送信先URLのスキームが不正", func(c *Config) { c.Upload.Endpoint = "ftp://example.com" }, true},
		{"送信先URLにホストがない", func(c *Config) { c.Upload.Endpoint = "http://" }, true},
		{"バッファサイズ0", func(c *Config) { c.Backend.BufferSize = 0 }, true},
		{"skip_frames 0", func(c *Config) { c.Backend.SkipFrames = 0 }, true},
		{"不明なログレベル", func(c *Config) { c.Log.Level = "verbose" }, true},
		{"仮想カメラIDなし", func(c *Config) {
			c.Camera.Synthetic = []SyntheticCamera{{MaxWidth: 640, MaxHeight: 480}}
		}, true},
		{"仮想カメラ解像度なし", func(c *Config) {
			c.Camera.Synthetic = []SyntheticCamera{{ID: "cam"}}
		}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(cfg)

			err := cfg.Validate()
			if tc.expectErr && err == nil {
				t.Error("エラーが期待されましたが、エラーが発生しませんでした")
			}
			if !tc.expectErr && err != nil {
				t.Errorf("予期しないエラーが発生しました: %v", err)
			}
		})
	}
}

// TestServerAddress はサーバーアドレスの生成をテストする
func TestServerAddress(t *testing.T) {
	cfg := &Config{
		Server:  ServerConfig{Host: "192.168.1.100", Port: 9090},
		Backend: BackendConfig{Host: "127.0.0.1", Port: 8000},
	}

	if got := cfg.ServerAddress(); got != "192.168.1.100:9090" {
		t.Errorf("サーバーアドレスが一致しません: got %s", got)
	}
	if got := cfg.BackendAddress(); got != "127.0.0.1:8000" {
		t.Errorf("バックエンドアドレスが一致しません: got %s", got)
	}
}

// TestEnvironmentVariables は環境変数の処理をテストする
func TestEnvironmentVariables(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERVER_HOST", "test.example.com")
	t.Setenv("PORT", "9999")
	t.Setenv("SHUSSEKI_ENDPOINT", "http://backend:8000")
	t.Setenv("DEBUG", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Host != "test.example.com" {
		t.Errorf("環境変数のホストが反映されていません: got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("環境変数のポートが反映されていません: got %d", cfg.Server.Port)
	}
	if cfg.Upload.Endpoint != "http://backend:8000" {
		t.Errorf("環境変数の送信先が反映されていません: got %s", cfg.Upload.Endpoint)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("DEBUGでログレベルがdebugになっていません: got %s", cfg.Log.Level)
	}
}

// TestDatabaseURL は接続文字列の組み立てをテストする
func TestDatabaseURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("SUPABASE_USER", "postgres")
	t.Setenv("SUPABASE_PASSWORD", "p@ss/word")
	t.Setenv("SUPABASE_HOST", "db.example.supabase.co")
	t.Setenv("SUPABASE_DB", "attendance")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	got := cfg.DatabaseURL()
	if !strings.HasPrefix(got, "postgresql://postgres:") || !strings.HasSuffix(got, "@db.example.supabase.co:5432/attendance") {
		t.Errorf("接続文字列が不正です: %s", got)
	}
	// パスワードはエスケープされる
	if strings.Contains(got, "p@ss/word") {
		t.Errorf("パスワードがエスケープされていません: %s", got)
	}

	// DATABASE_URL が優先される
	t.Setenv("DATABASE_URL", "postgres://override/db")
	cfg, _ = Load("")
	if cfg.DatabaseURL() != "postgres://override/db" {
		t.Errorf("DATABASE_URLが優先されていません: %s", cfg.DatabaseURL())
	}
}

// TestNewLogger はログレベルの反映をテストする
func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.Log.Level = "warn"

	logger := cfg.NewLogger(&buf)
	logger.Info("表示されない")
	logger.Warn("表示される", "key", "value")

	out := buf.String()
	if strings.Contains(out, "表示されない") {
		t.Error("infoログが出力されています")
	}
	if !strings.Contains(out, "表示される") || !strings.Contains(out, "key=value") {
		t.Errorf("warnログが出力されていません: %s", out)
	}

	if lvl, err := ParseLevel("ERROR"); err != nil || lvl != slog.LevelError {
		t.Errorf("ParseLevel(ERROR) = %v, %v", lvl, err)
	}
}
