package config

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Camera   CameraConfig   `yaml:"camera"`
	Upload   UploadConfig   `yaml:"upload"`
	Backend  BackendConfig  `yaml:"backend"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig は操作パネル用HTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// CameraConfig はキャプチャクライアントの設定
type CameraConfig struct {
	Driver      string `yaml:"driver"`       // v4l2 または synthetic
	DeviceClass string `yaml:"device_class"` // auto, mobile, desktop
	DeviceID    string `yaml:"device_id"`    // 起動時に選択するデバイス（空なら自動）
	JPEGQuality int    `yaml:"jpeg_quality"`

	// 顔検出時の振動コマンド（例: [termux-vibrate, -d, "{ms}"]）
	HapticCommand  []string      `yaml:"haptic_command"`
	HapticDuration time.Duration `yaml:"haptic_duration"`

	MessageTTL time.Duration `yaml:"message_ttl"` // 通知メッセージの表示時間
	PreviewFPS int           `yaml:"preview_fps"` // ライブプレビューの配信レート

	Synthetic []SyntheticCamera `yaml:"synthetic"`
}

// SyntheticCamera は仮想カメラの設定
type SyntheticCamera struct {
	ID           string `yaml:"id"`
	Label        string `yaml:"label"`
	Facing       string `yaml:"facing"` // user または environment
	MaxWidth     int    `yaml:"max_width"`
	MaxHeight    int    `yaml:"max_height"`
	MaxFrameRate int    `yaml:"max_frame_rate"`
}

// UploadConfig はフレーム送信先の設定
type UploadConfig struct {
	Endpoint  string        `yaml:"endpoint"` // スキームとホストを含むベースURL
	Timeout   time.Duration `yaml:"timeout"`
	SessionID string        `yaml:"session_id"`
}

// BackendConfig はフレーム処理バックエンドの設定
type BackendConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	BufferSize       int           `yaml:"buffer_size"`    // セッションごとの最大フレーム数
	BufferTimeout    time.Duration `yaml:"buffer_timeout"` // 処理待ちの上限
	SkipFrames       int           `yaml:"skip_frames"`    // n枚に1枚を保持
	ProcessingWidth  int           `yaml:"processing_width"`
	ProcessingHeight int           `yaml:"processing_height"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"` // 受信のないバッファを破棄するまでの時間
}

// DatabaseConfig は受信記録ストアの設定
type DatabaseConfig struct {
	URL            string         `yaml:"url"`
	LocalPath      string         `yaml:"local_path"` // SQLiteのファイルパス
	ConnectTimeout time.Duration  `yaml:"connect_timeout"`
	Supabase       SupabaseConfig `yaml:"supabase"`
}

// SupabaseConfig はURL未指定時に接続文字列を組み立てるための設定
type SupabaseConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       string `yaml:"db"`
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
		},
		Camera: CameraConfig{
			Driver:         "v4l2",
			DeviceClass:    "auto",
			JPEGQuality:    80,
			HapticDuration: 100 * time.Millisecond,
			MessageTTL:     5 * time.Second,
			PreviewFPS:     10,
		},
		Upload: UploadConfig{
			Endpoint: "http://localhost:8000",
			Timeout:  10 * time.Second,
		},
		Backend: BackendConfig{
			Host:             "0.0.0.0",
			Port:             8000,
			BufferSize:       30,
			BufferTimeout:    time.Second,
			SkipFrames:       2,
			ProcessingWidth:  640,
			ProcessingHeight: 480,
			IdleTimeout:      5 * time.Minute,
		},
		Database: DatabaseConfig{
			LocalPath:      "data/shusseki_local.db",
			ConnectTimeout: 5 * time.Second,
			Supabase: SupabaseConfig{
				Host: "localhost",
				Port: 5432,
			},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load は設定を読み込む
// デフォルト値、YAMLファイル（path が空でなければ）、環境変数の順に上書きする
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイル %s の読み込みに失敗: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイル %s の解析に失敗: %w", path, err)
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Backend.Port = getEnvAsIntOrDefault("BACKEND_PORT", c.Backend.Port)

	c.Camera.Driver = getEnvOrDefault("SHUSSEKI_DRIVER", c.Camera.Driver)
	c.Camera.DeviceClass = getEnvOrDefault("SHUSSEKI_DEVICE_CLASS", c.Camera.DeviceClass)
	c.Upload.Endpoint = getEnvOrDefault("SHUSSEKI_ENDPOINT", c.Upload.Endpoint)

	c.Database.URL = getEnvOrDefault("DATABASE_URL", c.Database.URL)
	c.Database.Supabase.User = getEnvOrDefault("SUPABASE_USER", c.Database.Supabase.User)
	c.Database.Supabase.Password = getEnvOrDefault("SUPABASE_PASSWORD", c.Database.Supabase.Password)
	c.Database.Supabase.Host = getEnvOrDefault("SUPABASE_HOST", c.Database.Supabase.Host)
	c.Database.Supabase.Port = getEnvAsIntOrDefault("SUPABASE_PORT", c.Database.Supabase.Port)
	c.Database.Supabase.DB = getEnvOrDefault("SUPABASE_DB", c.Database.Supabase.DB)

	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
	if debug, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && debug {
		c.Log.Level = "debug"
	}
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}
	if c.Backend.Port < 1 || c.Backend.Port > 65535 {
		return fmt.Errorf("無効なバックエンドのポート番号: %d", c.Backend.Port)
	}

	switch c.Camera.Driver {
	case "v4l2", "synthetic":
	default:
		return fmt.Errorf("不明なカメラドライバ: %s", c.Camera.Driver)
	}

	switch strings.ToLower(c.Camera.DeviceClass) {
	case "", "auto", "mobile", "desktop":
	default:
		return fmt.Errorf("不明なデバイス種別: %s", c.Camera.DeviceClass)
	}

	if c.Camera.JPEGQuality < 1 || c.Camera.JPEGQuality > 100 {
		return fmt.Errorf("JPEG品質は1から100の範囲で指定してください: %d", c.Camera.JPEGQuality)
	}

	for i, cam := range c.Camera.Synthetic {
		if cam.ID == "" {
			return fmt.Errorf("仮想カメラ %d のIDが空です", i)
		}
		if cam.MaxWidth <= 0 || cam.MaxHeight <= 0 {
			return fmt.Errorf("仮想カメラ %s の解像度が不正です", cam.ID)
		}
	}

	u, err := url.Parse(c.Upload.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("無効な送信先URL: %s", c.Upload.Endpoint)
	}

	if c.Backend.BufferSize < 1 {
		return fmt.Errorf("バッファサイズは1以上を指定してください: %d", c.Backend.BufferSize)
	}
	if c.Backend.SkipFrames < 1 {
		return fmt.Errorf("skip_frames は1以上を指定してください: %d", c.Backend.SkipFrames)
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// BackendAddress はバックエンドのリッスンアドレスを返す
func (c *Config) BackendAddress() string {
	return fmt.Sprintf("%s:%d", c.Backend.Host, c.Backend.Port)
}

// DatabaseURL はPostgreSQLの接続文字列を返す
// URLが未指定でSupabaseのユーザーとパスワードがあれば組み立てる。どちらもなければ空
func (c *Config) DatabaseURL() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}

	s := c.Database.Supabase
	if s.User == "" || s.Password == "" {
		return ""
	}

	u := url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(s.User, s.Password),
		Host:   fmt.Sprintf("%s:%d", s.Host, s.Port),
		Path:   "/" + s.DB,
	}
	return u.String()
}

// ParseLevel はログレベル名を slog.Level に変換する
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("不明なログレベル: %s", level)
	}
}

// NewLogger は設定のログレベルでテキスト形式のロガーを作成する
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := ParseLevel(c.Log.Level)
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
