package camera

import (
	"context"
	"errors"
	"image"
	"time"
)

// State はキャプチャクライアントの状態を表す
type State string

const (
	StateIdle      State = "idle"      // セッションなし
	StateAcquiring State = "acquiring" // ストリーム取得中
	StateStreaming State = "streaming" // ストリーミング中（キャプチャループ動作中）
)

// Controls はUIのボタン状態を表す
type Controls struct {
	StartEnabled   bool `json:"start_enabled"`
	StopEnabled    bool `json:"stop_enabled"`
	CaptureEnabled bool `json:"capture_enabled"`
}

// ControlsFor は状態に対応するボタン状態を返す
func ControlsFor(state State) Controls {
	switch state {
	case StateStreaming:
		return Controls{StopEnabled: true, CaptureEnabled: true}
	case StateAcquiring:
		return Controls{}
	default:
		return Controls{StartEnabled: true}
	}
}

// FacingMode はカメラの向きを表す
type FacingMode string

const (
	FacingUser        FacingMode = "user"        // 前面カメラ
	FacingEnvironment FacingMode = "environment" // 背面カメラ
)

// Constraints はストリーム取得時の要求条件
type Constraints struct {
	DeviceID   string     `json:"device_id,omitempty"` // 空でなければ厳密一致で指定
	FacingMode FacingMode `json:"facing_mode,omitempty"`
	Width      int        `json:"width,omitempty"`      // 理想の幅
	Height     int        `json:"height,omitempty"`     // 理想の高さ
	FrameRate  int        `json:"frame_rate,omitempty"` // 理想のフレームレート
}

// Capabilities はハードウェアが報告する上限値
type Capabilities struct {
	MaxWidth     int `json:"max_width"`
	MaxHeight    int `json:"max_height"`
	MaxFrameRate int `json:"max_frame_rate"`
}

// Resolution はカメラの解像度を表す
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DeviceInfo は映像入力デバイスの情報を表す
type DeviceInfo struct {
	ID          string       `json:"id"`    // デバイスID（V4L2ではデバイスパス）
	Label       string       `json:"label"` // 表示名
	Kind        string       `json:"kind"`
	Driver      string       `json:"driver,omitempty"`
	Facing      FacingMode   `json:"facing,omitempty"`
	Resolutions []Resolution `json:"resolutions,omitempty"`
	FrameRates  []int        `json:"frame_rates,omitempty"`
	Formats     []string     `json:"formats,omitempty"`
}

// KindVideoInput は映像入力デバイスの種別
const KindVideoInput = "videoinput"

// Capabilities はデバイス情報から上限値を算出する
func (d DeviceInfo) Capabilities() Capabilities {
	var caps Capabilities
	for _, r := range d.Resolutions {
		if r.Width*r.Height > caps.MaxWidth*caps.MaxHeight {
			caps.MaxWidth = r.Width
			caps.MaxHeight = r.Height
		}
	}
	for _, fps := range d.FrameRates {
		if fps > caps.MaxFrameRate {
			caps.MaxFrameRate = fps
		}
	}
	return caps
}

// Track はストリーム内の1本の映像トラック
type Track interface {
	ID() string
	Label() string
	Capabilities() Capabilities
	Settings() Constraints
	Stop()
	Stopped() bool
}

// MediaStream はライブ映像ストリーム
type MediaStream interface {
	ID() string
	Tracks() []Track
	// Snapshot は現在の映像フレームを返す
	Snapshot(ctx context.Context) (image.Image, error)
}

// MediaDevices はデバイス列挙とストリーム取得の境界
type MediaDevices interface {
	EnumerateDevices(ctx context.Context) ([]DeviceInfo, error)
	GetUserMedia(ctx context.Context, constraints Constraints) (MediaStream, error)
}

// デバイス境界のエラー
var (
	ErrPermissionDenied = errors.New("カメラへのアクセスが拒否されました")
	ErrNotFound         = errors.New("カメラデバイスが見つかりません")
	ErrOverconstrained  = errors.New("要求された条件を満たすカメラがありません")
)

// Preview はライブプレビューとキャプチャ結果の表示先
type Preview interface {
	Attach(stream MediaStream)
	Detach()
	// ShowCapture はキャプチャ画像を表示し、その参照URLを返す
	ShowCapture(frame *Frame) string
}

// Level は通知メッセージの重要度
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notifier はユーザーへの一時的なメッセージ表示を担う
type Notifier interface {
	Notify(level Level, message string)
}

// Haptics は触覚フィードバックを提供する
type Haptics interface {
	Vibrate(ctx context.Context, d time.Duration) error
}

// EventType はクライアントが発行するイベントの種別
type EventType string

const (
	EventState        EventType = "state"
	EventDetection    EventType = "detection"
	EventCaptureError EventType = "capture_error"
)

// Event は状態変化やキャプチャ結果の通知
type Event struct {
	Type          EventType `json:"type"`
	State         State     `json:"state,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	FrameID       string    `json:"frame_id,omitempty"`
	FrameURL      string    `json:"frame_url,omitempty"`
	FacesDetected int       `json:"faces_detected,omitempty"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
