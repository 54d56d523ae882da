package camera

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// SyntheticCamera は仮想カメラの定義
type SyntheticCamera struct {
	ID           string
	Label        string
	Facing       FacingMode
	MaxWidth     int
	MaxHeight    int
	MaxFrameRate int
}

// DefaultSyntheticCameras は既定の仮想カメラ構成（前面と背面）
func DefaultSyntheticCameras() []SyntheticCamera {
	return []SyntheticCamera{
		{ID: "synthetic-front", Label: "仮想カメラ（前面）", Facing: FacingUser, MaxWidth: 1280, MaxHeight: 720, MaxFrameRate: 30},
		{ID: "synthetic-rear", Label: "仮想カメラ（背面）", Facing: FacingEnvironment, MaxWidth: 1920, MaxHeight: 1080, MaxFrameRate: 60},
	}
}

// SyntheticDevices はテストパターンを生成する MediaDevices 実装
type SyntheticDevices struct {
	mu      sync.Mutex
	cameras []SyntheticCamera
	streams []*syntheticStream

	// テスト制御用
	permissionDenied bool
	enumerateErr     error
	failNext         int
	acquisitions     int
}

// NewSyntheticDevices は新しいSyntheticDevicesを作成する
func NewSyntheticDevices(cameras []SyntheticCamera) *SyntheticDevices {
	return &SyntheticDevices{cameras: cameras}
}

// EnumerateDevices は仮想カメラ一覧を返す
func (d *SyntheticDevices) EnumerateDevices(_ context.Context) ([]DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.enumerateErr != nil {
		return nil, d.enumerateErr
	}

	devices := make([]DeviceInfo, 0, len(d.cameras))
	for _, cam := range d.cameras {
		devices = append(devices, DeviceInfo{
			ID:          cam.ID,
			Label:       cam.Label,
			Kind:        KindVideoInput,
			Driver:      "synthetic",
			Facing:      cam.Facing,
			Resolutions: []Resolution{{Width: cam.MaxWidth, Height: cam.MaxHeight}},
			FrameRates:  []int{cam.MaxFrameRate},
			Formats:     []string{"RGBA"},
		})
	}
	return devices, nil
}

// GetUserMedia は条件に合う仮想カメラのストリームを返す
func (d *SyntheticDevices) GetUserMedia(_ context.Context, constraints Constraints) (MediaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.acquisitions++

	if d.permissionDenied {
		return nil, ErrPermissionDenied
	}
	if d.failNext > 0 {
		d.failNext--
		return nil, fmt.Errorf("仮想カメラ: 取得に失敗: %w", ErrOverconstrained)
	}

	cam, err := d.selectCamera(constraints)
	if err != nil {
		return nil, err
	}

	settings := Constraints{
		DeviceID:   cam.ID,
		FacingMode: cam.Facing,
		Width:      fitTo(constraints.Width, cam.MaxWidth),
		Height:     fitTo(constraints.Height, cam.MaxHeight),
		FrameRate:  fitTo(constraints.FrameRate, cam.MaxFrameRate),
	}

	stream := &syntheticStream{
		id: uuid.NewString(),
		track: &syntheticTrack{
			id:       uuid.NewString(),
			label:    cam.Label,
			settings: settings,
			caps: Capabilities{
				MaxWidth:     cam.MaxWidth,
				MaxHeight:    cam.MaxHeight,
				MaxFrameRate: cam.MaxFrameRate,
			},
		},
	}
	d.streams = append(d.streams, stream)
	return stream, nil
}

// selectCamera はデバイスID、向きの順でカメラを選ぶ（ロック済み前提）
func (d *SyntheticDevices) selectCamera(constraints Constraints) (SyntheticCamera, error) {
	if len(d.cameras) == 0 {
		return SyntheticCamera{}, ErrNotFound
	}

	if constraints.DeviceID != "" {
		for _, cam := range d.cameras {
			if cam.ID == constraints.DeviceID {
				return cam, nil
			}
		}
		return SyntheticCamera{}, fmt.Errorf("デバイス %s: %w", constraints.DeviceID, ErrOverconstrained)
	}

	if constraints.FacingMode != "" {
		for _, cam := range d.cameras {
			if cam.Facing == constraints.FacingMode {
				return cam, nil
			}
		}
	}

	return d.cameras[0], nil
}

// SetPermissionDenied はテスト用に権限拒否を設定する
func (d *SyntheticDevices) SetPermissionDenied(denied bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.permissionDenied = denied
}

// SetEnumerateError はテスト用に列挙エラーを設定する
func (d *SyntheticDevices) SetEnumerateError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enumerateErr = err
}

// FailNext はテスト用に次のn回の取得を失敗させる
func (d *SyntheticDevices) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = n
}

// Acquisitions はGetUserMediaの呼び出し回数を返す
func (d *SyntheticDevices) Acquisitions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquisitions
}

// ActiveTracks は停止されていないトラック数を返す
func (d *SyntheticDevices) ActiveTracks() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	active := 0
	for _, s := range d.streams {
		if !s.track.Stopped() {
			active++
		}
	}
	return active
}

// fitTo は理想値を上限内に収める。理想値がなければ上限を使う
func fitTo(ideal, limit int) int {
	if ideal <= 0 || ideal > limit {
		return limit
	}
	return ideal
}

type syntheticStream struct {
	id    string
	track *syntheticTrack
	frame atomic.Int64
}

func (s *syntheticStream) ID() string {
	return s.id
}

func (s *syntheticStream) Tracks() []Track {
	return []Track{s.track}
}

// Snapshot はフレーム番号に応じて動くグラデーションを生成する
func (s *syntheticStream) Snapshot(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.track.Stopped() {
		return nil, fmt.Errorf("トラックは停止しています")
	}

	n := int(s.frame.Add(1))
	w, h := s.track.settings.Width, s.track.settings.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8((x + n*8) % 256),
				G: uint8((y + n*4) % 256),
				B: uint8((x + y) % 256),
				A: 0xFF,
			})
		}
	}
	return img, nil
}

type syntheticTrack struct {
	id       string
	label    string
	settings Constraints
	caps     Capabilities
	stopped  atomic.Bool
}

func (t *syntheticTrack) ID() string                 { return t.id }
func (t *syntheticTrack) Label() string              { return t.label }
func (t *syntheticTrack) Capabilities() Capabilities { return t.caps }
func (t *syntheticTrack) Settings() Constraints      { return t.settings }
func (t *syntheticTrack) Stop()                      { t.stopped.Store(true) }
func (t *syntheticTrack) Stopped() bool              { return t.stopped.Load() }
