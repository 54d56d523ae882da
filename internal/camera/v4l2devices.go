package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// firstFrameTimeout は最初のフレームを待つ上限
	firstFrameTimeout = 5 * time.Second
	// streamerExitTimeout はトラック停止時にffmpegの終了を待つ上限
	streamerExitTimeout = 3 * time.Second
)

var (
	errTrackStopped   = errors.New("トラックは停止しています")
	errStreamerExited = errors.New("キャプチャプロセスが終了しました")
)

// ControlSetter はカメラ設定（明度など）を変更できるストリーム
type ControlSetter interface {
	SetControl(ctx context.Context, name string, value int) error
}

// JPEGSource は最新フレームをJPEGのまま取り出せるストリーム
type JPEGSource interface {
	LatestJPEG() ([]byte, bool)
}

// frameStreamer はデバイスからJPEGフレームを流す
type frameStreamer interface {
	StartStream(ctx context.Context, frameChan chan<- []byte, errorChan chan<- error)
	SetControl(ctx context.Context, name string, value int) error
}

// V4L2Devices はV4L2デバイスを使う MediaDevices 実装
type V4L2Devices struct {
	discovery   Discovery
	logger      *slog.Logger
	newStreamer func(device string, width, height, fps int) frameStreamer
}

// NewV4L2Devices は新しいV4L2Devicesを作成する
func NewV4L2Devices(discovery Discovery, logger *slog.Logger) *V4L2Devices {
	if logger == nil {
		logger = slog.Default()
	}
	return &V4L2Devices{
		discovery: discovery,
		logger:    logger,
		newStreamer: func(device string, width, height, fps int) frameStreamer {
			return NewV4L2Capturer(device, width, height, fps, logger)
		},
	}
}

// EnumerateDevices は検出されたデバイスの情報を返す
func (d *V4L2Devices) EnumerateDevices(ctx context.Context) ([]DeviceInfo, error) {
	devices, err := d.discovery.ScanDevices(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]DeviceInfo, 0, len(devices))
	for _, device := range devices {
		info, err := d.discovery.GetDeviceInfo(ctx, device)
		if err != nil {
			d.logger.Warn("デバイス情報の取得に失敗しました", "device", device, "error", err)
			continue
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

// GetUserMedia は条件に合うデバイスでffmpegストリーミングを開始する
// V4L2はカメラの向きを報告しないため FacingMode は無視される
func (d *V4L2Devices) GetUserMedia(ctx context.Context, constraints Constraints) (MediaStream, error) {
	info, err := d.resolveDevice(ctx, constraints)
	if err != nil {
		return nil, err
	}

	if err := d.discovery.CheckAccess(ctx, info.ID); err != nil {
		return nil, err
	}

	caps := info.Capabilities()
	res := chooseResolution(info.Resolutions, constraints.Width, constraints.Height)
	fps := constraints.FrameRate
	if caps.MaxFrameRate > 0 {
		fps = fitTo(fps, caps.MaxFrameRate)
	}

	settings := Constraints{
		DeviceID:  info.ID,
		Width:     res.Width,
		Height:    res.Height,
		FrameRate: fps,
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stream := &v4l2Stream{
		id:          uuid.NewString(),
		streamer:    d.newStreamer(info.ID, res.Width, res.Height, fps),
		ctx:         streamCtx,
		cancel:      cancel,
		frames:      make(chan []byte, 10),
		errs:        make(chan error, 5),
		ready:       make(chan struct{}),
		exited:      make(chan struct{}),
		firstFrame:  firstFrameTimeout,
		exitTimeout: streamerExitTimeout,
		logger:      d.logger,
	}
	stream.track = &v4l2Track{
		id:       uuid.NewString(),
		label:    info.Label,
		settings: settings,
		caps:     caps,
		stream:   stream,
	}

	go func() {
		defer close(stream.exited)
		stream.streamer.StartStream(streamCtx, stream.frames, stream.errs)
	}()
	go stream.forwardFrames(streamCtx)

	d.logger.Debug("V4L2ストリームを開始しました", "device", info.ID, "width", res.Width, "height", res.Height, "fps", fps)
	return stream, nil
}

// resolveDevice はデバイスIDの指定があればそれを、なければ最初のデバイスを選ぶ
func (d *V4L2Devices) resolveDevice(ctx context.Context, constraints Constraints) (*DeviceInfo, error) {
	if constraints.DeviceID != "" {
		info, err := d.discovery.GetDeviceInfo(ctx, constraints.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("デバイス %s: %w", constraints.DeviceID, ErrOverconstrained)
		}
		return info, nil
	}

	devices, err := d.discovery.ScanDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}
	if len(devices) == 0 {
		return nil, ErrNotFound
	}

	return d.discovery.GetDeviceInfo(ctx, devices[0])
}

// chooseResolution は理想値以下で最大の解像度を選ぶ
// 理想値以下のものがなければ最小の解像度を使う
func chooseResolution(supported []Resolution, idealWidth, idealHeight int) Resolution {
	if len(supported) == 0 {
		if idealWidth > 0 && idealHeight > 0 {
			return Resolution{Width: idealWidth, Height: idealHeight}
		}
		return Resolution{Width: 640, Height: 480}
	}

	var best, smallest Resolution
	for _, r := range supported {
		if smallest.Width == 0 || r.Width*r.Height < smallest.Width*smallest.Height {
			smallest = r
		}
		fits := (idealWidth <= 0 || r.Width <= idealWidth) && (idealHeight <= 0 || r.Height <= idealHeight)
		if fits && r.Width*r.Height > best.Width*best.Height {
			best = r
		}
	}

	if best.Width == 0 {
		return smallest
	}
	return best
}

// v4l2Stream はffmpegからのフレームを保持するストリーム
type v4l2Stream struct {
	id       string
	track    *v4l2Track
	streamer frameStreamer
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *slog.Logger

	frames chan []byte
	errs   chan error
	// exited はStartStreamが戻ると閉じられる
	exited chan struct{}

	firstFrame  time.Duration
	exitTimeout time.Duration

	mu        sync.RWMutex
	latest    []byte
	lastErr   error
	ready     chan struct{}
	readyOnce sync.Once
}

func (s *v4l2Stream) ID() string {
	return s.id
}

func (s *v4l2Stream) Tracks() []Track {
	return []Track{s.track}
}

// forwardFrames はキャプチャからのフレームを最新フレームとして保持する
func (s *v4l2Stream) forwardFrames(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case frame := <-s.frames:
			s.mu.Lock()
			s.latest = frame
			s.mu.Unlock()
			s.readyOnce.Do(func() { close(s.ready) })

		case err := <-s.errs:
			s.mu.Lock()
			s.lastErr = err
			s.mu.Unlock()
			s.logger.Warn("V4L2ストリームでエラーが発生しました", "stream_id", s.id, "error", err)
		}
	}
}

// LatestJPEG は最新フレームのJPEGデータを返す
func (s *v4l2Stream) LatestJPEG() ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return nil, false
	}
	return s.latest, true
}

// Snapshot は最新フレームをデコードして返す
// 最初のフレームは firstFrame まで待ち、キャプチャプロセスが終了していればエラーを返す
func (s *v4l2Stream) Snapshot(ctx context.Context) (image.Image, error) {
	if s.track.Stopped() {
		return nil, errTrackStopped
	}

	select {
	case <-s.exited:
		return nil, s.exitError()
	default:
	}

	timer := time.NewTimer(s.firstFrame)
	defer timer.Stop()

	select {
	case <-s.ready:
	case <-s.exited:
		return nil, s.exitError()
	case <-s.ctx.Done():
		return nil, errTrackStopped
	case <-ctx.Done():
		return nil, s.waitError(ctx.Err())
	case <-timer.C:
		return nil, s.waitError(fmt.Errorf("%s以内にフレームが届きませんでした", s.firstFrame))
	}

	data, _ := s.LatestJPEG()
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("JPEG画像のデコードに失敗: %w", err)
	}
	return img, nil
}

func (s *v4l2Stream) lastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// exitError はキャプチャプロセス終了時のエラーを返す
func (s *v4l2Stream) exitError() error {
	if s.track.Stopped() {
		return errTrackStopped
	}
	if lastErr := s.lastError(); lastErr != nil {
		return fmt.Errorf("%w: %w", errStreamerExited, lastErr)
	}
	return errStreamerExited
}

// waitError は最初のフレーム待ちが打ち切られた理由を返す
func (s *v4l2Stream) waitError(cause error) error {
	if lastErr := s.lastError(); lastErr != nil {
		return fmt.Errorf("フレームがまだ取得されていません: %w", lastErr)
	}
	return cause
}

// SetControl はデバイスのコントロールを変更する
func (s *v4l2Stream) SetControl(ctx context.Context, name string, value int) error {
	if value < 0 || value > 100 {
		return fmt.Errorf("設定値は0から100の範囲で指定してください: %d", value)
	}
	return s.streamer.SetControl(ctx, name, value)
}

type v4l2Track struct {
	id       string
	label    string
	settings Constraints
	caps     Capabilities
	stream   *v4l2Stream
	stopped  atomic.Bool
}

func (t *v4l2Track) ID() string                 { return t.id }
func (t *v4l2Track) Label() string              { return t.label }
func (t *v4l2Track) Capabilities() Capabilities { return t.caps }
func (t *v4l2Track) Settings() Constraints      { return t.settings }
func (t *v4l2Track) Stopped() bool              { return t.stopped.Load() }

// Stop はffmpegを終了させ、デバイスが解放されるまで待つ
func (t *v4l2Track) Stop() {
	if !t.stopped.CompareAndSwap(false, true) {
		return
	}
	t.stream.cancel()

	select {
	case <-t.stream.exited:
	case <-time.After(t.stream.exitTimeout):
		t.stream.logger.Warn("キャプチャプロセスの終了待ちがタイムアウトしました", "stream_id", t.stream.id)
	}
}
