package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"shusseki/internal/detection"

	"github.com/google/uuid"
)

// DefaultHapticDuration は顔検出時の振動時間
const DefaultHapticDuration = 100 * time.Millisecond

// Options はClientの生成オプション
type Options struct {
	Devices        MediaDevices       // 必須
	Uploader       detection.Uploader // 必須
	Class          DeviceClass
	Preview        Preview  // 省略可
	Notifier       Notifier // 省略可
	Haptics        Haptics  // nil はプラットフォームに振動機能がないことを表す
	OnEvent        func(Event)
	Logger         *slog.Logger
	JPEGQuality    int
	HapticDuration time.Duration
}

// Session は1回のキャプチャセッション
type Session struct {
	ID          string
	DeviceID    string
	Constraints Constraints
	Policy      LoopPolicy
	StartedAt   time.Time

	stream MediaStream
	active atomic.Bool
	done   chan struct{}
	once   sync.Once

	// ctx は停止時に取り消され、フレーム待ちを打ち切る
	ctx    context.Context
	cancel context.CancelFunc
	// capturing はループと単発キャプチャで共有する実行枠（容量1）
	capturing chan struct{}
}

// Capture は1回のキャプチャ結果
type Capture struct {
	SessionID string
	FrameID   string
	// FrameURL はプレビューに表示された画像のURL。プレビューがなければ空
	FrameURL string
	Result   *detection.Result
}

// HasFaces は顔が検出されたかを返す
func (c *Capture) HasFaces() bool {
	return c != nil && c.Result.HasFaces()
}

// SessionInfo はセッションの公開情報
type SessionInfo struct {
	ID          string      `json:"id"`
	DeviceID    string      `json:"device_id,omitempty"`
	Constraints Constraints `json:"constraints"`
	Policy      string      `json:"policy"`
	StartedAt   time.Time   `json:"started_at"`
}

func newSession(deviceID string, constraints Constraints, policy LoopPolicy, stream MediaStream) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:          uuid.NewString(),
		DeviceID:    deviceID,
		Constraints: constraints,
		Policy:      policy,
		StartedAt:   time.Now(),
		stream:      stream,
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		capturing:   make(chan struct{}, 1),
	}
	s.active.Store(true)
	return s
}

// Active はセッションが有効かを返す
func (s *Session) Active() bool {
	return s != nil && s.active.Load()
}

// Stream はセッションが所有するストリームを返す
func (s *Session) Stream() MediaStream {
	return s.stream
}

// deactivate は有効フラグを落とし、待機中のループとフレーム待ちを起こしてから全トラックを停止する
func (s *Session) deactivate() {
	s.once.Do(func() {
		s.active.Store(false)
		close(s.done)
		s.cancel()
		stopTracks(s.stream)
	})
}

// acquire はキャプチャの実行枠を取得する。セッション停止時は false を返す
func (s *Session) acquire(ctx context.Context) (bool, error) {
	select {
	case s.capturing <- struct{}{}:
		return true, nil
	case <-s.done:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (s *Session) release() {
	<-s.capturing
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		ID:          s.ID,
		DeviceID:    s.DeviceID,
		Constraints: s.Constraints,
		Policy:      s.Policy.Name,
		StartedAt:   s.StartedAt,
	}
}

// Client はカメラ取得からフレーム送信までを管理するキャプチャクライアント
type Client struct {
	devices        MediaDevices
	uploader       detection.Uploader
	class          DeviceClass
	policy         LoopPolicy
	preview        Preview
	notifier       Notifier
	haptics        Haptics
	onEvent        func(Event)
	logger         *slog.Logger
	quality        int
	hapticDuration time.Duration

	// 開始・停止・再選択を直列化する
	opMu sync.Mutex

	mu       sync.RWMutex
	state    State
	selected string
	session  *Session

	wg   sync.WaitGroup
	wait func(ctx context.Context, d time.Duration, done <-chan struct{}) bool
}

// NewClient は新しいClientを作成する
func NewClient(opts Options) (*Client, error) {
	if opts.Devices == nil {
		return nil, fmt.Errorf("MediaDevicesが指定されていません")
	}
	if opts.Uploader == nil {
		return nil, fmt.Errorf("Uploaderが指定されていません")
	}

	class := opts.Class
	if class == "" {
		class = DeviceClassDesktop
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hapticDuration := opts.HapticDuration
	if hapticDuration <= 0 {
		hapticDuration = DefaultHapticDuration
	}
	quality := opts.JPEGQuality
	if quality == 0 {
		quality = DefaultJPEGQuality
	}

	return &Client{
		devices:        opts.Devices,
		uploader:       opts.Uploader,
		class:          class,
		policy:         PolicyFor(class),
		preview:        opts.Preview,
		notifier:       opts.Notifier,
		haptics:        opts.Haptics,
		onEvent:        opts.OnEvent,
		logger:         logger.With("component", "capture"),
		quality:        quality,
		hapticDuration: hapticDuration,
		state:          StateIdle,
		wait:           waitOrDone,
	}, nil
}

// Class はデバイス種別を返す
func (c *Client) Class() DeviceClass {
	return c.class
}

// Policy はセッション開始時に選ばれるループ方針を返す
func (c *Client) Policy() LoopPolicy {
	return c.policy
}

// State は現在の状態を返す
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Controls は現在の状態に対応するボタン状態を返す
func (c *Client) Controls() Controls {
	return ControlsFor(c.State())
}

// SelectedDevice は選択中のデバイスIDを返す
func (c *Client) SelectedDevice() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selected
}

// Session は有効なセッションの情報を返す
func (c *Client) Session() (SessionInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return SessionInfo{}, false
	}
	return c.session.info(), true
}

// Stream は有効なセッションのストリームを返す
func (c *Client) Stream() (MediaStream, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return nil, false
	}
	return c.session.stream, true
}

// EnumerateCameras は権限確認のための試験取得を行った後、映像入力デバイスを列挙する
func (c *Client) EnumerateCameras(ctx context.Context) ([]DeviceInfo, error) {
	// ラベルは権限取得後にしか得られないため、一度ストリームを取得して即座に解放する
	// ストリーミング中は既に権限があるので省略する
	if _, streaming := c.Stream(); !streaming {
		probe, err := c.devices.GetUserMedia(ctx, Constraints{})
		if err != nil {
			c.notify(LevelError, acquisitionMessage(err))
			return nil, fmt.Errorf("カメラ権限の確認に失敗: %w", err)
		}
		stopTracks(probe)
	}

	all, err := c.devices.EnumerateDevices(ctx)
	if err != nil {
		c.notify(LevelError, "カメラ一覧を取得できませんでした")
		return nil, fmt.Errorf("デバイスの列挙に失敗: %w", err)
	}

	cameras := make([]DeviceInfo, 0, len(all))
	for _, device := range all {
		if device.Kind == KindVideoInput {
			cameras = append(cameras, device)
		}
	}

	if len(cameras) == 0 {
		c.notify(LevelError, "カメラが見つかりません")
		return nil, ErrNotFound
	}

	return cameras, nil
}

// Start はセッションを開始する
// deviceID が空の場合は選択中のデバイス（未選択なら取得条件に一致するもの）を使う
func (c *Client) Start(ctx context.Context, deviceID string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if deviceID == "" {
		deviceID = c.SelectedDevice()
	}
	return c.startLocked(ctx, deviceID)
}

// Stop はセッションを停止する。セッションがなければ何もしない
func (c *Client) Stop(_ context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.stopLocked()
	return nil
}

// SelectDevice はデバイスを選択する
// ストリーミング中であれば停止してから選択したデバイスで再開する
func (c *Client) SelectDevice(ctx context.Context, deviceID string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	c.selected = deviceID
	streaming := c.session != nil
	c.mu.Unlock()

	if !streaming {
		return nil
	}
	return c.startLocked(ctx, deviceID)
}

// CaptureFrame は現在のフレームを1枚送信し、検出結果を返す
// ループのキャプチャが処理中であれば完了を待ってから実行する
// セッションがない場合は何もせず nil を返す
func (c *Client) CaptureFrame(ctx context.Context) (*Capture, error) {
	c.mu.RLock()
	s := c.session
	c.mu.RUnlock()

	return c.captureFrame(ctx, s)
}

// Close はセッションを停止し、キャプチャループの終了を待つ
func (c *Client) Close(ctx context.Context) error {
	if err := c.Stop(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startLocked は既存セッションを破棄してから新しいセッションを開始する（opMu取得済み前提）
func (c *Client) startLocked(ctx context.Context, deviceID string) error {
	c.stopLocked()

	c.setState(StateAcquiring, "")

	constraints := DeriveConstraints(ctx, c.devices, c.class, c.logger)
	constraints.DeviceID = deviceID

	stream, err := c.devices.GetUserMedia(ctx, constraints)
	if err != nil {
		c.setState(StateIdle, "")
		c.notify(LevelError, acquisitionMessage(err))
		return fmt.Errorf("カメラの起動に失敗: %w", err)
	}

	s := newSession(deviceID, constraints, c.policy, stream)

	c.mu.Lock()
	c.session = s
	if deviceID != "" {
		c.selected = deviceID
	}
	c.mu.Unlock()

	if c.preview != nil {
		c.preview.Attach(stream)
	}

	c.setState(StateStreaming, s.ID)
	c.logger.Info("キャプチャセッションを開始しました",
		"session_id", s.ID,
		"device_id", deviceID,
		"policy", s.Policy.Name,
		"width", constraints.Width,
		"height", constraints.Height)

	// ループは呼び出し元のキャンセルではなくセッションの停止で終了する
	c.wg.Add(1)
	go c.runLoop(context.WithoutCancel(ctx), s)

	return nil
}

// stopLocked は有効なセッションを停止する（opMu取得済み前提）
func (c *Client) stopLocked() {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()

	if s == nil {
		return
	}

	s.deactivate()
	if c.preview != nil {
		c.preview.Detach()
	}

	c.setState(StateIdle, s.ID)
	c.logger.Info("キャプチャセッションを停止しました", "session_id", s.ID)
}

// runLoop はセッションが有効な間、キャプチャと待機を繰り返す
func (c *Client) runLoop(ctx context.Context, s *Session) {
	defer c.wg.Done()

	policy := s.Policy
	for s.Active() {
		delay := policy.SuccessDelay

		capture, err := c.captureFrame(ctx, s)
		switch {
		case err != nil:
			delay = policy.ErrorDelay
		case capture.HasFaces() && s.Active():
			c.logger.Info("顔を検出しました", "session_id", s.ID, "faces_detected", capture.Result.FacesDetected)
			if policy.HapticOnDetection {
				c.vibrate(ctx)
			}
		}

		if !c.wait(ctx, delay, s.done) {
			return
		}
	}
}

// captureFrame はスナップショット、JPEG化、送信を1回行う
// 同じセッションのキャプチャは実行枠により逐次実行される
func (c *Client) captureFrame(ctx context.Context, s *Session) (*Capture, error) {
	if !s.Active() {
		return nil, nil
	}

	ok, err := s.acquire(ctx)
	if !ok {
		return nil, err
	}
	defer s.release()

	img, err := c.snapshot(ctx, s)
	if err != nil {
		return nil, c.captureFailed(s, fmt.Errorf("フレームの取得に失敗: %w", err))
	}

	frame, err := EncodeFrame(img, c.quality)
	if err != nil {
		return nil, c.captureFailed(s, err)
	}

	result, err := c.uploader.Upload(ctx, s.ID, frame.Data)
	if err != nil {
		return nil, c.captureFailed(s, fmt.Errorf("フレームの送信に失敗: %w", err))
	}

	capture := &Capture{SessionID: s.ID, FrameID: frame.ID, Result: result}

	// 停止後に完了した送信の結果は表示しない
	if !s.Active() {
		c.logger.Debug("停止済みセッションの送信結果を破棄しました", "session_id", s.ID, "frame_id", frame.ID)
		return capture, nil
	}

	if c.preview != nil {
		capture.FrameURL = c.preview.ShowCapture(frame)
	}

	c.emit(Event{
		Type:          EventDetection,
		SessionID:     s.ID,
		FrameID:       frame.ID,
		FrameURL:      capture.FrameURL,
		FacesDetected: result.FacesDetected,
	})

	return capture, nil
}

// snapshot はフレームを取得する。フレーム待ちはセッション停止で打ち切られる
// 送信は打ち切らず、完了した結果を captureFrame が破棄する
func (c *Client) snapshot(ctx context.Context, s *Session) (image.Image, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	return s.stream.Snapshot(ctx)
}

// captureFailed はキャプチャ失敗を記録して返す
// 停止によって打ち切られた場合はイベントを出さない
func (c *Client) captureFailed(s *Session, err error) error {
	if !s.Active() {
		c.logger.Debug("停止によりキャプチャを中断しました", "session_id", s.ID, "error", err)
		return err
	}
	c.logger.Warn("フレームキャプチャに失敗しました", "session_id", s.ID, "error", err)
	c.emit(Event{Type: EventCaptureError, SessionID: s.ID, Error: err.Error()})
	return err
}

// vibrate は振動機能があれば1回だけ振動させる
func (c *Client) vibrate(ctx context.Context) {
	if c.haptics == nil {
		return
	}
	if err := c.haptics.Vibrate(ctx, c.hapticDuration); err != nil {
		c.logger.Debug("振動に失敗しました", "error", err)
	}
}

func (c *Client) setState(state State, sessionID string) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()

	c.emit(Event{Type: EventState, State: state, SessionID: sessionID})
}

func (c *Client) emit(event Event) {
	if c.onEvent == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	c.onEvent(event)
}

func (c *Client) notify(level Level, message string) {
	if c.notifier != nil {
		c.notifier.Notify(level, message)
	}
}

// acquisitionMessage はストリーム取得エラーをユーザー向けメッセージに変換する
func acquisitionMessage(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "カメラへのアクセスが許可されていません"
	case errors.Is(err, ErrNotFound):
		return "カメラが見つかりません"
	case errors.Is(err, ErrOverconstrained):
		return "要求した条件に対応するカメラがありません"
	default:
		return "カメラを起動できませんでした"
	}
}

// waitOrDone は指定時間待機する。セッション停止で起こされた場合は false を返す
func waitOrDone(ctx context.Context, d time.Duration, done <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-done:
		return false
	case <-ctx.Done():
		return false
	}
}
