package backend

import (
	"context"
	"image"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/image/draw"
)

// BufferOptions はセッションごとのフレームバッファの設定
type BufferOptions struct {
	MaxSize          int           // 保持する最大フレーム数
	Timeout          time.Duration // これより古いフレームは処理前に捨てる
	SkipFrames       int           // n枚に1枚を保持
	ProcessingWidth  int
	ProcessingHeight int
	IdleTimeout      time.Duration // これより長く受信がないバッファは破棄する
}

// DefaultBufferOptions は既定のバッファ設定
func DefaultBufferOptions() BufferOptions {
	return BufferOptions{
		MaxSize:          30,
		Timeout:          time.Second,
		SkipFrames:       2,
		ProcessingWidth:  640,
		ProcessingHeight: 480,
		IdleTimeout:      5 * time.Minute,
	}
}

// BufferedFrame はバッファ内の1フレーム
type BufferedFrame struct {
	Image     image.Image // 処理用に縮小した画像
	Original  image.Image
	SessionID string
	Timestamp time.Time
	Processed bool
}

// BufferStatus はバッファの状態
type BufferStatus struct {
	BufferSize   int      `json:"buffer_size"`
	MaxSize      int      `json:"max_size"`
	LastFrameAge *float64 `json:"last_frame_age"` // 秒。未受信なら null
	IsProcessing bool     `json:"is_processing"`
}

// FrameBuffer は1セッション分の受信フレームを保持するリングバッファ
type FrameBuffer struct {
	opts BufferOptions
	now  func() time.Time

	mu            sync.Mutex
	frames        []*BufferedFrame
	counter       int
	lastFrameTime time.Time
	processing    bool
}

// NewFrameBuffer は新しいFrameBufferを作成する
func NewFrameBuffer(opts BufferOptions) *FrameBuffer {
	def := DefaultBufferOptions()
	if opts.MaxSize <= 0 {
		opts.MaxSize = def.MaxSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.SkipFrames <= 0 {
		opts.SkipFrames = def.SkipFrames
	}
	if opts.ProcessingWidth <= 0 || opts.ProcessingHeight <= 0 {
		opts.ProcessingWidth, opts.ProcessingHeight = def.ProcessingWidth, def.ProcessingHeight
	}
	return &FrameBuffer{opts: opts, now: time.Now}
}

// Add はフレームを追加する。間引き対象の場合は保持せず false を返す
func (b *FrameBuffer) Add(img image.Image, sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counter++
	if b.counter%b.opts.SkipFrames != 0 {
		return false
	}

	now := b.now()
	b.frames = append(b.frames, &BufferedFrame{
		Image:     resize(img, b.opts.ProcessingWidth, b.opts.ProcessingHeight),
		Original:  img,
		SessionID: sessionID,
		Timestamp: now,
	})
	if over := len(b.frames) - b.opts.MaxSize; over > 0 {
		b.frames = b.frames[over:]
	}
	b.lastFrameTime = now
	return true
}

// Next は期限切れのフレームを捨て、未処理の最も古いフレームを処理済みにして返す
func (b *FrameBuffer) Next() (*BufferedFrame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for len(b.frames) > 0 && now.Sub(b.frames[0].Timestamp) > b.opts.Timeout {
		b.frames = b.frames[1:]
	}

	for _, f := range b.frames {
		if !f.Processed {
			f.Processed = true
			return f, true
		}
	}
	return nil, false
}

// Detector は処理用フレームから顔の数を数える
type Detector interface {
	CountFaces(img image.Image) (int, error)
}

// NoDetector は常に0を返す。検出アルゴリズムを組み込むまでの既定値
type NoDetector struct{}

func (NoDetector) CountFaces(image.Image) (int, error) { return 0, nil }

// Process は次の未処理フレームを検出器にかけ、検出数を返す
// 未処理フレームがなければ false を返す
func (b *FrameBuffer) Process(detector Detector) (int, bool, error) {
	frame, ok := b.Next()
	if !ok {
		return 0, false, nil
	}

	b.mu.Lock()
	b.processing = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.processing = false
		b.mu.Unlock()
	}()

	faces, err := detector.CountFaces(frame.Image)
	if err != nil {
		return 0, true, err
	}
	return faces, true, nil
}

// Clear はバッファを空にする
func (b *FrameBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = nil
}

// Status はバッファの状態を返す
func (b *FrameBuffer) Status() BufferStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	status := BufferStatus{
		BufferSize:   len(b.frames),
		MaxSize:      b.opts.MaxSize,
		IsProcessing: b.processing,
	}
	if !b.lastFrameTime.IsZero() {
		age := b.now().Sub(b.lastFrameTime).Seconds()
		status.LastFrameAge = &age
	}
	return status
}

// resize は処理用の解像度に縮小する
func resize(src image.Image, width, height int) image.Image {
	if src.Bounds().Dx() == width && src.Bounds().Dy() == height {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// Manager はセッションIDごとのFrameBufferを管理する
// IdleTimeout を過ぎても受信のないバッファは EvictIdle で破棄される
type Manager struct {
	opts BufferOptions
	now  func() time.Time

	mu       sync.Mutex
	buffers  map[string]*FrameBuffer
	lastUsed map[string]time.Time
}

// NewManager は新しいManagerを作成する
func NewManager(opts BufferOptions) *Manager {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultBufferOptions().IdleTimeout
	}
	return &Manager{
		opts:     opts,
		now:      time.Now,
		buffers:  make(map[string]*FrameBuffer),
		lastUsed: make(map[string]time.Time),
	}
}

// Get はバッファを返す。create が true なら存在しない場合に作成し、受信時刻を更新する
func (m *Manager) Get(sessionID string, create bool) (*FrameBuffer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buffers[sessionID]
	if !ok && create {
		b = NewFrameBuffer(m.opts)
		m.buffers[sessionID] = b
		ok = true
	}
	if create {
		m.lastUsed[sessionID] = m.now()
	}
	return b, ok
}

// EvictIdle は IdleTimeout より長く受信のないバッファを破棄し、そのセッションIDを返す
func (m *Manager) EvictIdle() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var evicted []string
	for id, used := range m.lastUsed {
		if now.Sub(used) <= m.opts.IdleTimeout {
			continue
		}
		if b, ok := m.buffers[id]; ok {
			b.Clear()
		}
		delete(m.buffers, id)
		delete(m.lastUsed, id)
		evicted = append(evicted, id)
	}
	sort.Strings(evicted)
	return evicted
}

// Run は interval ごとに EvictIdle を実行する。ctx がキャンセルされると戻る
func (m *Manager) Run(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := m.EvictIdle(); len(evicted) > 0 {
				logger.Info("使われていないバッファを破棄しました", "count", len(evicted), "session_ids", evicted)
			}
		}
	}
}

// Remove はバッファを削除する
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.buffers[sessionID]; ok {
		b.Clear()
		delete(m.buffers, sessionID)
	}
	delete(m.lastUsed, sessionID)
}

// Statuses は全バッファの状態を返す
func (m *Manager) Statuses() map[string]BufferStatus {
	m.mu.Lock()
	buffers := make(map[string]*FrameBuffer, len(m.buffers))
	for id, b := range m.buffers {
		buffers[id] = b
	}
	m.mu.Unlock()

	statuses := make(map[string]BufferStatus, len(buffers))
	for id, b := range buffers {
		statuses[id] = b.Status()
	}
	return statuses
}
