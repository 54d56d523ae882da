package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"shusseki/internal/camera"

	"github.com/gin-gonic/gin"
)

const (
	// DefaultPreviewFPS はライブプレビューの配信レート
	DefaultPreviewFPS = 10
	// maxCaptures は保持するキャプチャ画像の数
	maxCaptures = 20
)

// PreviewHub はライブストリームと直近のキャプチャ画像を保持する camera.Preview 実装
type PreviewHub struct {
	fps     int
	quality int
	logger  *slog.Logger

	mu       sync.RWMutex
	stream   camera.MediaStream
	captures map[string]*camera.Frame
	order    []string
}

// NewPreviewHub は新しいPreviewHubを作成する
func NewPreviewHub(fps, quality int, logger *slog.Logger) *PreviewHub {
	if fps <= 0 {
		fps = DefaultPreviewFPS
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PreviewHub{
		fps:      fps,
		quality:  quality,
		logger:   logger.With("component", "preview"),
		captures: make(map[string]*camera.Frame),
	}
}

// Attach はライブプレビューにストリームを接続する
func (p *PreviewHub) Attach(stream camera.MediaStream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stream = stream
}

// Detach はライブプレビューを切断する
func (p *PreviewHub) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stream = nil
}

// Attached は接続中のストリームを返す
func (p *PreviewHub) Attached() (camera.MediaStream, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stream, p.stream != nil
}

// ShowCapture はキャプチャ画像を保持し、その参照URLを返す
func (p *PreviewHub) ShowCapture(frame *camera.Frame) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.captures[frame.ID] = frame
	p.order = append(p.order, frame.ID)
	for len(p.order) > maxCaptures {
		delete(p.captures, p.order[0])
		p.order = p.order[1:]
	}
	return captureURL(frame.ID)
}

// Capture はIDに対応するキャプチャ画像を返す
func (p *PreviewHub) Capture(id string) (*camera.Frame, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f, ok := p.captures[id]
	return f, ok
}

// Latest は直近のキャプチャ画像を返す
func (p *PreviewHub) Latest() (*camera.Frame, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.order) == 0 {
		return nil, false
	}
	return p.captures[p.order[len(p.order)-1]], true
}

func captureURL(id string) string {
	return "/preview/captures/" + id + ".jpg"
}

// ServeCapture はキャプチャ画像を返す。IDに "latest" を指定すると直近の画像を返す
func (p *PreviewHub) ServeCapture(c *gin.Context) {
	id := strings.TrimSuffix(c.Param("id"), ".jpg")

	var frame *camera.Frame
	var ok bool
	if id == "latest" {
		frame, ok = p.Latest()
	} else {
		frame, ok = p.Capture(id)
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "キャプチャ画像が見つかりません"})
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "image/jpeg", frame.Data)
}

// ServeLive は接続中のストリームをMJPEGで配信する
// ストリームが切断・差し替えされた時点で配信を終了する
func (p *PreviewHub) ServeLive(c *gin.Context) {
	stream, ok := p.Attached()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "カメラが起動していません"})
		return
	}

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	ctx := c.Request.Context()
	ticker := time.NewTicker(time.Second / time.Duration(p.fps))
	defer ticker.Stop()

	for {
		if current, ok := p.Attached(); !ok || current != stream {
			return
		}

		data, err := p.nextJPEG(ctx, stream)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Debug("プレビューフレームの取得に失敗しました", "error", err)
		} else if err := writeMJPEGPart(writer, data); err != nil {
			return
		} else {
			flusher.Flush()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// nextJPEG はストリームの現在のフレームをJPEGで返す
func (p *PreviewHub) nextJPEG(ctx context.Context, stream camera.MediaStream) ([]byte, error) {
	if src, ok := stream.(camera.JPEGSource); ok {
		if data, ok := src.LatestJPEG(); ok {
			return data, nil
		}
	}

	img, err := stream.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	frame, err := camera.EncodeFrame(img, p.quality)
	if err != nil {
		return nil, err
	}
	return frame.Data, nil
}

func writeMJPEGPart(w http.ResponseWriter, data []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data)); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}
