// Package backend はフレーム処理エンドポイントを提供する
//
// キャプチャクライアントから送られたフレームをセッションごとのバッファに入れ、
// 受信記録をストアに保存する。
package backend

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"shusseki/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// maxImageBytes は受け付ける画像の最大サイズ
const maxImageBytes = 10 << 20

// ProcessFrameResponse はフレーム処理の結果
type ProcessFrameResponse struct {
	Success       bool         `json:"success"`
	SessionID     string       `json:"session_id"`
	FacesDetected int          `json:"faces_detected"`
	Message       string       `json:"message"`
	BufferStatus  BufferStatus `json:"buffer_status"`
}

// Handler はフレーム処理APIのハンドラ
type Handler struct {
	buffers  *Manager
	store    store.Store
	detector Detector
	logger   *slog.Logger
}

// NewHandler は新しいHandlerを作成する。st が nil の場合は受信記録を保存しない
func NewHandler(buffers *Manager, st store.Store, detector Detector, logger *slog.Logger) *Handler {
	if detector == nil {
		detector = NoDetector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		buffers:  buffers,
		store:    st,
		detector: detector,
		logger:   logger.With("component", "backend"),
	}
}

// NewRouter はフレーム処理APIのルーターを作成する
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now()})
	})

	api := r.Group("/api/v1/camera")
	api.POST("/process-frame", h.ProcessFrame)
	api.GET("/buffer-status", h.ListBuffers)
	api.GET("/buffer-status/:session_id", h.GetBufferStatus)
	api.DELETE("/buffer/:session_id", h.ClearBuffer)
	api.GET("/receipts/:session_id", h.ListReceipts)

	return r
}

// ProcessFrame はmultipartの image フィールドを受け取り、バッファに追加する
func (h *Handler) ProcessFrame(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		sessionID = c.PostForm("session_id")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	fh, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "image フィールドがありません"})
		return
	}
	file, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid image"})
		return
	}
	defer func() {
		_ = file.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(file, maxImageBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid image"})
		return
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		h.logger.Debug("画像のデコードに失敗しました", "session_id", sessionID, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid image"})
		return
	}

	buffer, _ := h.buffers.Get(sessionID, true)
	buffered := buffer.Add(img, sessionID)

	faces := 0
	if buffered {
		if n, _, err := buffer.Process(h.detector); err != nil {
			h.logger.Warn("フレームの検出処理に失敗しました", "session_id", sessionID, "error", err)
		} else {
			faces = n
		}
	}

	h.saveReceipt(c.Request.Context(), store.Receipt{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Bytes:      len(data),
		Width:      img.Bounds().Dx(),
		Height:     img.Bounds().Dy(),
		Buffered:   buffered,
		ReceivedAt: time.Now(),
	})

	h.logger.Debug("フレームを受信しました",
		"session_id", sessionID,
		"format", format,
		"bytes", len(data),
		"buffered", buffered)

	c.JSON(http.StatusOK, ProcessFrameResponse{
		Success:       true,
		SessionID:     sessionID,
		FacesDetected: faces,
		Message:       "Frame processed successfully",
		BufferStatus:  buffer.Status(),
	})
}

// saveReceipt は受信記録を保存する。失敗してもレスポンスには影響させない
func (h *Handler) saveReceipt(ctx context.Context, r store.Receipt) {
	if h.store == nil {
		return
	}
	if err := h.store.SaveReceipt(ctx, r); err != nil {
		h.logger.Warn("受信記録の保存に失敗しました", "session_id", r.SessionID, "error", err)
	}
}

// GetBufferStatus はセッションのバッファ状態を返す
func (h *Handler) GetBufferStatus(c *gin.Context) {
	buffer, ok := h.buffers.Get(c.Param("session_id"), false)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Buffer not found"})
		return
	}
	c.JSON(http.StatusOK, buffer.Status())
}

// ListBuffers は全セッションのバッファ状態を返す
func (h *Handler) ListBuffers(c *gin.Context) {
	c.JSON(http.StatusOK, h.buffers.Statuses())
}

// ClearBuffer はセッションのバッファを空にする
func (h *Handler) ClearBuffer(c *gin.Context) {
	buffer, ok := h.buffers.Get(c.Param("session_id"), false)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Buffer not found"})
		return
	}
	buffer.Clear()
	c.JSON(http.StatusOK, gin.H{"message": "Buffer cleared successfully"})
}

// ListReceipts はセッションの受信記録を返す
func (h *Handler) ListReceipts(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "ストアが設定されていません"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	receipts, err := h.store.ListReceipts(c.Request.Context(), c.Param("session_id"), limit)
	if err != nil {
		h.logger.Error("受信記録の取得に失敗しました", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "受信記録を取得できませんでした"})
		return
	}
	if receipts == nil {
		receipts = []store.Receipt{}
	}
	c.JSON(http.StatusOK, gin.H{"receipts": receipts, "driver": h.store.Driver()})
}
