package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"shusseki/internal/camera"

	"github.com/gin-gonic/gin"
)

// CameraSettings は調整可能なカメラ設定
var CameraSettings = []string{"brightness", "contrast", "saturation", "exposure"}

// Handler は操作パネルAPIのハンドラ
type Handler struct {
	client   *camera.Client
	preview  *PreviewHub
	messages *MessageBoard
	events   *EventHub
	logger   *slog.Logger
}

// NewHandler は新しいHandlerを作成する
func NewHandler(client *camera.Client, preview *PreviewHub, messages *MessageBoard, events *EventHub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		client:   client,
		preview:  preview,
		messages: messages,
		events:   events,
		logger:   logger.With("component", "panel"),
	}
}

// NewRouter は操作パネルのルーターを作成する
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/", h.Index)
	r.GET("/health", h.HealthCheck)

	api := r.Group("/api")
	api.GET("/status", h.GetStatus)
	api.GET("/devices", h.GetDevices)
	api.GET("/messages", h.GetMessages)
	api.GET("/session", h.GetSession)
	api.POST("/session/start", h.StartSession)
	api.POST("/session/stop", h.StopSession)
	api.POST("/session/capture", h.CaptureFrame)
	api.PUT("/session/device", h.SelectDevice)
	api.POST("/session/settings/:setting", h.UpdateSetting)

	r.GET("/preview/live", h.preview.ServeLive)
	r.GET("/preview/captures/:id", h.preview.ServeCapture)
	r.GET("/ws", h.events.ServeWS)

	return r
}

// Index は操作パネルのHTMLを返す
func (h *Handler) Index(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML())
}

// HealthCheck はヘルスチェックエンドポイント
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now()})
}

// GetStatus はクライアントの状態を返す
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "running",
		"state":           h.client.State(),
		"device_class":    h.client.Class(),
		"policy":          h.client.Policy().Name,
		"selected_device": h.client.SelectedDevice(),
		"ws_clients":      h.events.Clients(),
		"timestamp":       time.Now(),
	})
}

// GetDevices はカメラ一覧を返す
func (h *Handler) GetDevices(c *gin.Context) {
	devices, err := h.client.EnumerateCameras(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"devices":  devices,
		"selected": h.client.SelectedDevice(),
	})
}

// GetMessages は表示中のメッセージを返す
func (h *Handler) GetMessages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"messages": h.messages.Active()})
}

// SessionResponse はセッション状態のレスポンス
type SessionResponse struct {
	State    camera.State        `json:"state"`
	Controls camera.Controls     `json:"controls"`
	Policy   string              `json:"policy"`
	Session  *camera.SessionInfo `json:"session"`
}

func (h *Handler) sessionResponse() SessionResponse {
	resp := SessionResponse{
		State:    h.client.State(),
		Controls: h.client.Controls(),
		Policy:   h.client.Policy().Name,
	}
	if info, ok := h.client.Session(); ok {
		resp.Session = &info
	}
	return resp
}

// GetSession はセッション状態を返す
func (h *Handler) GetSession(c *gin.Context) {
	c.JSON(http.StatusOK, h.sessionResponse())
}

type deviceRequest struct {
	DeviceID string `json:"device_id"`
}

// StartSession はセッションを開始する。ボディは省略可
func (h *Handler) StartSession(c *gin.Context) {
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "リクエストが不正です"})
		return
	}

	if err := h.client.Start(c.Request.Context(), req.DeviceID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.sessionResponse())
}

// StopSession はセッションを停止する
func (h *Handler) StopSession(c *gin.Context) {
	if err := h.client.Stop(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.sessionResponse())
}

// SelectDevice はデバイスを選択する。ストリーミング中であれば切り替える
func (h *Handler) SelectDevice(c *gin.Context) {
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.DeviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "device_id を指定してください"})
		return
	}

	if err := h.client.SelectDevice(c.Request.Context(), req.DeviceID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.sessionResponse())
}

// CaptureFrame は手動で1枚キャプチャして送信する
func (h *Handler) CaptureFrame(c *gin.Context) {
	if _, ok := h.client.Session(); !ok {
		c.JSON(http.StatusConflict, gin.H{"detail": "カメラが起動していません"})
		return
	}

	capture, err := h.client.CaptureFrame(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"detail": err.Error()})
		return
	}
	if capture == nil {
		c.JSON(http.StatusConflict, gin.H{"detail": "カメラが起動していません"})
		return
	}

	resp := gin.H{"result": capture.Result, "frame_id": capture.FrameID}
	if capture.FrameURL != "" {
		resp["frame_url"] = capture.FrameURL
	}
	c.JSON(http.StatusOK, resp)
}

// UpdateSetting はカメラ設定（0〜100）を変更する
func (h *Handler) UpdateSetting(c *gin.Context) {
	setting := c.Param("setting")
	if !slices.Contains(CameraSettings, setting) {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "不明な設定です: " + setting})
		return
	}

	value, err := strconv.Atoi(c.Query("value"))
	if err != nil || value < 0 || value > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "value は0から100の整数で指定してください"})
		return
	}

	stream, ok := h.client.Stream()
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"detail": "カメラが起動していません"})
		return
	}
	setter, ok := stream.(camera.ControlSetter)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"detail": "このカメラは設定の変更に対応していません"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if err := setter.SetControl(ctx, setting, value); err != nil {
		h.logger.Warn("カメラ設定の変更に失敗しました", "setting", setting, "value", value, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success", "setting": setting, "value": value})
}

// respondError はデバイス境界のエラーをHTTPステータスに変換する
func (h *Handler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, camera.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, camera.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, camera.ErrOverconstrained):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("リクエストの処理に失敗しました", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"detail": err.Error()})
}
