package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"shusseki/internal/camera"

	"github.com/gin-gonic/gin"
)

func newFrame(id string) *camera.Frame {
	return &camera.Frame{ID: id, Data: []byte("jpeg-" + id), CapturedAt: time.Now()}
}

func TestPreviewHub_Captures(t *testing.T) {
	p := NewPreviewHub(0, 0, nil)

	if _, ok := p.Latest(); ok {
		t.Error("Expected no latest capture")
	}

	url := p.ShowCapture(newFrame("a"))
	if url != "/preview/captures/a.jpg" {
		t.Errorf("Unexpected url: %s", url)
	}

	for i := 0; i < maxCaptures; i++ {
		p.ShowCapture(newFrame(strconv.Itoa(i)))
	}

	if _, ok := p.Capture("a"); ok {
		t.Error("Expected oldest capture to be evicted")
	}
	latest, ok := p.Latest()
	if !ok || latest.ID != strconv.Itoa(maxCaptures-1) {
		t.Errorf("Unexpected latest: %+v", latest)
	}
}

func TestPreviewHub_ServeCapture(t *testing.T) {
	p := NewPreviewHub(0, 0, nil)
	p.ShowCapture(newFrame("x1"))

	r := gin.New()
	r.GET("/preview/captures/:id", p.ServeCapture)

	tests := []struct {
		name     string
		path     string
		wantCode int
		wantBody string
	}{
		{"拡張子付き", "/preview/captures/x1.jpg", http.StatusOK, "jpeg-x1"},
		{"拡張子なし", "/preview/captures/x1", http.StatusOK, "jpeg-x1"},
		{"直近", "/preview/captures/latest", http.StatusOK, "jpeg-x1"},
		{"存在しない", "/preview/captures/none.jpg", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.wantCode {
				t.Errorf("Expected %d, got %d", tt.wantCode, rec.Code)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("Unexpected body: %q", rec.Body.String())
			}
		})
	}
}

func TestPreviewHub_ServeLive(t *testing.T) {
	devices := camera.NewSyntheticDevices(camera.DefaultSyntheticCameras()[:1])
	stream, err := devices.GetUserMedia(context.Background(), camera.Constraints{Width: 64, Height: 48})
	if err != nil {
		t.Fatalf("GetUserMedia failed: %v", err)
	}

	p := NewPreviewHub(20, 70, nil)
	r := gin.New()
	r.GET("/preview/live", p.ServeLive)

	// 未接続
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/preview/live", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without stream, got %d", rec.Code)
	}

	p.Attach(stream)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/preview/live", nil).WithContext(ctx))

	if ct := rec.Header().Get("Content-Type"); ct != "multipart/x-mixed-replace; boundary=frame" {
		t.Errorf("Unexpected content type: %s", ct)
	}
	body := rec.Body.Bytes()
	if bytes.Count(body, []byte("--frame\r\n")) < 1 {
		t.Fatal("Expected at least one MJPEG part")
	}
	// JPEG の SOI マーカー
	if !bytes.Contains(body, []byte{0xFF, 0xD8}) {
		t.Error("Expected JPEG data in stream")
	}
}

func TestPreviewHub_ServeLiveEndsOnDetach(t *testing.T) {
	devices := camera.NewSyntheticDevices(camera.DefaultSyntheticCameras()[:1])
	stream, err := devices.GetUserMedia(context.Background(), camera.Constraints{Width: 32, Height: 24})
	if err != nil {
		t.Fatalf("GetUserMedia failed: %v", err)
	}

	p := NewPreviewHub(50, 70, nil)
	p.Attach(stream)
	r := gin.New()
	r.GET("/preview/live", p.ServeLive)

	go func() {
		time.Sleep(50 * time.Millisecond)
		p.Detach()
	}()

	done := make(chan struct{})
	go func() {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/preview/live", nil))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("配信が終了しませんでした")
	}
}
