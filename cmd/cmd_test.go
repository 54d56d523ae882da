package cmd

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"shusseki/internal/camera"
	"shusseki/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestApplyGlobalFlags(t *testing.T) {
	t.Cleanup(func() {
		driverFlag, deviceClassFlag, endpointFlag = "", "", ""
	})

	c := config.Default()
	applyGlobalFlags(c)
	if c.Camera.Driver != "v4l2" || c.Upload.Endpoint != "http://localhost:8000" {
		t.Errorf("未指定のフラグで設定が変わりました: %+v", c.Camera)
	}

	driverFlag = "synthetic"
	deviceClassFlag = "mobile"
	endpointFlag = "http://backend:9000"
	applyGlobalFlags(c)

	if c.Camera.Driver != "synthetic" || c.Camera.DeviceClass != "mobile" || c.Upload.Endpoint != "http://backend:9000" {
		t.Errorf("フラグが反映されていません: driver=%s class=%s endpoint=%s",
			c.Camera.Driver, c.Camera.DeviceClass, c.Upload.Endpoint)
	}
}

func TestSyntheticCameras(t *testing.T) {
	t.Run("未設定なら既定の構成", func(t *testing.T) {
		got := syntheticCameras(nil)
		if len(got) != len(camera.DefaultSyntheticCameras()) {
			t.Errorf("Expected default cameras, got %+v", got)
		}
	})

	t.Run("設定を変換する", func(t *testing.T) {
		got := syntheticCameras([]config.SyntheticCamera{
			{ID: "cam1", Facing: "environment", MaxWidth: 640, MaxHeight: 480},
		})
		if len(got) != 1 {
			t.Fatalf("Expected 1 camera, got %d", len(got))
		}
		want := camera.SyntheticCamera{
			ID:           "cam1",
			Label:        "cam1",
			Facing:       camera.FacingEnvironment,
			MaxWidth:     640,
			MaxHeight:    480,
			MaxFrameRate: camera.PreferredFrameRate,
		}
		if got[0] != want {
			t.Errorf("Expected %+v, got %+v", want, got[0])
		}
	})
}

func TestNewDevices(t *testing.T) {
	tests := []struct {
		driver  string
		wantErr bool
	}{
		{"synthetic", false},
		{"v4l2", false},
		{"gstreamer", true},
	}

	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			c := config.Default()
			c.Camera.Driver = tt.driver
			devices, err := newDevices(c, discardLogger())
			if (err != nil) != tt.wantErr {
				t.Fatalf("newDevices() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && devices == nil {
				t.Error("Expected devices")
			}
		})
	}
}

func TestNewHaptics(t *testing.T) {
	c := config.Default()
	if h := newHaptics(c, discardLogger()); h != nil {
		t.Errorf("Expected nil haptics without command, got %v", h)
	}

	c.Camera.HapticCommand = []string{"shusseki-no-such-vibrate-command", "{ms}"}
	if h := newHaptics(c, discardLogger()); h != nil {
		t.Errorf("Expected nil haptics for missing command, got %v", h)
	}
}

func TestNewCaptureClient(t *testing.T) {
	c := config.Default()
	c.Camera.Driver = "synthetic"
	c.Camera.DeviceClass = "mobile"
	c.Upload.SessionID = "class-1"

	client, err := newCaptureClient(c, discardLogger(), camera.Options{})
	if err != nil {
		t.Fatalf("newCaptureClient failed: %v", err)
	}
	if client.Class() != camera.DeviceClassMobile {
		t.Errorf("Expected mobile class, got %s", client.Class())
	}
	if client.Policy().Name != camera.PowerAwarePolicy.Name {
		t.Errorf("Expected power-aware policy, got %s", client.Policy().Name)
	}

	c.Camera.DeviceClass = "tablet"
	if _, err := newCaptureClient(c, discardLogger(), camera.Options{}); err == nil {
		t.Error("Expected error for unknown device class")
	}
}

func TestCollect(t *testing.T) {
	events := make(chan camera.Event, 8)
	events <- camera.Event{Type: camera.EventDetection, FacesDetected: 2}
	events <- camera.Event{Type: camera.EventDetection}
	events <- camera.Event{Type: camera.EventCaptureError, Error: "boom"}
	events <- camera.Event{Type: camera.EventDetection, FacesDetected: 1}

	ticks := 0
	got := collect(context.Background(), events, 3, func() { ticks++ })

	want := captureSummary{Captures: 3, Detections: 1, Failures: 1}
	if got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
	if ticks != 3 {
		t.Errorf("Expected 3 ticks, got %d", ticks)
	}
}

func TestCollect_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	got := collect(ctx, make(chan camera.Event), 0, func() {})
	if got.Captures != 0 {
		t.Errorf("Expected no captures, got %+v", got)
	}
}

func TestForwardEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// バッファが小さくてもイベントは捨てられない
	events := make(chan camera.Event, 1)
	forward := forwardEvents(ctx, events)
	go func() {
		forward(camera.Event{Type: camera.EventState})
		for i := 0; i < 5; i++ {
			forward(camera.Event{Type: camera.EventDetection, FacesDetected: 1})
		}
	}()

	got := collect(ctx, events, 5, func() {})
	if got.Captures != 5 || got.Detections != 5 {
		t.Errorf("Expected 5 captures and detections, got %+v", got)
	}

	// キャンセル後は受け手がいなくても戻る
	cancel()
	done := make(chan struct{})
	go func() {
		forward(camera.Event{Type: camera.EventDetection})
		forward(camera.Event{Type: camera.EventDetection})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("キャンセル後の送信が戻りませんでした")
	}
}

func TestNewUploader(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		want       string
	}{
		{"未設定ならキャプチャセッションのID", "", "capture-1"},
		{"設定値が優先", "class-1", "class-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.URL.Query().Get("session_id")
				_, _ = w.Write([]byte(`{"success":true}`))
			}))
			defer srv.Close()

			c := config.Default()
			c.Upload.Endpoint = srv.URL
			c.Upload.SessionID = tt.configured

			uploader, err := newUploader(c)
			if err != nil {
				t.Fatalf("newUploader failed: %v", err)
			}
			if _, err := uploader.Upload(context.Background(), "capture-1", []byte{0xFF, 0xD8}); err != nil {
				t.Fatalf("Upload failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("session_id: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPrintDevices(t *testing.T) {
	var buf bytes.Buffer
	printDevices(&buf, []camera.DeviceInfo{
		{
			ID:          "/dev/video0",
			Label:       "USB Camera",
			Resolutions: []camera.Resolution{{Width: 640, Height: 480}, {Width: 1280, Height: 720}},
			FrameRates:  []int{15, 30},
		},
	})

	out := buf.String()
	for _, want := range []string{"ID", "/dev/video0", "USB Camera", "1280x720", "30"} {
		if !strings.Contains(out, want) {
			t.Errorf("出力に %q が含まれていません:\n%s", want, out)
		}
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, captureSummary{Captures: 5, Detections: 2, Failures: 1})
	if !strings.Contains(buf.String(), "キャプチャ: 5 回") {
		t.Errorf("Unexpected summary: %s", buf.String())
	}
}
