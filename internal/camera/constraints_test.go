package camera

import (
	"context"
	"testing"
)

func TestDeriveConstraints(t *testing.T) {
	tests := []struct {
		name             string
		class            DeviceClass
		cameras          []SyntheticCamera
		failProbe        bool
		want             Constraints
		wantAcquisitions int
	}{
		{
			name:  "デスクトップは試験取得しない",
			class: DeviceClassDesktop,
			cameras: []SyntheticCamera{
				{ID: "cam", Facing: FacingUser, MaxWidth: 640, MaxHeight: 480, MaxFrameRate: 15},
			},
			want:             Constraints{FacingMode: FacingUser, Width: 1280, Height: 720, FrameRate: 30},
			wantAcquisitions: 0,
		},
		{
			name:  "モバイル高性能カメラは1280x720に抑える",
			class: DeviceClassMobile,
			cameras: []SyntheticCamera{
				{ID: "rear", Facing: FacingEnvironment, MaxWidth: 3840, MaxHeight: 2160, MaxFrameRate: 60},
			},
			want:             Constraints{FacingMode: FacingEnvironment, Width: 1280, Height: 720, FrameRate: 30},
			wantAcquisitions: 1,
		},
		{
			name:  "モバイル低解像度カメラは上限を超えない",
			class: DeviceClassMobile,
			cameras: []SyntheticCamera{
				{ID: "rear", Facing: FacingEnvironment, MaxWidth: 640, MaxHeight: 480, MaxFrameRate: 15},
			},
			want:             Constraints{FacingMode: FacingEnvironment, Width: 640, Height: 480, FrameRate: 15},
			wantAcquisitions: 1,
		},
		{
			name:      "試験取得に失敗したら固定条件",
			class:     DeviceClassMobile,
			cameras:   testCameras(),
			failProbe: true,
			want:      Constraints{FacingMode: FacingEnvironment, Width: 1280, Height: 720, FrameRate: 30},
			// 失敗した試験取得も1回と数える
			wantAcquisitions: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			devices := NewSyntheticDevices(tt.cameras)
			if tt.failProbe {
				devices.FailNext(1)
			}

			got := DeriveConstraints(context.Background(), devices, tt.class, nil)
			if got != tt.want {
				t.Errorf("Expected %+v, got %+v", tt.want, got)
			}
			if devices.Acquisitions() != tt.wantAcquisitions {
				t.Errorf("Expected %d acquisitions, got %d", tt.wantAcquisitions, devices.Acquisitions())
			}
			// 試験取得のトラックは必ず解放される
			if devices.ActiveTracks() != 0 {
				t.Errorf("Expected probe tracks to be stopped, got %d active", devices.ActiveTracks())
			}
		})
	}
}

func TestDeriveConstraints_NeverExceedsHardware(t *testing.T) {
	for _, w := range []int{320, 640, 1280, 1920, 4096} {
		h := w * 9 / 16
		devices := NewSyntheticDevices([]SyntheticCamera{
			{ID: "rear", Facing: FacingEnvironment, MaxWidth: w, MaxHeight: h, MaxFrameRate: 24},
		})

		got := DeriveConstraints(context.Background(), devices, DeviceClassMobile, nil)
		if got.Width > w || got.Height > h || got.Width > PreferredWidth || got.Height > PreferredHeight {
			t.Errorf("%dx%d: constraints %dx%d exceed limits", w, h, got.Width, got.Height)
		}
		if got.FrameRate != 24 {
			t.Errorf("%dx%d: expected frame rate 24, got %d", w, h, got.FrameRate)
		}
	}
}

func TestDetectDeviceClass(t *testing.T) {
	tests := []struct {
		goos string
		ua   string
		want DeviceClass
	}{
		{"linux", "", DeviceClassDesktop},
		{"darwin", "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0)", DeviceClassDesktop},
		{"android", "", DeviceClassMobile},
		{"ios", "", DeviceClassMobile},
		{"linux", "Mozilla/5.0 (Linux; Android 14; Pixel 8) Mobile Safari", DeviceClassMobile},
		{"linux", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)", DeviceClassMobile},
		{"linux", "Mozilla/5.0 (iPad; CPU OS 17_0 like Mac OS X)", DeviceClassMobile},
	}

	for _, tt := range tests {
		if got := DetectDeviceClass(tt.goos, tt.ua); got != tt.want {
			t.Errorf("DetectDeviceClass(%q, %q) = %s, want %s", tt.goos, tt.ua, got, tt.want)
		}
	}
}

func TestParseDeviceClass(t *testing.T) {
	tests := []struct {
		value   string
		want    DeviceClass
		wantErr bool
	}{
		{"mobile", DeviceClassMobile, false},
		{"Desktop", DeviceClassDesktop, false},
		{" mobile ", DeviceClassMobile, false},
		{"tablet", "", true},
	}

	for _, tt := range tests {
		got, err := ParseDeviceClass(tt.value, "")
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDeviceClass(%q) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDeviceClass(%q) = %s, want %s", tt.value, got, tt.want)
		}
	}

	// auto はユーザーエージェントから推定する
	got, err := ParseDeviceClass("auto", "Mozilla/5.0 (iPhone)")
	if err != nil || got != DeviceClassMobile {
		t.Errorf("Expected mobile for iPhone UA, got %s (%v)", got, err)
	}
}

func TestPolicyFor(t *testing.T) {
	mobile := PolicyFor(DeviceClassMobile)
	if mobile.SuccessDelay.Milliseconds() != 1500 || mobile.ErrorDelay.Milliseconds() != 2000 || !mobile.HapticOnDetection {
		t.Errorf("Unexpected mobile policy: %+v", mobile)
	}

	desktop := PolicyFor(DeviceClassDesktop)
	if desktop.SuccessDelay.Milliseconds() != 1000 || desktop.ErrorDelay.Milliseconds() != 1000 || desktop.HapticOnDetection {
		t.Errorf("Unexpected desktop policy: %+v", desktop)
	}
}
