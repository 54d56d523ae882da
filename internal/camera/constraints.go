package camera

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
)

// DeviceClass はデバイス種別（モバイル/非モバイル）
type DeviceClass string

const (
	DeviceClassMobile  DeviceClass = "mobile"
	DeviceClassDesktop DeviceClass = "desktop"
)

// 取得条件の上限と既定値
const (
	PreferredWidth     = 1280
	PreferredHeight    = 720
	PreferredFrameRate = 30
)

// ParseDeviceClass は設定値をデバイス種別に変換する
// "auto" の場合はプラットフォームとユーザーエージェントから推定する
func ParseDeviceClass(value, userAgent string) (DeviceClass, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "auto":
		return DetectDeviceClass(runtime.GOOS, userAgent), nil
	case string(DeviceClassMobile):
		return DeviceClassMobile, nil
	case string(DeviceClassDesktop):
		return DeviceClassDesktop, nil
	default:
		return "", fmt.Errorf("不明なデバイス種別: %s", value)
	}
}

// DetectDeviceClass はプラットフォーム識別子からデバイス種別を推定する
func DetectDeviceClass(goos, userAgent string) DeviceClass {
	switch goos {
	case "android", "ios":
		return DeviceClassMobile
	}

	ua := strings.ToLower(userAgent)
	for _, marker := range []string{"android", "iphone", "ipad", "ipod", "mobile"} {
		if strings.Contains(ua, marker) {
			return DeviceClassMobile
		}
	}

	return DeviceClassDesktop
}

// FallbackConstraints は能力調査に失敗した場合の固定条件を返す
func FallbackConstraints(class DeviceClass) Constraints {
	facing := FacingUser
	if class == DeviceClassMobile {
		facing = FacingEnvironment
	}
	return Constraints{
		FacingMode: facing,
		Width:      PreferredWidth,
		Height:     PreferredHeight,
		FrameRate:  PreferredFrameRate,
	}
}

// DeriveConstraints はデバイス種別に応じた取得条件を決定する
//
// モバイルでは背面カメラを優先し、試験的にストリームを取得してハードウェアの上限を調べ、
// 理想解像度を min(上限, 1280x720) に抑える。試験取得の失敗はログのみで固定条件を使う。
func DeriveConstraints(ctx context.Context, devices MediaDevices, class DeviceClass, logger *slog.Logger) Constraints {
	fallback := FallbackConstraints(class)
	if class != DeviceClassMobile {
		return fallback
	}

	if logger == nil {
		logger = slog.Default()
	}

	caps, err := probeCapabilities(ctx, devices, FacingEnvironment)
	if err != nil {
		logger.Warn("カメラ能力の調査に失敗しました。固定条件を使用します", "error", err)
		return fallback
	}

	return Constraints{
		FacingMode: FacingEnvironment,
		Width:      capTo(caps.MaxWidth, PreferredWidth),
		Height:     capTo(caps.MaxHeight, PreferredHeight),
		FrameRate:  capTo(caps.MaxFrameRate, PreferredFrameRate),
	}
}

// probeCapabilities は試験取得したストリームから上限値を読み取り、すぐに解放する
func probeCapabilities(ctx context.Context, devices MediaDevices, facing FacingMode) (Capabilities, error) {
	stream, err := devices.GetUserMedia(ctx, Constraints{FacingMode: facing})
	if err != nil {
		return Capabilities{}, fmt.Errorf("試験取得に失敗: %w", err)
	}
	defer stopTracks(stream)

	tracks := stream.Tracks()
	if len(tracks) == 0 {
		return Capabilities{}, fmt.Errorf("映像トラックがありません")
	}

	caps := tracks[0].Capabilities()
	if caps.MaxWidth <= 0 || caps.MaxHeight <= 0 {
		return Capabilities{}, fmt.Errorf("解像度の上限が報告されていません")
	}
	return caps, nil
}

// capTo は上限が報告されていればそれと希望値の小さい方を返す
func capTo(hardwareMax, preferred int) int {
	if hardwareMax > 0 && hardwareMax < preferred {
		return hardwareMax
	}
	return preferred
}

// stopTracks はストリームの全トラックを停止する
func stopTracks(stream MediaStream) {
	if stream == nil {
		return
	}
	for _, track := range stream.Tracks() {
		track.Stop()
	}
}
