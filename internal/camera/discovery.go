package camera

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Discovery はカメラデバイスの検出機能を提供する
type Discovery interface {
	// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
	ScanDevices(ctx context.Context) ([]string, error)

	// CheckAccess はデバイスを開けるか確認する
	CheckAccess(ctx context.Context, device string) error

	// GetDeviceInfo はデバイスの詳細情報を取得する
	GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error)
}

// LinuxDiscovery はLinux環境でのカメラデバイス検出を実装する
type LinuxDiscovery struct {
	pattern string
}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery() *LinuxDiscovery {
	return &LinuxDiscovery{pattern: "/dev/video*"}
}

// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob(d.pattern)
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	// デバイス番号でソート
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var devices []string
	seenNames := make(map[string]bool)
	for _, match := range matches {
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		default:
		}

		if !isV4L2Device(match) {
			continue
		}

		// 権限がないデバイスも列挙には含め、取得時にエラーを返す
		if err := d.CheckAccess(ctx, match); err != nil && !errors.Is(err, ErrPermissionDenied) {
			continue
		}

		// メタデータ用チャンネルなどカラー映像を出さないデバイスは除外
		if !d.isColorCapture(ctx, match) {
			continue
		}

		// 同じ物理カメラの複数チャンネルは最も小さい番号のみ
		if name := getV4L2DeviceName(ctx, match); name != "" {
			if seenNames[name] {
				continue
			}
			seenNames[name] = true
		}

		devices = append(devices, match)
	}

	return devices, nil
}

// CheckAccess はデバイスファイルを開けるか確認する
func (d *LinuxDiscovery) CheckAccess(_ context.Context, device string) error {
	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrPermission):
			return fmt.Errorf("%s: %w", device, ErrPermissionDenied)
		case errors.Is(err, fs.ErrNotExist):
			return fmt.Errorf("%s: %w", device, ErrNotFound)
		default:
			return fmt.Errorf("デバイスを開けません: %w", err)
		}
	}
	_ = file.Close()
	return nil
}

// GetDeviceInfo はデバイスの詳細情報を取得する
func (d *LinuxDiscovery) GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error) {
	if !isV4L2Device(device) {
		return nil, fmt.Errorf("%s: %w", device, ErrNotFound)
	}
	if _, err := os.Stat(device); err != nil {
		return nil, fmt.Errorf("%s: %w", device, ErrNotFound)
	}

	info := &DeviceInfo{
		ID:     device,
		Label:  generateDeviceName(ctx, device),
		Kind:   KindVideoInput,
		Driver: "v4l2",
	}

	formats, resolutions, frameRates, err := NewV4L2Capturer(device, 0, 0, 0, nil).ListFormats(ctx)
	if err == nil {
		info.Formats = formats
		info.Resolutions = resolutions
		info.FrameRates = frameRates
	}

	return info, nil
}

// isColorCapture はカラーフォーマットで映像を出力できるか判定する
func (d *LinuxDiscovery) isColorCapture(ctx context.Context, device string) bool {
	formats, _, _, err := NewV4L2Capturer(device, 0, 0, 0, nil).ListFormats(ctx)
	if err != nil {
		return false
	}
	for _, f := range formats {
		if f == "YUYV" || f == "MJPG" {
			return true
		}
	}
	return false
}

var (
	v4l2DevicePattern   = regexp.MustCompile(`^/dev/video\d+$`)
	deviceNumberPattern = regexp.MustCompile(`video(\d+)`)
)

// isV4L2Device はデバイスパスが /dev/videoN 形式かチェックする
func isV4L2Device(device string) bool {
	return v4l2DevicePattern.MatchString(device)
}

// generateDeviceName はデバイスパスから表示名を生成する
func generateDeviceName(ctx context.Context, device string) string {
	if realName := getV4L2DeviceName(ctx, device); realName != "" {
		return realName
	}
	return fmt.Sprintf("カメラ %d", extractDeviceNumber(device))
}

// getV4L2DeviceName はv4l2-ctlを使って実際のデバイス名を取得する
func getV4L2DeviceName(ctx context.Context, device string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	output, err := runV4L2Ctl(ctx, "--device", device, "--info")
	if err != nil {
		return ""
	}
	return parseCardType(output)
}

// parseCardType は v4l2-ctl --info の出力から "Card type" を取り出す
func parseCardType(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Card type") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) == 2 {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	matches := deviceNumberPattern.FindStringSubmatch(device)
	if len(matches) < 2 {
		return 0
	}

	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}
	return num
}

// MockDiscovery はテスト用のモックDiscovery実装
type MockDiscovery struct {
	devices     []string
	deviceInfos map[string]*DeviceInfo
	denied      map[string]bool
}

// NewMockDiscovery は新しいMockDiscoveryを作成する
func NewMockDiscovery(devices []string) *MockDiscovery {
	m := &MockDiscovery{
		deviceInfos: make(map[string]*DeviceInfo),
		denied:      make(map[string]bool),
	}
	for _, device := range devices {
		m.AddDevice(device)
	}
	return m
}

// ScanDevices はモックデバイス一覧を返す
func (m *MockDiscovery) ScanDevices(_ context.Context) ([]string, error) {
	return append([]string(nil), m.devices...), nil
}

// CheckAccess はモックデバイスの権限を確認する
func (m *MockDiscovery) CheckAccess(_ context.Context, device string) error {
	if _, exists := m.deviceInfos[device]; !exists {
		return fmt.Errorf("%s: %w", device, ErrNotFound)
	}
	if m.denied[device] {
		return fmt.Errorf("%s: %w", device, ErrPermissionDenied)
	}
	return nil
}

// GetDeviceInfo はモックデバイス情報を取得する
func (m *MockDiscovery) GetDeviceInfo(_ context.Context, device string) (*DeviceInfo, error) {
	info, exists := m.deviceInfos[device]
	if !exists {
		return nil, fmt.Errorf("デバイスが見つかりません: %s", device)
	}

	// コピーを返す
	result := *info
	return &result, nil
}

// AddDevice はテスト用にデバイスを追加する
func (m *MockDiscovery) AddDevice(device string) {
	if _, exists := m.deviceInfos[device]; exists {
		return
	}

	m.devices = append(m.devices, device)
	m.deviceInfos[device] = &DeviceInfo{
		ID:     device,
		Label:  fmt.Sprintf("テストカメラ %d", len(m.devices)),
		Kind:   KindVideoInput,
		Driver: "mock",
		Resolutions: []Resolution{
			{Width: 640, Height: 480},
			{Width: 1280, Height: 720},
		},
		FrameRates: []int{15, 30},
		Formats:    []string{"MJPG"},
	}
}

// RemoveDevice はテスト用にデバイスを削除する
func (m *MockDiscovery) RemoveDevice(device string) {
	for i, d := range m.devices {
		if d == device {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			break
		}
	}
	delete(m.deviceInfos, device)
	delete(m.denied, device)
}

// DenyAccess はテスト用にデバイスの権限を拒否する
func (m *MockDiscovery) DenyAccess(device string) {
	m.denied[device] = true
}
