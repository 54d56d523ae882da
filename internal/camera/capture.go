package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// V4L2Capturer はシェルコマンドを使ってV4L2デバイスから画像を取得する
type V4L2Capturer struct {
	devicePath string
	width      int
	height     int
	fps        int
	logger     *slog.Logger
}

// NewV4L2Capturer は新しいV4L2Capturerを作成する
func NewV4L2Capturer(devicePath string, width, height, fps int, logger *slog.Logger) *V4L2Capturer {
	if logger == nil {
		logger = slog.Default()
	}
	return &V4L2Capturer{
		devicePath: devicePath,
		width:      width,
		height:     height,
		fps:        fps,
		logger:     logger,
	}
}

// ListFormats はサポートされているフォーマット、解像度、フレームレートを取得する
func (c *V4L2Capturer) ListFormats(ctx context.Context) (formats []string, resolutions []Resolution, frameRates []int, err error) {
	output, err := runV4L2Ctl(ctx, "--device", c.devicePath, "--list-formats-ext")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("フォーマット一覧の取得に失敗: %w", err)
	}

	formats, resolutions, frameRates = parseFormatList(output)
	return formats, resolutions, frameRates, nil
}

// runV4L2Ctl はv4l2-ctlを実行して標準出力を返す
func runV4L2Ctl(ctx context.Context, args ...string) (string, error) {
	output, err := exec.CommandContext(ctx, "v4l2-ctl", args...).Output()
	if err != nil {
		return "", err
	}
	return string(output), nil
}

var (
	formatPattern   = regexp.MustCompile(`'([A-Z0-9]{4})'`)
	sizePattern     = regexp.MustCompile(`Size: \w+ (\d+)x(\d+)`)
	intervalPattern = regexp.MustCompile(`\(([\d.]+) fps\)`)
)

// parseFormatList は v4l2-ctl --list-formats-ext の出力を解析する
func parseFormatList(output string) (formats []string, resolutions []Resolution, frameRates []int) {
	seenFormat := make(map[string]bool)
	seenSize := make(map[Resolution]bool)
	seenRate := make(map[int]bool)

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)

		if m := formatPattern.FindStringSubmatch(line); m != nil && strings.HasPrefix(line, "[") {
			if !seenFormat[m[1]] {
				seenFormat[m[1]] = true
				formats = append(formats, m[1])
			}
			continue
		}

		if m := sizePattern.FindStringSubmatch(line); m != nil {
			w, _ := strconv.Atoi(m[1])
			h, _ := strconv.Atoi(m[2])
			r := Resolution{Width: w, Height: h}
			if !seenSize[r] {
				seenSize[r] = true
				resolutions = append(resolutions, r)
			}
			continue
		}

		if m := intervalPattern.FindStringSubmatch(line); m != nil {
			f, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			fps := int(f + 0.5)
			if fps > 0 && !seenRate[fps] {
				seenRate[fps] = true
				frameRates = append(frameRates, fps)
			}
		}
	}

	return formats, resolutions, frameRates
}

// StartStream は連続キャプチャ用のストリームを開始する
// ctx がキャンセルされるとffmpegは終了する
func (c *V4L2Capturer) StartStream(ctx context.Context, frameChan chan<- []byte, errorChan chan<- error) {
	args := []string{
		"-loglevel", "error",
		"-f", "v4l2",
		"-input_format", "mjpeg",
		"-video_size", fmt.Sprintf("%dx%d", c.width, c.height),
	}
	if c.fps > 0 {
		args = append(args, "-framerate", strconv.Itoa(c.fps))
	}
	args = append(args,
		"-i", c.devicePath,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	)
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		sendError(ctx, errorChan, fmt.Errorf("stdoutパイプの作成に失敗: %w", err))
		return
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		sendError(ctx, errorChan, fmt.Errorf("ffmpegの起動に失敗: %w", err))
		return
	}

	defer func() {
		// コンテキストキャンセル時のエラーは無視
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			c.logger.Warn("ffmpegが異常終了しました", "device", c.devicePath, "error", err, "stderr", stderr.String())
		}
	}()

	buffer := make([]byte, 1024*1024)
	var pending []byte

	for {
		n, err := stdout.Read(buffer)
		if n > 0 {
			pending = append(pending, buffer[:n]...)

			var frames [][]byte
			frames, pending = splitJPEGFrames(pending)
			for _, frame := range frames {
				select {
				case frameChan <- frame:
				case <-ctx.Done():
					return
				}
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				sendError(ctx, errorChan, fmt.Errorf("フレーム読み取りエラー: %w", err))
			}
			return
		}
	}
}

var (
	jpegStart = []byte{0xFF, 0xD8}
	jpegEnd   = []byte{0xFF, 0xD9}
)

// splitJPEGFrames はバイト列から完全なJPEGフレームを切り出し、残りを返す
func splitJPEGFrames(data []byte) (frames [][]byte, rest []byte) {
	for {
		startIdx := bytes.Index(data, jpegStart)
		if startIdx == -1 {
			// 開始マーカーが分割されている可能性があるので最後の1バイトは残す
			if len(data) > 0 && data[len(data)-1] == 0xFF {
				return frames, append([]byte(nil), data[len(data)-1:]...)
			}
			return frames, nil
		}

		endIdx := bytes.Index(data[startIdx+2:], jpegEnd)
		if endIdx == -1 {
			return frames, append([]byte(nil), data[startIdx:]...)
		}

		end := startIdx + 2 + endIdx + 2
		frame := make([]byte, end-startIdx)
		copy(frame, data[startIdx:end])
		frames = append(frames, frame)

		data = data[end:]
	}
}

func sendError(ctx context.Context, errorChan chan<- error, err error) {
	select {
	case errorChan <- err:
	case <-ctx.Done():
	default:
		// エラーチャンネルがフルの場合は破棄
	}
}

// cameraControls は変更可能なカメラ設定とv4l2コントロール名の対応
var cameraControls = map[string]string{
	"brightness": "brightness",
	"contrast":   "contrast",
	"saturation": "saturation",
	"exposure":   "exposure_absolute",
}

// SetControl はカメラのコントロール（明度、コントラストなど）を設定する
func (c *V4L2Capturer) SetControl(ctx context.Context, name string, value int) error {
	control, ok := cameraControls[name]
	if !ok {
		return fmt.Errorf("サポートされていない設定: %s", name)
	}

	cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", c.devicePath, "--set-ctrl", fmt.Sprintf("%s=%d", control, value))
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("コントロール %s の設定に失敗: %w (%s)", name, err, strings.TrimSpace(string(output)))
	}

	return nil
}
