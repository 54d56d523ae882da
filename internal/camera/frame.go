package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"time"

	"github.com/google/uuid"
)

// DefaultJPEGQuality はキャプチャ画像のJPEG品質（0.8相当）
const DefaultJPEGQuality = 80

// Frame は1回のキャプチャで得られた静止画
type Frame struct {
	ID         string    // フレームの一意識別子
	Data       []byte    // JPEG画像データ
	Width      int       // 画像幅
	Height     int       // 画像高さ
	CapturedAt time.Time // キャプチャ時刻
}

// Size はデータサイズを返す
func (f *Frame) Size() int {
	return len(f.Data)
}

// EncodeFrame は映像フレームを同サイズのバッファに写してJPEGにエンコードする
func EncodeFrame(src image.Image, quality int) (*Frame, error) {
	if src == nil {
		return nil, fmt.Errorf("フレームが空です")
	}

	bounds := src.Bounds()
	if bounds.Empty() {
		return nil, fmt.Errorf("フレームサイズが不正です: %v", bounds)
	}

	// オフスクリーンバッファに現在のフレームを描画
	canvas := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(canvas, canvas.Bounds(), src, bounds.Min, draw.Src)

	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}

	var buf bytes.Buffer
	buf.Grow(256 * 1024)
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("JPEGエンコードに失敗: %w", err)
	}

	return &Frame{
		ID:         uuid.NewString(),
		Data:       buf.Bytes(),
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
		CapturedAt: time.Now(),
	}, nil
}
