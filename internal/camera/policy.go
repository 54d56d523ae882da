package camera

import "time"

// LoopPolicy はキャプチャループの振る舞いを決める
type LoopPolicy struct {
	Name              string
	SuccessDelay      time.Duration // 送信成功後の待機時間
	ErrorDelay        time.Duration // 送信失敗後の待機時間
	HapticOnDetection bool          // 顔検出時に触覚フィードバックを行うか
}

// StandardPolicy はデスクトップ向けの1秒間隔ループ
var StandardPolicy = LoopPolicy{
	Name:         "standard",
	SuccessDelay: 1000 * time.Millisecond,
	ErrorDelay:   1000 * time.Millisecond,
}

// PowerAwarePolicy はモバイル向けの省電力ループ
var PowerAwarePolicy = LoopPolicy{
	Name:              "power-aware",
	SuccessDelay:      1500 * time.Millisecond,
	ErrorDelay:        2000 * time.Millisecond,
	HapticOnDetection: true,
}

// PolicyFor はデバイス種別に応じたループ方針を返す
func PolicyFor(class DeviceClass) LoopPolicy {
	if class == DeviceClassMobile {
		return PowerAwarePolicy
	}
	return StandardPolicy
}
