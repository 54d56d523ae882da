// Package camera 出席カメラのキャプチャクライアントを担う
//
// # 責務
//   - カメラデバイスの列挙（権限確認を含む）
//   - デバイス種別（モバイル/デスクトップ）に応じた取得条件の決定
//   - キャプチャセッションのライフサイクル管理（Idle → Acquiring → Streaming → Idle）
//   - 一定間隔でのフレームJPEG化と処理エンドポイントへの送信
//   - 検出結果に応じたプレビュー更新と触覚フィードバック
//
// # 仕様
//   - Client: セッションの開始・停止・デバイス再選択・単発キャプチャ
//   - LoopPolicy: 送信成功時/失敗時の待機時間と触覚フィードバック有無
//   - MediaDevices: デバイス列挙とストリーム取得の境界
//   - V4L2Devices: v4l2-ctl と ffmpeg を使うLinux実装
//   - SyntheticDevices: テストパターンを生成する仮想カメラ
//   - 1セッション内のキャプチャは厳密に逐次実行される
//   - 停止は協調的で、フレーム待ちは打ち切るが送信中のアップロードは完了まで待ちその結果を破棄する
//
// # 前提要件
//   - v4l-utils: カメラ名とフォーマット一覧の取得に使用
//   - ffmpeg: V4L2デバイスからのMJPEGストリーミングに使用
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
