// Package server は操作パネルのHTTPサーバーを提供する。
//
// キャプチャクライアントの開始・停止・デバイス選択をHTTP APIとして公開し、
// ライブプレビュー（MJPEG）、直近のキャプチャ画像、一時メッセージ、
// WebSocketによるイベント配信を担当する。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - 操作パネル（埋め込みHTML）の配信
//   - プレビューとキャプチャ画像の配信
//   - 状態変化・検出結果・メッセージのWebSocket配信
package server
