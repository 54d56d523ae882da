package server

import (
	"sync"
	"time"

	"shusseki/internal/camera"
)

// DefaultMessageTTL はメッセージの表示時間
const DefaultMessageTTL = 5 * time.Second

// Message はユーザーに表示する一時メッセージ
type Message struct {
	Level     camera.Level `json:"level"`
	Text      string       `json:"text"`
	CreatedAt time.Time    `json:"created_at"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// MessageBoard は一定時間だけ表示されるメッセージを保持する camera.Notifier 実装
type MessageBoard struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	messages  []Message
	listeners []func(Message)
}

// NewMessageBoard は新しいMessageBoardを作成する
func NewMessageBoard(ttl time.Duration) *MessageBoard {
	if ttl <= 0 {
		ttl = DefaultMessageTTL
	}
	return &MessageBoard{ttl: ttl, now: time.Now}
}

// OnMessage はメッセージ追加時に呼ばれる関数を登録する
func (b *MessageBoard) OnMessage(fn func(Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Notify はメッセージを追加する
func (b *MessageBoard) Notify(level camera.Level, text string) {
	now := b.now()
	msg := Message{
		Level:     level,
		Text:      text,
		CreatedAt: now,
		ExpiresAt: now.Add(b.ttl),
	}

	b.mu.Lock()
	b.messages = append(b.pruneLocked(now), msg)
	listeners := append([]func(Message){}, b.listeners...)
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(msg)
	}
}

// Active は期限切れでないメッセージを古い順に返す
func (b *MessageBoard) Active() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.messages = b.pruneLocked(b.now())
	return append([]Message{}, b.messages...)
}

func (b *MessageBoard) pruneLocked(now time.Time) []Message {
	kept := b.messages[:0]
	for _, m := range b.messages {
		if now.Before(m.ExpiresAt) {
			kept = append(kept, m)
		}
	}
	return kept
}
