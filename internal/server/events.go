package server

import (
	"log/slog"
	"sync"
	"time"

	"shusseki/internal/camera"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 25 * time.Second
	sendBuffer   = 32
)

// Envelope はWebSocketで配信するメッセージ
type Envelope struct {
	Kind    string        `json:"kind"` // "event" または "message"
	Event   *camera.Event `json:"event,omitempty"`
	Message *Message      `json:"message,omitempty"`
}

// EventHub は接続中のWebSocketクライアントにイベントを配信する
type EventHub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan Envelope
	done chan struct{}
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// NewEventHub は新しいEventHubを作成する
func NewEventHub(logger *slog.Logger) *EventHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:  logger.With("component", "events"),
		clients: make(map[*wsClient]struct{}),
	}
}

// PublishEvent はクライアントのイベントを配信する
func (h *EventHub) PublishEvent(event camera.Event) {
	h.Broadcast(Envelope{Kind: "event", Event: &event})
}

// PublishMessage は一時メッセージを配信する
func (h *EventHub) PublishMessage(msg Message) {
	h.Broadcast(Envelope{Kind: "message", Message: &msg})
}

// Broadcast は全クライアントに送信する。送信待ちが溢れたクライアントには送らない
func (h *EventHub) Broadcast(env Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- env:
		default:
			h.logger.Warn("送信待ちが溢れたためイベントを破棄しました", "remote", c.conn.RemoteAddr().String())
		}
	}
}

// Clients は接続中のクライアント数を返す
func (h *EventHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close は全ての接続を閉じる
func (h *EventHub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
}

// ServeWS はWebSocket接続を受け付ける
func (h *EventHub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade がエラー応答を書き込み済み
		h.logger.Debug("WebSocketのアップグレードに失敗しました", "error", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan Envelope, sendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("WebSocketクライアントが接続しました", "remote", conn.RemoteAddr().String())

	go h.writeLoop(client)
	h.readLoop(client)
}

// readLoop は切断を検知するまで受信を読み捨てる
func (h *EventHub) readLoop(c *wsClient) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		c.close()
	}()

	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("WebSocketの受信エラー", "error", err)
				}
			}
			return
		}
	}
}

func (h *EventHub) writeLoop(c *wsClient) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
