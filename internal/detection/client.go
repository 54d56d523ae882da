// Package detection はフレーム処理エンドポイントとの通信を担う
package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"
)

// ProcessFramePath はフレーム処理エンドポイントのパス
const ProcessFramePath = "/api/v1/camera/process-frame"

// Uploader はJPEGフレームを送信して検出結果を受け取る
// sessionID はバックエンドがフレームバッファを選ぶために使う
type Uploader interface {
	Upload(ctx context.Context, sessionID string, jpeg []byte) (*Result, error)
}

// StatusError は2xx以外のレスポンスを表す
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("処理エンドポイントがステータス %d を返しました: %s", e.StatusCode, e.Body)
}

// HTTPClient はmultipart/form-dataでフレームを送信する
type HTTPClient struct {
	endpoint   string
	sessionID  string
	httpClient *http.Client
}

// Option はHTTPClientの設定関数
type Option func(*HTTPClient)

// WithSessionID は送信時に付与するセッションIDを固定する
// 指定するとキャプチャセッションのIDより優先される
func WithSessionID(id string) Option {
	return func(c *HTTPClient) {
		c.sessionID = id
	}
}

// WithHTTPClient は使用するhttp.Clientを設定する
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) {
		c.httpClient = hc
	}
}

// WithTimeout は1回の送信のタイムアウトを設定する
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		c.httpClient = &http.Client{Timeout: d}
	}
}

// NewHTTPClient は新しいHTTPClientを作成する
// baseURL にはスキームとホストを含むURL（例: http://localhost:8000）を指定する
func NewHTTPClient(baseURL string, opts ...Option) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("エンドポイントURLが不正です: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("エンドポイントURLのスキームが不正です: %s", baseURL)
	}

	c := &HTTPClient{
		endpoint:   u.String() + ProcessFramePath,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Endpoint は送信先URLを返す
func (c *HTTPClient) Endpoint() string {
	return c.endpoint
}

// Upload はフレームを1回だけ送信する。再送は行わない
func (c *HTTPClient) Upload(ctx context.Context, sessionID string, jpeg []byte) (*Result, error) {
	body, contentType, err := encodeMultipart(jpeg)
	if err != nil {
		return nil, err
	}

	if c.sessionID != "" {
		sessionID = c.sessionID
	}
	endpoint := c.endpoint
	if sessionID != "" {
		endpoint += "?session_id=" + url.QueryEscape(sessionID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("リクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("フレームの送信に失敗: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("レスポンスの読み込みに失敗: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("レスポンスの解析に失敗: %w", err)
	}
	return &result, nil
}

// encodeMultipart は image フィールド1つのフォームを作成する
func encodeMultipart(jpeg []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="frame.jpg"`)
	header.Set("Content-Type", "image/jpeg")

	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("フォームの作成に失敗: %w", err)
	}
	if _, err := part.Write(jpeg); err != nil {
		return nil, "", fmt.Errorf("フォームへの書き込みに失敗: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("フォームの終端に失敗: %w", err)
	}

	return &buf, w.FormDataContentType(), nil
}
