package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"
)

// freeAddr は空いているローカルポートを返す
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ポートの確保に失敗しました: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	srv := New("127.0.0.1:0", http.NotFoundHandler(), 5*time.Second, 5*time.Second, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("サーバーの起動/停止でエラーが発生しました: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("サーバーの停止がタイムアウトしました")
	}
}

// TestServerEndpoints は起動したサーバーにパネルのルーターが載ることをテストする
func TestServerEndpoints(t *testing.T) {
	p := newTestPanel(t)
	addr := freeAddr(t)
	srv := New(addr, p.router, 5*time.Second, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()
	defer func() {
		cancel()
		<-errCh
	}()

	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = http.Get(fmt.Sprintf("http://%s/health", addr))
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("ヘルスチェックに失敗しました: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("期待したステータスコード %d, 実際: %d", http.StatusOK, resp.StatusCode)
	}
}

// TestServerStart_AddressInUse は待ち受けに失敗した場合にエラーを返すことをテストする
func TestServerStart_AddressInUse(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ポートの確保に失敗しました: %v", err)
	}
	defer func() {
		_ = l.Close()
	}()

	srv := New(l.Addr().String(), http.NotFoundHandler(), time.Second, time.Second, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := srv.Start(ctx); err == nil {
		t.Error("使用中のポートで起動できてしまいました")
	}
}
