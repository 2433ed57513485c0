// gateway_test.go — 网关客户端: HTTP 动作、404 语义、WS 订阅帧派发。
package harness

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-console/go-console/internal/run"
)

func newTestClient(t *testing.T, handler http.Handler) (*GatewayClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	return NewGatewayClient(srv.URL, wsURL, 0), srv
}

func TestNewGatewayClient_Timeout(t *testing.T) {
	c := NewGatewayClient("http://x", "ws://x/events", 7*time.Second)
	if c.http.Timeout != 7*time.Second {
		t.Errorf("timeout = %v, want 7s", c.http.Timeout)
	}
	// ≤ 0 → 默认值兜底
	c = NewGatewayClient("http://x", "ws://x/events", 0)
	if c.http.Timeout != defaultGatewayTimeout {
		t.Errorf("default timeout = %v, want %v", c.http.Timeout, defaultGatewayTimeout)
	}
}

func TestGatewayClient_StartRun(t *testing.T) {
	var got StartParams
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/runs" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode params: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"run_id": "r-42"})
	}))

	id, err := client.StartRun(context.Background(), StartParams{
		Provider: run.ProviderCodex,
		Prompt:   "hi",
		Mode:     run.ModeOneShot,
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if id != "r-42" {
		t.Errorf("run id = %q, want r-42", id)
	}
	if got.Provider != run.ProviderCodex || got.Prompt != "hi" {
		t.Errorf("forwarded params = %+v", got)
	}
}

func TestGatewayClient_StartRunEmptyID(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	}))
	if _, err := client.StartRun(context.Background(), StartParams{Prompt: "x"}); err == nil {
		t.Fatal("expected error on empty run_id")
	}
}

func TestGatewayClient_CancelAndInput(t *testing.T) {
	var paths []string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))

	if err := client.CancelRun(context.Background(), "r-1"); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	if err := client.SendInput(context.Background(), "r-1", "more"); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	want := []string{"/runs/r-1/cancel", "/runs/r-1/input"}
	for i, p := range want {
		if paths[i] != p {
			t.Errorf("paths[%d] = %q, want %q", i, paths[i], p)
		}
	}
}

func TestGatewayClient_CancelGatewayError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "run not active", http.StatusConflict)
	}))
	err := client.CancelRun(context.Background(), "r-1")
	if err == nil {
		t.Fatal("expected error on 409")
	}
	if !strings.Contains(err.Error(), "409") {
		t.Errorf("error lacks status code: %v", err)
	}
}

func TestGatewayClient_FetchRunDetail(t *testing.T) {
	detail := run.Detail{
		Run: run.Run{ID: "r-9", Provider: run.ProviderClaude, Status: run.StatusCompleted},
		Events: []run.Event{
			{RunID: "r-9", Seq: 1, Kind: run.EventStarted},
		},
	}
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/runs/r-9":
			_ = json.NewEncoder(w).Encode(detail)
		default:
			http.NotFound(w, r)
		}
	}))

	got, err := client.FetchRunDetail(context.Background(), "r-9")
	if err != nil {
		t.Fatalf("FetchRunDetail: %v", err)
	}
	if got == nil || got.Run.ID != "r-9" || len(got.Events) != 1 {
		t.Errorf("detail = %+v", got)
	}

	// 未知 run → (nil, nil)
	missing, err := client.FetchRunDetail(context.Background(), "r-unknown")
	if err != nil {
		t.Fatalf("FetchRunDetail unknown: %v", err)
	}
	if missing != nil {
		t.Errorf("unknown run detail = %+v, want nil", missing)
	}
}

// TestGatewayClient_Subscribe 通过真实 WS 服务端验证帧解码与派发。
func TestGatewayClient_Subscribe(t *testing.T) {
	upgrader := websocket.Upgrader{}
	frames := []string{
		`{"run_id":"r-1","seq":1,"kind":"started"}`,
		`not json at all`, // 坏帧必须被跳过
		`{"seq":2,"kind":"stdout"}`, // 缺 run_id, 丢弃
		`{"run_id":"r-1","seq":2,"kind":"stdout","payload":{"chunk":"hi"}}`,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer func() { _ = conn.Close() }()
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		// 保持连接直到客户端退订
		_, _, _ = conn.ReadMessage()
	})

	client, _ := newTestClient(t, mux)

	var mu sync.Mutex
	var received []run.Event
	done := make(chan struct{})
	unsubscribe, err := client.Subscribe(func(ev run.Event) {
		mu.Lock()
		received = append(received, ev)
		if len(received) == 2 {
			close(done)
		}
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	if received[0].Kind != run.EventStarted || received[0].Seq != 1 {
		t.Errorf("received[0] = %+v", received[0])
	}
	if received[1].Kind != run.EventStdout || received[1].Chunk() != "hi" {
		t.Errorf("received[1] = %+v", received[1])
	}
}

func TestGatewayClient_SubscribeNilHandler(t *testing.T) {
	client := NewGatewayClient("http://127.0.0.1:1", "ws://127.0.0.1:1/events", 0)
	if _, err := client.Subscribe(nil); err == nil {
		t.Fatal("expected error on nil handler")
	}
}

// TestGatewayClient_UnsubscribeAfterReconnect 重连后退订必须立即关闭
// 新连接, 而不是等读超时。
func TestGatewayClient_UnsubscribeAfterReconnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	dials := 0
	reconnected := make(chan *websocket.Conn, 1)
	secondClosed := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()

		if n == 1 {
			// 首连立即断开, 触发客户端重连
			_ = conn.Close()
			return
		}
		reconnected <- conn
		// 客户端退订关闭连接 → 服务端读返回错误
		_, _, _ = conn.ReadMessage()
		close(secondClosed)
	})

	client, _ := newTestClient(t, mux)
	unsubscribe, err := client.Subscribe(func(run.Event) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for reconnect")
	}

	unsubscribe()

	select {
	case <-secondClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe did not close the reconnected connection promptly")
	}
}

func TestReconnectDelay(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{6, 15 * time.Second},
		{10, 15 * time.Second},
	}
	for _, tc := range cases {
		if got := reconnectDelay(tc.attempt); got != tc.want {
			t.Errorf("reconnectDelay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
