// handler_test.go — API 路由: 动作错误映射与 run 视图。
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/agent-console/go-console/internal/bus"
	"github.com/agent-console/go-console/internal/engine"
	"github.com/agent-console/go-console/internal/harness"
	"github.com/agent-console/go-console/internal/run"
)

// stubClient 最小 harness 协作方。
type stubClient struct{ runID string }

func (s *stubClient) StartRun(context.Context, harness.StartParams) (string, error) {
	return s.runID, nil
}
func (s *stubClient) CancelRun(context.Context, string) error      { return nil }
func (s *stubClient) SendInput(context.Context, string, string) error { return nil }
func (s *stubClient) FetchRunDetail(context.Context, string) (*run.Detail, error) {
	return nil, nil
}
func (s *stubClient) Subscribe(harness.EventHandler) (func(), error) {
	return func() {}, nil
}

func newTestServer(workspace string) (*Server, *engine.Engine) {
	gin.SetMode(gin.TestMode)
	pub := bus.NewResilientPublisher(bus.NewMessageBus(), nil)
	eng := engine.New(&stubClient{runID: "r-1"}, pub, nil, engine.Options{Workspace: workspace})
	return NewServer(eng, nil), eng
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)
	return w
}

func TestStartRunEndpoint(t *testing.T) {
	srv, _ := newTestServer("/tmp/ws")
	w := doJSON(t, srv, http.MethodPost, "/api/runs",
		`{"provider":"codex","prompt":"hi","mode":"oneshot"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data struct {
			RunID string `json:"run_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.RunID != "r-1" {
		t.Errorf("run_id = %q", resp.Data.RunID)
	}
}

func TestStartRunEndpoint_NoWorkspace(t *testing.T) {
	srv, _ := newTestServer("")
	w := doJSON(t, srv, http.MethodPost, "/api/runs",
		`{"provider":"codex","prompt":"hi"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "no_workspace") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestCancelEndpoint_ErrorMapping(t *testing.T) {
	srv, eng := newTestServer("/tmp/ws")

	// 未知 run → 404
	w := doJSON(t, srv, http.MethodPost, "/api/runs/r-nope/cancel", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown run status = %d, want 404", w.Code)
	}

	// 终态 run → 409
	id, _ := eng.StartRun(context.Background(), engine.StartRequest{
		Provider: run.ProviderCodex, Prompt: "x",
	})
	eng.HandleEvent(run.Event{RunID: id, Seq: 1, Kind: run.EventStarted})
	eng.HandleEvent(run.Event{RunID: id, Seq: 2, Kind: run.EventCompleted})

	w = doJSON(t, srv, http.MethodPost, "/api/runs/"+id+"/cancel", "")
	if w.Code != http.StatusConflict {
		t.Errorf("terminal run status = %d, want 409", w.Code)
	}
}

func TestGetRunEndpoint(t *testing.T) {
	srv, eng := newTestServer("/tmp/ws")
	id, _ := eng.StartRun(context.Background(), engine.StartRequest{
		Provider: run.ProviderClaude, Prompt: "q", Mode: run.ModeSession,
	})

	w := doJSON(t, srv, http.MethodGet, "/api/runs/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Data engine.RunView `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.Run.Prompt != "q" || resp.Data.Run.Status != run.StatusQueued {
		t.Errorf("view = %+v", resp.Data)
	}
}

func TestConversationTimelineEndpoint(t *testing.T) {
	srv, eng := newTestServer("/tmp/ws")
	id, _ := eng.StartRun(context.Background(), engine.StartRequest{
		Provider: run.ProviderCodex, Prompt: "hi", Mode: run.ModeSession,
	})
	view, _ := eng.View(id)

	w := doJSON(t, srv, http.MethodGet, "/api/conversations/"+view.Run.ConversationID+"/timeline", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Data struct {
			Messages []json.RawMessage `json:"messages"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// 活跃 run → user + pending 占位
	if len(resp.Data.Messages) != 2 {
		t.Errorf("messages = %d, want 2", len(resp.Data.Messages))
	}
}

func TestListRunsEndpoint(t *testing.T) {
	srv, eng := newTestServer("/tmp/ws")
	first, _ := eng.StartRun(context.Background(), engine.StartRequest{
		Provider: run.ProviderCodex, Prompt: "one",
	})

	w := doJSON(t, srv, http.MethodGet, "/api/runs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Data []engine.RunView `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].Run.ID != first {
		t.Errorf("views = %+v", resp.Data)
	}
}

func TestListRunsEndpoint_PersistedNoStore(t *testing.T) {
	srv, _ := newTestServer("/tmp/ws")
	w := doJSON(t, srv, http.MethodGet, "/api/runs?source=persisted", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"data":[]`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestGetRunEndpoint_UnknownNoStore(t *testing.T) {
	srv, _ := newTestServer("/tmp/ws")
	w := doJSON(t, srv, http.MethodGet, "/api/runs/r-ghost", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestConversationDetailEndpoint_NoStore(t *testing.T) {
	srv, _ := newTestServer("/tmp/ws")
	w := doJSON(t, srv, http.MethodGet, "/api/conversations/c-1", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestUnarchiveEndpoint_NoStore(t *testing.T) {
	srv, _ := newTestServer("/tmp/ws")
	w := doJSON(t, srv, http.MethodPost, "/api/conversations/c-1/unarchive", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestProvidersEndpoint_NoStore(t *testing.T) {
	srv, _ := newTestServer("/tmp/ws")
	w := doJSON(t, srv, http.MethodGet, "/api/providers", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Data []string `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []string{"codex", "claude"}
	if len(resp.Data) != len(want) {
		t.Fatalf("providers = %v", resp.Data)
	}
	for i, p := range want {
		if resp.Data[i] != p {
			t.Errorf("providers[%d] = %q, want %q", i, resp.Data[i], p)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer("/tmp/ws")
	w := doJSON(t, srv, http.MethodGet, "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"pending_messages":0`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestLegacyTimelineEndpoint_BadFence(t *testing.T) {
	srv, _ := newTestServer("/tmp/ws")
	w := doJSON(t, srv, http.MethodGet, "/api/timeline/legacy?start_after=yesterday", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestListConversations_NoStore(t *testing.T) {
	srv, _ := newTestServer("/tmp/ws")
	w := doJSON(t, srv, http.MethodGet, "/api/conversations", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"data":[]`) {
		t.Errorf("body = %s", w.Body.String())
	}
}
