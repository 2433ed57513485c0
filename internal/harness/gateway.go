// gateway.go — GatewayClient HTTP 侧: start/cancel/input/detail。
package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agent-console/go-console/internal/run"
	apperrors "github.com/agent-console/go-console/pkg/errors"
)

// GatewayClient 通过 HTTP + WebSocket 对接 harness 网关守护进程。
type GatewayClient struct {
	baseURL string
	wsURL   string
	http    *http.Client
}

// defaultGatewayTimeout timeout ≤ 0 时的 HTTP 超时兜底。
const defaultGatewayTimeout = 30 * time.Second

// NewGatewayClient 创建网关客户端。
//
// baseURL 形如 "http://127.0.0.1:19830", wsURL 形如
// "ws://127.0.0.1:19830/events"。timeout 作用于 HTTP 侧动作与
// detail 拉取, ≤ 0 时取默认值。
func NewGatewayClient(baseURL, wsURL string, timeout time.Duration) *GatewayClient {
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	return &GatewayClient{
		baseURL: baseURL,
		wsURL:   wsURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// StartRun 提交一次调用。
func (c *GatewayClient) StartRun(ctx context.Context, params StartParams) (string, error) {
	var resp struct {
		RunID string `json:"run_id"`
	}
	if err := c.postJSON(ctx, "/runs", params, &resp); err != nil {
		return "", apperrors.Wrap(err, "GatewayClient.StartRun", "submit run")
	}
	if resp.RunID == "" {
		return "", apperrors.New("GatewayClient.StartRun", "gateway returned empty run_id")
	}
	return resp.RunID, nil
}

// CancelRun 请求取消。
func (c *GatewayClient) CancelRun(ctx context.Context, runID string) error {
	if err := c.postJSON(ctx, "/runs/"+runID+"/cancel", nil, nil); err != nil {
		return apperrors.Wrapf(err, "GatewayClient.CancelRun", "cancel %s", runID)
	}
	return nil
}

// SendInput 向交互式会话发送输入。
func (c *GatewayClient) SendInput(ctx context.Context, runID, text string) error {
	body := map[string]string{"text": text}
	if err := c.postJSON(ctx, "/runs/"+runID+"/input", body, nil); err != nil {
		return apperrors.Wrapf(err, "GatewayClient.SendInput", "input to %s", runID)
	}
	return nil
}

// FetchRunDetail 拉取完整历史。404 → (nil, nil)。
func (c *GatewayClient) FetchRunDetail(ctx context.Context, runID string) (*run.Detail, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/runs/"+runID, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, "GatewayClient.FetchRunDetail", "build request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Wrapf(err, "GatewayClient.FetchRunDetail", "fetch %s", runID)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.Newf("GatewayClient.FetchRunDetail", "gateway status %d", resp.StatusCode)
	}

	var detail run.Detail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		return nil, apperrors.Wrap(err, "GatewayClient.FetchRunDetail", "decode detail")
	}
	return &detail, nil
}

// postJSON 发送 POST 请求, out 非 nil 时解码响应体。
func (c *GatewayClient) postJSON(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway status %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// readErrorBody 读取错误响应体前 512 字节用于诊断。
func readErrorBody(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 512))
	return string(bytes.TrimSpace(raw))
}
