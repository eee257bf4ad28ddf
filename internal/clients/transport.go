// Package clients connects the service to its downstream mesh peers: the
// vector database, the RAG indexer, and the model server. Each peer speaks
// JSON-RPC 2.0 over SSE: a persistent GET stream announces a POST endpoint
// and carries responses, requests go out as POSTs, and replies are
// correlated back to callers by request id.
package clients

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const protocolVersion = "2024-11-05"

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Transport is one SSE connection to one downstream peer. Safe for
// concurrent callers; each in-flight request owns a channel in the pending
// map keyed by request id.
type Transport struct {
	mu sync.RWMutex

	name    string
	baseURL string
	postURL string
	timeout time.Duration

	// callClient bounds each POST; streamClient carries no timeout because
	// the SSE body must outlive any single call. The read context governs
	// the stream's lifetime instead.
	callClient   *http.Client
	streamClient *http.Client

	connected  bool
	sseBody    io.ReadCloser
	cancel     context.CancelFunc
	pending    map[int]chan *rpcResponse
	nextID     int
	initSignal chan struct{}
	initOnce   sync.Once

	log *zap.Logger
}

// NewTransport builds a transport for the peer at baseURL. name appears in
// logs only. Connect must be called before the first CallTool.
func NewTransport(name, baseURL string, timeout time.Duration, log *zap.Logger) *Transport {
	return &Transport{
		name:         name,
		baseURL:      baseURL,
		timeout:      timeout,
		callClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
		pending:      make(map[int]chan *rpcResponse),
		nextID:       1,
		initSignal:   make(chan struct{}),
		log:          log.Named("clients").With(zap.String("peer", name)),
	}
}

// Connect opens the event stream, waits for the peer to announce its POST
// endpoint, and performs the protocol handshake. Idempotent while connected.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL, nil)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.streamClient.Do(req)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("connect to %s: %w", t.baseURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.mu.Unlock()
		return fmt.Errorf("connect to %s: status %d", t.baseURL, resp.StatusCode)
	}

	t.sseBody = resp.Body
	readCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.readLoop(readCtx, resp.Body)
	t.mu.Unlock()

	select {
	case <-t.initSignal:
	case <-ctx.Done():
		t.Close()
		return ctx.Err()
	case <-time.After(t.timeout):
		t.Close()
		return fmt.Errorf("connect to %s: timeout waiting for endpoint event", t.baseURL)
	}

	initCtx, cancelInit := context.WithTimeout(context.Background(), t.timeout)
	defer cancelInit()
	if err := t.initialize(initCtx); err != nil {
		t.Close()
		return fmt.Errorf("initialize %s: %w", t.baseURL, err)
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()

	t.log.Info("downstream connected", zap.String("url", t.baseURL))
	return nil
}

// Close tears down the stream and unblocks every in-flight caller.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.sseBody != nil {
		t.sseBody.Close()
		t.sseBody = nil
	}
	t.connected = false

	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	return nil
}

// IsConnected reports whether the stream is currently live.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *Transport) readLoop(ctx context.Context, body io.ReadCloser) {
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	eventType := "message"
	var eventData bytes.Buffer

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if line == "" {
			data := strings.TrimSuffix(eventData.String(), "\n")
			if data != "" {
				t.handleEvent(eventType, data)
			}
			eventType = "message"
			eventData.Reset()
			continue
		}

		switch {
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			eventData.WriteString(strings.TrimPrefix(line, "data: "))
			eventData.WriteByte('\n')
		case strings.HasPrefix(line, ":"):
			// Keep-alive comment.
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		t.log.Warn("stream read error", zap.Error(err))
	}

	t.mu.Lock()
	if t.connected {
		t.connected = false
		t.log.Warn("stream closed by peer")
	}
	t.mu.Unlock()
}

func (t *Transport) handleEvent(eventType, data string) {
	switch eventType {
	case "endpoint":
		t.mu.Lock()
		t.postURL = data
		t.mu.Unlock()
		t.initOnce.Do(func() { close(t.initSignal) })
		t.log.Debug("endpoint announced", zap.String("endpoint", data))

	case "message":
		var resp rpcResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			t.log.Warn("unparseable stream message", zap.Error(err))
			return
		}

		t.mu.RLock()
		ch, ok := t.pending[resp.ID]
		t.mu.RUnlock()
		if !ok {
			t.log.Debug("unsolicited response", zap.Int("id", resp.ID))
			return
		}
		select {
		case ch <- &resp:
		default:
		}

	default:
		t.log.Debug("ignored event", zap.String("type", eventType))
	}
}

// call sends one JSON-RPC request and waits for its correlated response.
func (t *Transport) call(ctx context.Context, method string, params any) (*rpcResponse, error) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	ch := make(chan *rpcResponse, 1)
	t.pending[id] = ch
	postURL := t.postURL
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	if postURL == "" {
		return nil, fmt.Errorf("%s: no endpoint announced", t.name)
	}

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.resolveURL(postURL), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := t.callClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", t.name, method, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("%s %s: status %d: %s", t.name, method, httpResp.StatusCode, string(msg))
	}

	// The POST only acknowledges receipt; the response arrives on the stream.
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: connection closed", t.name)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s %s: rpc error %d: %s", t.name, method, resp.Error.Code, resp.Error.Message)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(t.timeout):
		return nil, fmt.Errorf("%s %s: timeout waiting for response", t.name, method)
	}
}

func (t *Transport) resolveURL(u string) string {
	base, err := url.Parse(t.baseURL)
	if err != nil {
		return u
	}
	ref, err := url.Parse(u)
	if err != nil {
		return u
	}
	return base.ResolveReference(ref).String()
}

func (t *Transport) initialize(ctx context.Context) error {
	resp, err := t.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]string{
			"name":    "mnemos",
			"version": "1.0.0",
		},
	})
	if err != nil {
		return err
	}

	var result struct {
		ServerInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(resp.Result, &result); err == nil && result.ServerInfo.Name != "" {
		t.log.Debug("handshake complete",
			zap.String("server", result.ServerInfo.Name),
			zap.String("version", result.ServerInfo.Version))
	}
	return nil
}

// Ping checks peer responsiveness.
func (t *Transport) Ping(ctx context.Context) error {
	_, err := t.call(ctx, "ping", nil)
	return err
}

// CallTool invokes a tool and returns its decoded JSON payload. Tool output
// arrives wrapped in an MCP content list; the payload is the first text
// item. Non-JSON payloads are wrapped as {"success": true, "result": text}.
func (t *Transport) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	resp, err := t.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("%s %s: parse result: %w", t.name, name, err)
	}
	if len(result.Content) == 0 {
		return nil, fmt.Errorf("%s %s: empty tool response", t.name, name)
	}
	text := result.Content[0].Text
	if result.IsError {
		return nil, fmt.Errorf("%s %s: tool error: %s", t.name, name, text)
	}

	raw := []byte(text)
	if json.Valid(raw) {
		return raw, nil
	}
	wrapped, err := json.Marshal(map[string]any{"success": true, "result": text})
	if err != nil {
		return nil, fmt.Errorf("%s %s: wrap result: %w", t.name, name, err)
	}
	return wrapped, nil
}
