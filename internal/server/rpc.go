package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// JSON-RPC 2.0 framing for the message sink. Request ids are echoed back
// verbatim so consumers may send ints, strings, or null.

const maxBodyBytes = 1 << 20

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// handleMessages accepts one JSON-RPC envelope for an open session. The POST
// only acknowledges receipt; the response arrives on the session's stream.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	sess := s.hub.get(r.URL.Query().Get("session_id"))
	if sess == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown session_id"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unreadable body"})
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed request"})
		return
	}

	// Notifications get no reply.
	if strings.HasPrefix(req.Method, "notifications/") {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	go s.dispatch(sess, req)
	w.WriteHeader(http.StatusAccepted)
}

// dispatch resolves one request and queues the reply on the session stream.
// Runs on its own goroutine: a slow tool must not hold up the POST cycle.
func (s *Server) dispatch(sess *sseSession, req rpcRequest) {
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}

	switch req.Method {
	case "initialize":
		resp.Result = map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo": map[string]any{
				"name":    "mnemos",
				"version": serverVersion,
			},
		}

	case "ping":
		resp.Result = map[string]any{}

	case "tools/list":
		resp.Result = map[string]any{"tools": s.toolList()}

	case "tools/call":
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			resp.Error = &rpcError{Code: codeInvalidParams, Message: "tools/call requires a tool name"}
			break
		}
		payload := s.callTool(s.baseCtx, params.Name, params.Arguments)
		resp.Result = map[string]any{
			"content": []map[string]any{{"type": "text", "text": string(payload)}},
			"isError": false,
		}

	default:
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("marshal response failed", zap.String("method", req.Method), zap.Error(err))
		return
	}
	if !sess.send(raw) {
		s.log.Warn("reply dropped, session gone or queue full",
			zap.String("session_id", sess.id), zap.String("method", req.Method))
	}
}
