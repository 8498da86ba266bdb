// Package transport implements the MCP HTTP/SSE adapter from spec.md §6.1:
// POST/GET/DELETE /mcp endpoints enforcing the transport-level rules
// (duplicate sensitive-header rejection, single-initialize-per-session,
// mcp-protocol-version enforcement) and a JSON-RPC method router that
// delegates to the Tool Dispatcher, Task Manager, and Session Store.
// Grounded on the teacher's dashboard.Server: net/http-based SSE streaming
// via http.Flusher, CORS headers, and a JSON request/response cycle,
// generalized from a metrics dashboard to a JSON-RPC method router.
package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fetchmcp/fetchmcp/internal/adapters"
	"github.com/fetchmcp/fetchmcp/internal/allowlist"
	"github.com/fetchmcp/fetchmcp/internal/dispatcher"
	"github.com/fetchmcp/fetchmcp/internal/logging"
	"github.com/fetchmcp/fetchmcp/internal/reqctx"
	"github.com/fetchmcp/fetchmcp/internal/sessionstore"
	"github.com/fetchmcp/fetchmcp/internal/taskmgr"
)

// sensitiveHeaders are the single-value headers spec.md §6.1 says must
// never be duplicated on an inbound request.
var sensitiveHeaders = []string{
	"Authorization", "X-Api-Key", "Host", "Origin", "Content-Length", "Mcp-Session-Id",
}

// protocolVersion is the mcp-protocol-version this adapter negotiates.
const protocolVersion = "2025-06-18"

// rpcRequest is a JSON-RPC 2.0 request or notification.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r rpcRequest) isNotification() bool { return len(r.ID) == 0 }

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Server is the MCP transport adapter.
type Server struct {
	Dispatcher *dispatcher.Dispatcher
	Sessions   *sessionstore.Store
	Tasks      *taskmgr.Manager
	Allowlist  *allowlist.List
	Auth       adapters.AuthVerifier
	Log        *logging.Logger

	SessionTTL  time.Duration
	MaxSessions int

	sseMu   sync.Mutex
	sseSubs map[string]chan []byte

	mux *http.ServeMux
}

// New builds a Server and registers its routes.
func New(d *dispatcher.Dispatcher, sessions *sessionstore.Store, tasks *taskmgr.Manager, al *allowlist.List, auth adapters.AuthVerifier, log *logging.Logger) *Server {
	s := &Server{
		Dispatcher:  d,
		Sessions:    sessions,
		Tasks:       tasks,
		Allowlist:   al,
		Auth:        auth,
		SessionTTL:  30 * time.Minute,
		MaxSessions: 1000,
		sseSubs:     make(map[string]chan []byte),
		mux:         http.NewServeMux(),
	}
	s.mux.HandleFunc("/mcp", s.withCORS(s.handleMCP))
	return s
}

// Handler returns the http.Handler serving every registered route.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) withCORS(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id, Mcp-Protocol-Version")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if s.Allowlist != nil && !s.Allowlist.Allows(r.Host) {
			http.Error(w, "host not allowed", http.StatusForbidden)
			return
		}
		if dup := firstDuplicateHeader(r); dup != "" {
			http.Error(w, fmt.Sprintf("duplicate header %q not allowed", dup), http.StatusBadRequest)
			return
		}
		h(w, r)
	}
}

func firstDuplicateHeader(r *http.Request) string {
	for _, name := range sensitiveHeaders {
		if len(r.Header.Values(name)) > 1 {
			return name
		}
	}
	return ""
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleSSE(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed json-rpc body", http.StatusBadRequest)
		return
	}

	sessionID := r.Header.Get("Mcp-Session-Id")

	if req.Method == "initialize" {
		s.handleInitialize(w, r, req)
		return
	}

	if req.Method == "notifications/initialized" {
		if !req.isNotification() {
			http.Error(w, "notifications/initialized must not carry an id", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if r.Header.Get("Mcp-Protocol-Version") == "" {
		http.Error(w, "mcp-protocol-version header required after initialize", http.StatusBadRequest)
		return
	}

	if _, ok := s.Sessions.Get(sessionID); !ok {
		http.Error(w, "unknown or expired session", http.StatusBadRequest)
		return
	}
	s.Sessions.Touch(sessionID)

	ctx := reqctx.WithCarrier(r.Context(), reqctx.Carrier{
		RequestID:   newID(),
		OperationID: newID(),
		SessionID:   sessionID,
	})

	result, rpcErr := s.route(ctx, req, sessionID)
	s.writeRPCResponse(w, req, result, rpcErr)
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, req rpcRequest) {
	accept := r.Header.Get("Accept")
	if !strings.Contains(accept, "application/json") || !strings.Contains(accept, "text/event-stream") {
		http.Error(w, "Accept header must include application/json and text/event-stream", http.StatusBadRequest)
		return
	}

	if existing := r.Header.Get("Mcp-Session-Id"); existing != "" {
		if _, ok := s.Sessions.Get(existing); ok {
			http.Error(w, "session already initialized", http.StatusBadRequest)
			return
		}
	}

	if !s.Sessions.EnsureCapacity(s.MaxSessions) {
		http.Error(w, "server at session capacity", http.StatusServiceUnavailable)
		return
	}

	sessionID := newID()
	now := time.Now()
	s.Sessions.Put(sessionstore.Entry{
		SessionID:                 sessionID,
		CreatedAt:                 now,
		LastSeen:                  now,
		ProtocolInitialized:       true,
		NegotiatedProtocolVersion: protocolVersion,
	})

	w.Header().Set("Mcp-Session-Id", sessionID)
	s.writeRPCResponse(w, req, map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
	}, nil)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if _, ok := s.Sessions.Remove(sessionID); !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.closeSSESub(sessionID)
	w.WriteHeader(http.StatusOK)
}

// handleSSE streams JSON-RPC server-to-client notifications for a session,
// mirroring the teacher's handleMetricsStream/handleLogsStream Flusher loop
// generalized to a per-session channel keyed by mcp-session-id.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "mcp-session-id header required", http.StatusBadRequest)
		return
	}
	if _, ok := s.Sessions.Get(sessionID); !ok {
		http.Error(w, "unknown or expired session", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.registerSSESub(sessionID)
	defer s.unregisterSSESub(sessionID, ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *Server) registerSSESub(sessionID string) chan []byte {
	ch := make(chan []byte, 32)
	s.sseMu.Lock()
	s.sseSubs[sessionID] = ch
	s.sseMu.Unlock()
	return ch
}

func (s *Server) unregisterSSESub(sessionID string, ch chan []byte) {
	s.sseMu.Lock()
	if s.sseSubs[sessionID] == ch {
		delete(s.sseSubs, sessionID)
	}
	s.sseMu.Unlock()
}

func (s *Server) closeSSESub(sessionID string) {
	s.sseMu.Lock()
	if ch, ok := s.sseSubs[sessionID]; ok {
		close(ch)
		delete(s.sseSubs, sessionID)
	}
	s.sseMu.Unlock()
}

// PublishProgress sends a `notifications/progress` event to sessionID's SSE
// stream, if one is connected; best-effort, never blocks.
func (s *Server) PublishProgress(sessionID, progressToken, stage string) {
	s.sseMu.Lock()
	ch, ok := s.sseSubs[sessionID]
	s.sseMu.Unlock()
	if !ok {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "notifications/progress",
		"params":  map[string]interface{}{"progressToken": progressToken, "stage": stage},
	})
	if err != nil {
		return
	}
	select {
	case ch <- payload:
	default:
	}
}

// toolCallParams is the `tools/call` params shape carrying the `fetch-url`
// tool's input (spec.md §6.2) plus the optional task-mode envelope.
type toolCallParams struct {
	Name      string `json:"name"`
	Arguments struct {
		URL              string `json:"url"`
		ForceRefresh     bool   `json:"forceRefresh"`
		SkipNoiseRemoval bool   `json:"skipNoiseRemoval"`
	} `json:"arguments"`
	Task *struct {
		TTLMillis int64 `json:"ttl"`
	} `json:"task"`
}

type taskIDParams struct {
	TaskID string `json:"taskId"`
}

type listTasksParams struct {
	Cursor string `json:"cursor"`
	Limit  int    `json:"limit"`
}

// route dispatches a JSON-RPC method to the appropriate component (spec.md
// §6.1's recognized-methods list).
func (s *Server) route(ctx context.Context, req rpcRequest, sessionID string) (interface{}, *rpcError) {
	ownerKey := ownerKeyFor(sessionID)

	switch req.Method {
	case "tools/list":
		return toolsListResult(), nil

	case "tools/call":
		var params toolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &rpcError{Code: -32602, Message: "invalid params"}
		}
		var task *dispatcher.TaskOptions
		if params.Task != nil {
			task = &dispatcher.TaskOptions{TTL: time.Duration(params.Task.TTLMillis) * time.Millisecond}
		}
		res, err := s.Dispatcher.Dispatch(ctx, dispatcher.Request{
			OwnerKey: ownerKey,
			Input: dispatcher.Input{
				URL:              params.Arguments.URL,
				ForceRefresh:     params.Arguments.ForceRefresh,
				SkipNoiseRemoval: params.Arguments.SkipNoiseRemoval,
			},
			Task: task,
			OnProgress: func(stage string) {
				s.PublishProgress(sessionID, req.Method, stage)
			},
		})
		if err != nil {
			return toolErrorResult(err, params.Arguments.URL), nil
		}
		return toolCallResult(res), nil

	case "tasks/get", "tasks/result":
		var params taskIDParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &rpcError{Code: -32602, Message: "invalid params"}
		}
		task, ok := s.Tasks.GetTask(params.TaskID, ownerKey)
		if !ok {
			return nil, &rpcError{Code: -32001, Message: "task not found"}
		}
		return taskToJSON(task), nil

	case "tasks/cancel":
		var params taskIDParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &rpcError{Code: -32602, Message: "invalid params"}
		}
		task, ok := s.Tasks.CancelTask(params.TaskID, ownerKey, "cancelled by client")
		if !ok {
			return nil, &rpcError{Code: -32001, Message: "task not found"}
		}
		return taskToJSON(task), nil

	case "tasks/list":
		var params listTasksParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, &rpcError{Code: -32602, Message: "invalid params"}
			}
		}
		listResult, err := s.Tasks.ListTasks(taskmgr.ListOptions{OwnerKey: ownerKey, Cursor: params.Cursor, Limit: params.Limit})
		if err != nil {
			return nil, &rpcError{Code: -32602, Message: "malformed cursor"}
		}
		tasks := make([]interface{}, 0, len(listResult.Tasks))
		for _, t := range listResult.Tasks {
			tasks = append(tasks, taskToJSON(t))
		}
		return map[string]interface{}{"tasks": tasks, "nextCursor": listResult.NextCursor}, nil

	default:
		return nil, &rpcError{Code: -32601, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
}

// ownerKeyFor derives the Task Manager owner key (spec.md §3.1's "session
// id > auth client id > SHA-256 of bearer token > default" precedence).
// Only the session-id/default tiers are implemented: the auth-client-id and
// bearer-token tiers are not applied, and Server.Auth is never consulted.
func ownerKeyFor(sessionID string) string {
	if sessionID != "" {
		return sessionID
	}
	return "default"
}

func toolsListResult() map[string]interface{} {
	return map[string]interface{}{
		"tools": []map[string]interface{}{
			{
				"name":        "fetch-url",
				"description": "Fetch a URL and return its content as markdown",
				"inputSchema": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"url":              map[string]string{"type": "string"},
						"forceRefresh":     map[string]string{"type": "boolean"},
						"skipNoiseRemoval": map[string]string{"type": "boolean"},
					},
					"required": []string{"url"},
				},
			},
		},
	}
}

func toolCallResult(res interface{}) map[string]interface{} {
	switch v := res.(type) {
	case dispatcher.Result:
		return map[string]interface{}{
			"content": []map[string]interface{}{
				{"type": "text", "text": v.Markdown},
			},
			"structuredContent": v,
			"isError":           false,
		}
	case dispatcher.TaskSummary:
		return map[string]interface{}{
			"taskId":       v.TaskID,
			"status":       v.Status,
			"pollInterval": v.PollInterval.Milliseconds(),
			"_meta": map[string]interface{}{
				"io.modelcontextprotocol/related-task": v.RelatedTask,
			},
		}
	default:
		return map[string]interface{}{"content": nil, "isError": true}
	}
}

func toolErrorResult(err error, url string) map[string]interface{} {
	payload, _ := json.Marshal(map[string]string{"error": err.Error(), "url": url})
	return map[string]interface{}{
		"content": []map[string]interface{}{
			{"type": "text", "text": string(payload)},
		},
		"isError": true,
	}
}

func taskToJSON(t taskmgr.Task) map[string]interface{} {
	out := map[string]interface{}{
		"taskId":        t.TaskID,
		"status":        t.Status,
		"statusMessage": t.StatusMessage,
		"createdAt":     t.CreatedAt,
		"lastUpdatedAt": t.LastUpdatedAt,
		"pollInterval":  t.PollInterval.Milliseconds(),
	}
	if t.Result != nil {
		out["result"] = t.Result
	}
	if t.Err != nil {
		out["error"] = t.Err.Error()
	}
	return out
}

func newID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func (s *Server) writeRPCResponse(w http.ResponseWriter, req rpcRequest, result interface{}, rpcErr *rpcError) {
	w.Header().Set("Content-Type", "application/json")
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr}
	if rpcErr != nil {
		w.WriteHeader(http.StatusOK) // JSON-RPC errors still ride a 200 envelope
	}
	_ = json.NewEncoder(w).Encode(resp)
}
