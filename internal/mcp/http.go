package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/namespace"
	"github.com/taskmesh/taskmesh/internal/types"
)

// SessionHeader carries the session id on the HTTP transport.
const SessionHeader = "Mcp-Session-Id"

// NamespaceHeader carries the namespace intent on HTTP requests.
const NamespaceHeader = "X-Namespace"

// sseHeartbeat keeps idle SSE connections alive through proxies.
const sseHeartbeat = 15 * time.Second

// Server is the HTTP and WebSocket frontend.
type Server struct {
	core   *Core
	mode   string
	logger *zap.Logger
}

// NewServer creates an HTTP frontend around the protocol core. mode is
// reported by /health.
func NewServer(core *Core, mode string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{core: core, mode: mode, logger: logger}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /mcp", s.handlePost)
	mux.HandleFunc("POST /mcp/{namespace}", s.handlePost)
	mux.HandleFunc("GET /mcp", s.handleStream)
	mux.HandleFunc("GET /mcp/{namespace}", s.handleWebSocket)
	mux.HandleFunc("POST /api/memory", s.handleAPIMemory)
	mux.HandleFunc("GET /api/search", s.handleAPISearch)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.core.Version,
		"mode":    s.mode,
	})
}

// candidates extracts the namespace intents an HTTP request presents.
func candidates(r *http.Request) []namespace.Candidate {
	var out []namespace.Candidate
	if ns := r.PathValue("namespace"); ns != "" {
		out = append(out, namespace.Candidate{Source: namespace.SourcePath, Name: ns})
	}
	if ns := r.Header.Get(NamespaceHeader); ns != "" {
		out = append(out, namespace.Candidate{Source: namespace.SourceHeader, Name: ns})
	}
	return out
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(json.RawMessage("null"), CodeParseError, "parse error", nil))
		return
	}

	if req.Method == "initialize" {
		var params InitializeParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse(req.ID, CodeInvalidParams, "invalid initialize params", nil))
				return
			}
		}
		// The handshake namespace option is stdio-only; network callers
		// bind through the URL or header.
		params.Namespace = ""
		sess, result, err := s.core.Initialize(params, candidates(r))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, domainError(req.ID, err))
			return
		}
		w.Header().Set(SessionHeader, sess.ID)
		writeJSON(w, http.StatusOK, resultResponse(req.ID, result))
		return
	}

	sess, ok := s.core.Sessions.Get(r.Header.Get(SessionHeader))
	if !ok {
		writeJSON(w, http.StatusBadRequest,
			domainError(req.ID, types.E(types.CodeNamespaceBinding, "missing or unknown %s header; call initialize first", SessionHeader)))
		return
	}
	resp := s.core.Handle(r.Context(), sess, &req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStream serves GET /mcp: a WebSocket upgrade when requested,
// otherwise the SSE notification stream.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleWebSocket(w, r)
		return
	}
	s.handleSSE(w, r)
}

// handleSSE streams notifications for an initialized session.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.core.Sessions.Get(r.Header.Get(SessionHeader))
	if !ok {
		http.Error(w, "unknown session", http.StatusBadRequest)
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
	flusher.Flush()

	sub := s.core.Notifier.Subscribe(sess.ID, sess.Namespace)
	defer s.core.Notifier.Unsubscribe(sess.ID)

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			data, err := json.Marshal(NewNotification(ev.Method, ev.Params))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// handleAPIMemory is the REST façade over the memory tool. The body is
// the tool's argument object; the namespace comes from the header.
func (s *Server) handleAPIMemory(w http.ResponseWriter, r *http.Request) {
	var args json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		writeAPIError(w, types.Validation("invalid JSON body"))
		return
	}
	s.restCall(w, r, "memory", args)
}

// handleAPISearch is the REST façade over search_content.
func (s *Server) handleAPISearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	args := map[string]any{
		"query": q.Get("query"),
	}
	if st := q.Get("search_type"); st != "" {
		args["search_type"] = st
	}
	if limit := q.Get("limit"); limit != "" {
		var n int
		if _, err := fmt.Sscanf(limit, "%d", &n); err == nil {
			args["limit"] = n
		}
	}
	raw, _ := json.Marshal(args)
	s.restCall(w, r, "search_content", raw)
}

// restCall runs one tool under an ephemeral session bound from the
// request headers.
func (s *Server) restCall(w http.ResponseWriter, r *http.Request, tool string, args json.RawMessage) {
	sess, err := s.core.Sessions.Open(candidates(r), types.ClientInfo{Name: "rest"})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	defer s.core.Sessions.Close(sess.ID)

	ctx, cancel := context.WithTimeout(r.Context(), s.core.Timeout)
	defer cancel()
	result, err := s.core.Dispatcher.Call(ctx, sess, tool, args)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeAPIError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch types.CodeOf(err) {
	case types.CodeNotFound:
		status = http.StatusNotFound
	case types.CodeValidation, types.CodeNamespaceBinding, types.CodeHierarchy,
		types.CodeCycle, types.CodeOrderSet, types.CodeDerived:
		status = http.StatusBadRequest
	case types.CodeConflict:
		status = http.StatusConflict
	case types.CodeTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"code":  string(types.CodeOf(err)),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
