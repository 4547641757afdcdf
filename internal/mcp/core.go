package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/dispatch"
	"github.com/taskmesh/taskmesh/internal/namespace"
	"github.com/taskmesh/taskmesh/internal/notify"
	"github.com/taskmesh/taskmesh/internal/session"
	"github.com/taskmesh/taskmesh/internal/types"
)

// ServerName identifies the server in initialize responses.
const ServerName = "taskmesh"

// Core is the transport-independent protocol engine. Every frontend
// feeds decoded requests through Handle; sessions are opened through
// Initialize with transport-specific namespace candidates.
type Core struct {
	Dispatcher *dispatch.Dispatcher
	Sessions   *session.Manager
	Notifier   *notify.Notifier

	Version string
	Timeout time.Duration

	sem    chan struct{}
	logger *zap.Logger
}

// NewCore creates a protocol core. maxConcurrent bounds in-flight tool
// calls across all sessions.
func NewCore(d *dispatch.Dispatcher, sessions *session.Manager, notifier *notify.Notifier, version string, timeout time.Duration, maxConcurrent int, logger *zap.Logger) *Core {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 64
	}
	return &Core{
		Dispatcher: d,
		Sessions:   sessions,
		Notifier:   notifier,
		Version:    version,
		Timeout:    timeout,
		sem:        make(chan struct{}, maxConcurrent),
		logger:     logger,
	}
}

// InitializeParams is the initialize request payload.
type InitializeParams struct {
	ProtocolVersion string           `json:"protocolVersion"`
	ClientInfo      types.ClientInfo `json:"clientInfo"`
	Capabilities    map[string]any   `json:"capabilities,omitempty"`
	// Namespace is the stdio handshake option; network transports bind
	// from the URL or headers instead.
	Namespace string `json:"namespace,omitempty"`
}

// InitializeResult is the initialize response payload.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
	SessionID       string         `json:"sessionId"`
	Namespace       string         `json:"namespace"`
}

// ServerInfo names the server implementation.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Initialize opens and binds a session. candidates carry the
// transport's namespace intents; the handshake option from params is
// appended at header precedence when present.
func (c *Core) Initialize(params InitializeParams, candidates []namespace.Candidate) (*session.Session, *InitializeResult, error) {
	if params.Namespace != "" {
		candidates = append(candidates, namespace.Candidate{Source: namespace.SourceHeader, Name: params.Namespace})
	}
	sess, err := c.Sessions.Open(candidates, params.ClientInfo)
	if err != nil {
		return nil, nil, err
	}
	sess.MarkInitialized()
	res := &InitializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo:      ServerInfo{Name: ServerName, Version: c.Version},
		Capabilities: map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		SessionID: sess.ID,
		Namespace: sess.Namespace,
	}
	return sess, res, nil
}

// toolsCallParams is the tools/call payload.
type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// toolContent is the tools/call result wrapper.
type toolContent struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Handle processes one decoded request for an already-bound session.
// initialize is transport-level and must not arrive here twice.
func (c *Core) Handle(ctx context.Context, sess *session.Session, req *Request) *Response {
	if req.JSONRPC != "2.0" || req.Method == "" {
		return errorResponse(req.ID, CodeInvalidRequest, "invalid request", nil)
	}
	if req.IsNotification() {
		// Client notifications (e.g. notifications/initialized) need no
		// reply.
		return nil
	}

	switch req.Method {
	case "initialize":
		return errorResponse(req.ID, CodeInvalidRequest, "session already initialized", nil)
	case "ping":
		return resultResponse(req.ID, map[string]any{})
	case "tools/list":
		return c.toolsList(req)
	case "tools/call":
		return c.toolsCall(ctx, sess, req)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, "method not found: "+req.Method, nil)
	}
}

func (c *Core) toolsList(req *Request) *Response {
	tools := c.Dispatcher.Registry().List()
	list := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		list = append(list, map[string]any{
			"name":        t.Name(),
			"description": t.Description(),
			"inputSchema": t.InputSchema(),
		})
	}
	return resultResponse(req.ID, map[string]any{"tools": list})
}

func (c *Core) toolsCall(ctx context.Context, sess *session.Session, req *Request) *Response {
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, "invalid tools/call params", nil)
	}

	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return domainError(req.ID, types.E(types.CodeTimeout, "server at capacity"))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	start := time.Now()
	result, err := c.Dispatcher.Call(callCtx, sess, params.Name, params.Arguments)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !types.Is(err, types.CodeTimeout) {
			err = types.Wrap(types.CodeTimeout, err, "operation deadline exceeded")
		}
		return domainError(req.ID, err)
	}
	c.logger.Debug("tool call",
		zap.String("tool", params.Name),
		zap.String("session_id", sess.ID),
		zap.Duration("elapsed", time.Since(start)))

	text, merr := json.Marshal(result)
	if merr != nil {
		return domainError(req.ID, types.Wrap(types.CodeInternal, merr, "encoding tool result"))
	}
	return resultResponse(req.ID, toolContent{
		Content: []contentBlock{{Type: "text", Text: string(text)}},
		IsError: false,
	})
}
