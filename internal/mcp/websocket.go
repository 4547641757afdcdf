package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/namespace"
	"github.com/taskmesh/taskmesh/internal/notify"
	"github.com/taskmesh/taskmesh/internal/session"
)

// NamespaceSubprotocolPrefix marks a namespace intent offered as a
// WebSocket subprotocol, e.g. "taskmesh.ns.alpha".
const NamespaceSubprotocolPrefix = "taskmesh.ns."

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsMaxMessage   = 16 * 1024 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn serializes writes to one WebSocket connection.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

// wsCandidates folds the subprotocol namespace offer into the HTTP
// candidates.
func wsCandidates(r *http.Request) []namespace.Candidate {
	out := candidates(r)
	for _, proto := range websocket.Subprotocols(r) {
		if strings.HasPrefix(proto, NamespaceSubprotocolPrefix) {
			out = append(out, namespace.Candidate{
				Source: namespace.SourceSubprotocol,
				Name:   strings.TrimPrefix(proto, NamespaceSubprotocolPrefix),
			})
			break
		}
	}
	return out
}

// handleWebSocket serves full-duplex JSON-RPC frames. The first frame
// must be initialize; the session closes with the connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	responseHeader := http.Header{}
	for _, proto := range websocket.Subprotocols(r) {
		if strings.HasPrefix(proto, NamespaceSubprotocolPrefix) {
			responseHeader.Set("Sec-WebSocket-Protocol", proto)
			break
		}
	}
	conn, err := upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	wc := &wsConn{conn: conn}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessage)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var sess *session.Session
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		if sess != nil {
			s.core.Notifier.Unsubscribe(sess.ID)
			s.core.Sessions.Close(sess.ID)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := wc.ping(); err != nil {
					return
				}
			}
		}
	}()

	cands := wsCandidates(r)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			_ = wc.writeJSON(errorResponse(json.RawMessage("null"), CodeParseError, "parse error", nil))
			continue
		}

		if req.Method == "initialize" && sess == nil {
			var params InitializeParams
			if len(req.Params) > 0 {
				if err := json.Unmarshal(req.Params, &params); err != nil {
					_ = wc.writeJSON(errorResponse(req.ID, CodeInvalidParams, "invalid initialize params", nil))
					continue
				}
			}
			params.Namespace = ""
			opened, result, err := s.core.Initialize(params, cands)
			if err != nil {
				_ = wc.writeJSON(domainError(req.ID, err))
				continue
			}
			sess = opened
			sub := s.core.Notifier.Subscribe(sess.ID, sess.Namespace)
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.pumpWS(ctx, wc, sub)
			}()
			_ = wc.writeJSON(resultResponse(req.ID, result))
			continue
		}

		if sess == nil {
			_ = wc.writeJSON(errorResponse(req.ID, CodeInvalidRequest, "initialize must be the first request", nil))
			continue
		}
		if resp := s.core.Handle(ctx, sess, &req); resp != nil {
			_ = wc.writeJSON(resp)
		}
		if _, open := s.core.Sessions.Get(sess.ID); !open {
			// Binding violation: the dispatcher dropped the session.
			return
		}
	}
}

func (s *Server) pumpWS(ctx context.Context, wc *wsConn, sub *notify.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := wc.writeJSON(NewNotification(ev.Method, ev.Params)); err != nil {
				return
			}
		}
	}
}
