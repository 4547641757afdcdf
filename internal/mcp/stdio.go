package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/namespace"
	"github.com/taskmesh/taskmesh/internal/notify"
	"github.com/taskmesh/taskmesh/internal/session"
)

// stdioMaxLine bounds one line-delimited frame.
const stdioMaxLine = 16 * 1024 * 1024

// StdioServer speaks line-delimited JSON-RPC on a reader/writer pair.
// Exactly one session per process; the namespace comes from the
// initialize handshake option, the environment default, or "default".
type StdioServer struct {
	core   *Core
	envNS  string
	logger *zap.Logger

	writeMu sync.Mutex
	out     io.Writer
}

// NewStdioServer creates a stdio frontend. envNS is the configured
// environment default namespace and may be empty.
func NewStdioServer(core *Core, envNS string, logger *zap.Logger) *StdioServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdioServer{core: core, envNS: envNS, logger: logger}
}

// Serve reads frames from in until EOF or context cancellation,
// writing responses and notifications to out.
func (s *StdioServer) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.out = out
	ctx, cancel := context.WithCancel(ctx)
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

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), stdioMaxLine)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(errorResponse(json.RawMessage("null"), CodeParseError, "parse error", nil))
			continue
		}

		if req.Method == "initialize" && sess == nil {
			var params InitializeParams
			if len(req.Params) > 0 {
				if err := json.Unmarshal(req.Params, &params); err != nil {
					s.write(errorResponse(req.ID, CodeInvalidParams, "invalid initialize params", nil))
					continue
				}
			}
			candidates := []namespace.Candidate{}
			if s.envNS != "" {
				candidates = append(candidates, namespace.Candidate{Source: namespace.SourceEnv, Name: s.envNS})
			}
			opened, result, err := s.core.Initialize(params, candidates)
			if err != nil {
				s.write(domainError(req.ID, err))
				continue
			}
			sess = opened
			sub := s.core.Notifier.Subscribe(sess.ID, sess.Namespace)
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.pump(ctx, sub)
			}()
			s.write(resultResponse(req.ID, result))
			continue
		}

		if sess == nil {
			s.write(errorResponse(req.ID, CodeInvalidRequest, "initialize must be the first request", nil))
			continue
		}
		if resp := s.core.Handle(ctx, sess, &req); resp != nil {
			s.write(resp)
		}
		if _, open := s.core.Sessions.Get(sess.ID); !open {
			// The dispatcher closed the session (binding violation).
			return nil
		}
	}
	return scanner.Err()
}

// pump forwards notifier events as JSON-RPC notifications.
func (s *StdioServer) pump(ctx context.Context, sub *notify.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			s.writeAny(NewNotification(ev.Method, ev.Params))
		}
	}
}

func (s *StdioServer) write(resp *Response) { s.writeAny(resp) }

func (s *StdioServer) writeAny(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encoding frame", zap.Error(err))
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.logger.Warn("writing frame", zap.Error(err))
	}
}
