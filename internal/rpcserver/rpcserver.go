// Package rpcserver implements the control-plane RPC: a local Unix domain
// socket accepting 4-byte-length-prefixed JSON requests and dispatching
// them to a Backend (normally *supervisor.Supervisor).
package rpcserver

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/go-supervice/supervice/internal/process"
	"github.com/go-supervice/supervice/internal/supervisor"
	"github.com/go-supervice/supervice/pkg/jsonx"
	"go.uber.org/zap"
)

const maxMessageSize = 1 << 20 // 1 MiB

// ErrorCode is one of the four codes an error response may carry.
type ErrorCode string

const (
	CodeInvalidJSON    ErrorCode = "INVALID_JSON"
	CodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	CodeUnknownCommand ErrorCode = "UNKNOWN_COMMAND"
	CodeInternalError  ErrorCode = "INTERNAL_ERROR"
)

// Backend is the subset of *supervisor.Supervisor the RPC server depends
// on, expressed as an interface so the dispatch logic can be tested
// without a real process tree.
type Backend interface {
	Status() []process.StatusEntry
	StartProcess(ctx context.Context, name string) error
	StopProcess(ctx context.Context, name string) error
	RestartProcess(ctx context.Context, name string, force bool) error
	StartGroup(ctx context.Context, name string) error
	StopGroup(ctx context.Context, name string) error
	Reload(ctx context.Context) (supervisor.ReloadResult, error)
	TailLog(name, stream string, n int) ([]string, error)
}

type request struct {
	Command string `json:"command"`
	Name    string `json:"name,omitempty"`
	Force   bool   `json:"force,omitempty"`
	Stream  string `json:"stream,omitempty"`
	Lines   int    `json:"lines,omitempty"`
}

type response struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Code    ErrorCode   `json:"code,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type statusEntryJSON struct {
	Name          string  `json:"name"`
	State         string  `json:"state"`
	PID           *int    `json:"pid"`
	UptimeSeconds *int64  `json:"uptime_seconds"`
	Health        *string `json:"health"`
}

// Server accepts connections on a Unix domain socket and dispatches framed
// requests to a Backend. Each connection is handled by its own goroutine;
// requests execute concurrently with no per-client locking, correctness
// resting on Process's own per-instance state lock.
type Server struct {
	log     *zap.Logger
	backend Backend
	path    string

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New constructs a Server bound to no socket yet; call Serve to bind and
// accept.
func New(log *zap.Logger, backend Backend, socketPath string) *Server {
	return &Server{
		log:     log.Named("rpcserver"),
		backend: backend,
		path:    socketPath,
	}
}

// Serve removes any stale socket at the configured path, binds a new one
// at mode 0o600 (via a restrictive umask held only for the bind call), and
// accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if _, err := os.Stat(s.path); err == nil {
		if rmErr := os.Remove(s.path); rmErr != nil {
			return fmt.Errorf("rpcserver: remove stale socket %s: %w", s.path, rmErr)
		}
	}

	oldMask := umask(0o177) // leaves 0600 after ^0777
	ln, err := net.Listen("unix", s.path)
	restoreUmask(oldMask)
	if err != nil {
		return fmt.Errorf("rpcserver: listen on %s: %w", s.path, err)
	}
	// Belt-and-suspenders: enforce the mode explicitly too.
	_ = os.Chmod(s.path, 0o600)

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.log.Info("rpc server listening", zap.String("socket", s.path))

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				s.log.Warn("accept error", zap.Error(err))
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("recovered from panic handling rpc connection", zap.Any("panic", r))
				}
			}()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close closes the listener, if bound.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	for {
		req, err := readFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			s.log.Debug("framing error, closing connection", zap.Error(err))
			return
		}

		resp := s.dispatch(ctx, req)
		payload, err := json.Marshal(resp)
		if err != nil {
			s.log.Error("failed to marshal response", zap.Error(err))
			return
		}
		if err := writeFrame(conn, payload); err != nil {
			s.log.Debug("failed to write response frame", zap.Error(err))
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, raw []byte) response {
	var req request
	if err := jsonx.ParseJSONObject(newLimitedReader(raw), &req); err != nil {
		return response{Status: "error", Code: CodeInvalidJSON, Message: err.Error()}
	}

	reqCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()

	switch req.Command {
	case "status":
		return response{Status: "ok", Data: toStatusJSON(s.backend.Status())}

	case "start":
		if req.Name == "" {
			return invalidRequest("start requires a name")
		}
		if err := s.backend.StartProcess(reqCtx, req.Name); err != nil {
			return internalError(err)
		}
		return ok(fmt.Sprintf("%s started", req.Name))

	case "stop":
		if req.Name == "" {
			return invalidRequest("stop requires a name")
		}
		if err := s.backend.StopProcess(reqCtx, req.Name); err != nil {
			return internalError(err)
		}
		return ok(fmt.Sprintf("%s stopped", req.Name))

	case "restart":
		if req.Name == "" {
			return invalidRequest("restart requires a name")
		}
		if err := s.backend.RestartProcess(reqCtx, req.Name, req.Force); err != nil {
			return internalError(err)
		}
		return ok(fmt.Sprintf("%s restarted", req.Name))

	case "startgroup":
		if req.Name == "" {
			return invalidRequest("startgroup requires a name")
		}
		if err := s.backend.StartGroup(reqCtx, req.Name); err != nil {
			return internalError(err)
		}
		return ok(fmt.Sprintf("group %s started", req.Name))

	case "stopgroup":
		if req.Name == "" {
			return invalidRequest("stopgroup requires a name")
		}
		if err := s.backend.StopGroup(reqCtx, req.Name); err != nil {
			return internalError(err)
		}
		return ok(fmt.Sprintf("group %s stopped", req.Name))

	case "tail":
		if req.Name == "" {
			return invalidRequest("tail requires a name")
		}
		stream := req.Stream
		if stream == "" {
			stream = "stdout"
		}
		lines, err := s.backend.TailLog(req.Name, stream, req.Lines)
		if err != nil {
			return internalError(err)
		}
		return response{Status: "ok", Data: lines}

	case "reload":
		result, err := s.backend.Reload(reqCtx)
		if err != nil {
			return internalError(err)
		}
		return response{Status: "ok", Message: "reloaded", Data: result}

	case "":
		return invalidRequest("missing command")

	default:
		return response{Status: "error", Code: CodeUnknownCommand, Message: fmt.Sprintf("unknown command %q", req.Command)}
	}
}

func ok(msg string) response { return response{Status: "ok", Message: msg} }

func invalidRequest(msg string) response {
	return response{Status: "error", Code: CodeInvalidRequest, Message: msg}
}

func internalError(err error) response {
	return response{Status: "error", Code: CodeInternalError, Message: err.Error()}
}

func toStatusJSON(entries []process.StatusEntry) []statusEntryJSON {
	out := make([]statusEntryJSON, len(entries))
	for i, e := range entries {
		je := statusEntryJSON{Name: e.Name, State: e.State.String(), UptimeSeconds: e.UptimeSeconds, Health: e.Health}
		if e.PID != 0 {
			pid := e.PID
			je.PID = &pid
		}
		out[i] = je
	}
	return out
}

// --- framing -----------------------------------------------------------------

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxMessageSize {
		return nil, fmt.Errorf("rpcserver: frame of %d bytes exceeds %d byte limit", n, maxMessageSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func newLimitedReader(b []byte) io.Reader {
	return &byteReader{b: b}
}

type byteReader struct{ b []byte }

func (r *byteReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}
