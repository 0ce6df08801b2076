package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ipv4_hunter/internal/control"
	"ipv4_hunter/internal/dataType"

	"go.uber.org/zap"
)

// ControlServer serves the framed control protocol on a unix socket. Access
// is restricted by the socket file mode.
type ControlServer struct {
	path    string
	mode    os.FileMode
	timeout time.Duration
	handler *control.Handler
	logger  *zap.Logger

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewControlServer(path string, mode os.FileMode, timeout time.Duration, handler *control.Handler, logger *zap.Logger) *ControlServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ControlServer{
		path:    path,
		mode:    mode,
		timeout: timeout,
		handler: handler,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen creates the socket file, replacing a stale one left by a previous
// run.
func (s *ControlServer) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create control dir: %w", err)
	}
	if fi, err := os.Lstat(s.path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return fmt.Errorf("control path %s exists and is not a socket", s.path)
		}
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("remove stale control socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, s.mode); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod control socket: %w", err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info("control socket listening", zap.String("path", s.path), zap.Stringer("mode", s.mode))
	return nil
}

// Serve accepts connections until Stop is called.
func (s *ControlServer) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("control server is not listening")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				_ = conn.Close()
			}()
			s.serveConn(conn)
		}()
	}
}

// Stop closes the listener and every open connection, waits for in-flight
// requests and removes the socket file.
func (s *ControlServer) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.ln != nil {
		_ = s.ln.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("remove control socket", zap.Error(err))
	}
}

func (s *ControlServer) serveConn(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		if s.timeout > 0 {
			_ = conn.SetDeadline(time.Now().Add(s.timeout))
		}

		req, err := control.ReadRequest(r)
		if err == io.EOF {
			return
		}
		if err != nil {
			status := control.StatusFor(err)
			ControlOps.WithLabelValues(commandName(req.Cmd), statusName(status)).Inc()
			s.logger.Warn("bad control request", zap.Error(err))
			// The rest of the stream cannot be trusted after a framing error.
			_ = control.WriteResponse(conn, control.Response{Status: status})
			return
		}

		resp := s.dispatch(req)
		ControlOps.WithLabelValues(commandName(req.Cmd), statusName(resp.Status)).Inc()
		if err := control.WriteResponse(conn, resp); err != nil {
			s.logger.Warn("write control response", zap.Error(err))
			return
		}
	}
}

func (s *ControlServer) dispatch(req control.Request) control.Response {
	var err error
	var out []string
	switch req.Cmd {
	case dataType.CmdAdd:
		err = s.handler.Add(req.Addresses)
	case dataType.CmdDel:
		err = s.handler.Delete(req.Addresses)
	case dataType.CmdQuery:
		out, err = s.handler.Query(int(req.Count))
	case dataType.CmdClear:
		s.handler.Clear()
	default:
		err = fmt.Errorf("%w: unknown command %d", control.ErrInvalidArgument, req.Cmd)
	}
	if err != nil {
		s.logger.Info("control request failed", zap.String("command", commandName(req.Cmd)), zap.Error(err))
		return control.Response{Status: control.StatusFor(err)}
	}
	return control.Response{Status: control.StatusOK, Addresses: out}
}
