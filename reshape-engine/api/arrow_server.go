package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// ArrowServer is a TCP server that answers framed reshape requests.
type ArrowServer struct {
	handler *Handler
	logger  log.Logger

	listener net.Listener
	running  bool
	mu       sync.Mutex
	conns    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewArrowServer creates a new ArrowServer instance.
func NewArrowServer(handler *Handler, logger log.Logger) *ArrowServer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ArrowServer{
		handler: handler,
		logger:  log.With(logger, "component", "arrow-server"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *ArrowServer) listen(address string) (net.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil, fmt.Errorf("server is already running")
	}

	lis, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.listener = lis
	s.running = true
	return lis, nil
}

// Start starts the server on address and blocks until Stop is called.
func (s *ArrowServer) Start(address string) error {
	lis, err := s.listen(address)
	if err != nil {
		return err
	}
	level.Info(s.logger).Log("msg", "listening", "addr", lis.Addr())

	s.serve(lis)
	return nil
}

// StartAsync starts the server in a background goroutine.
func (s *ArrowServer) StartAsync(address string) error {
	lis, err := s.listen(address)
	if err != nil {
		return err
	}
	level.Info(s.logger).Log("msg", "listening", "addr", lis.Addr())

	go s.serve(lis)
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *ArrowServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *ArrowServer) serve(lis net.Listener) {
	for {
		conn, err := lis.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			level.Warn(s.logger).Log("msg", "accept failed", "err", err)
			continue
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConnection(conn)
		}()
	}
}

// Stop closes the listener and every open connection, then waits for the
// connection goroutines to exit.
func (s *ArrowServer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	if err := s.listener.Close(); err != nil {
		level.Warn(s.logger).Log("msg", "failed to close listener", "err", err)
	}
	s.mu.Unlock()

	s.conns.Wait()
}

func (s *ArrowServer) handleConnection(conn net.Conn) {
	defer conn.Close()

	// Unblock the read below when the server stops.
	stop := context.AfterFunc(s.ctx, func() { _ = conn.Close() })
	defer stop()

	logger := log.With(s.logger, "remote", conn.RemoteAddr())

	for {
		frames, err := ReadFrames(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				level.Warn(logger).Log("msg", "failed to read request", "err", err)
				if errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrMessageTooLarge) {
					_ = WriteFrames(conn, ErrorFrames("", err))
				}
			}
			return
		}

		response := s.handler.Handle(s.ctx, frames)

		if err := WriteFrames(conn, response); err != nil {
			level.Warn(logger).Log("msg", "failed to write response", "err", err)
			return
		}
	}
}
