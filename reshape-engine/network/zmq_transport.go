// Package network carries reshape requests over ZeroMQ.
//
// This package implements:
//   - ZmqServer: REP socket answering multipart requests with a FrameHandler
//   - ZmqClient: REQ socket sending call and select requests
//
// Requests and responses use the frame layout of package api, one ZeroMQ
// frame per protocol frame.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/api"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-zeromq/zmq4"
)

// Common errors for network operations
var (
	ErrServerRunning = errors.New("server already running")
	ErrClientClosed  = errors.New("client is closed")
)

// FrameHandler answers one multipart request. *api.Handler implements it.
type FrameHandler interface {
	Handle(ctx context.Context, frames [][]byte) [][]byte
}

// ZmqServer answers reshape requests on a ZeroMQ REP socket. Requests are
// served one at a time, in arrival order.
type ZmqServer struct {
	handler FrameHandler
	logger  log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	rep     zmq4.Socket
	address string
	running bool
	mu      sync.RWMutex
	wg      sync.WaitGroup

	served   atomic.Int64
	rejected atomic.Int64
}

// NewZmqServer creates a new ZeroMQ server.
func NewZmqServer(handler FrameHandler, logger log.Logger) *ZmqServer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &ZmqServer{
		handler: handler,
		logger:  log.With(logger, "component", "zmq-server"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start binds the REP socket to endpoint (for example "tcp://0.0.0.0:5555")
// and serves requests in a background goroutine.
func (s *ZmqServer) Start(endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrServerRunning
	}

	rep := zmq4.NewRep(s.ctx)
	if err := rep.Listen(endpoint); err != nil {
		_ = rep.Close()
		return fmt.Errorf("failed to bind rep socket: %w", err)
	}

	s.rep = rep
	s.address = endpoint
	s.running = true
	level.Info(s.logger).Log("msg", "listening", "endpoint", endpoint)

	s.wg.Add(1)
	go s.serveLoop()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *ZmqServer) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rep == nil {
		return nil
	}
	return s.rep.Addr()
}

// Stop closes the socket and waits for the serve loop to exit.
func (s *ZmqServer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	if err := s.rep.Close(); err != nil {
		level.Debug(s.logger).Log("msg", "failed to close rep socket", "err", err)
	}

	s.wg.Wait()
}

func (s *ZmqServer) serveLoop() {
	defer s.wg.Done()

	for {
		msg, err := s.rep.Recv()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			level.Warn(s.logger).Log("msg", "failed to receive request", "err", err)
			continue
		}

		response := s.respond(msg.Frames)
		if err := s.rep.SendMulti(zmq4.NewMsgFrom(response...)); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			level.Warn(s.logger).Log("msg", "failed to send response", "err", err)
		}
	}
}

// respond checks the frame limits of the request and hands it to the handler.
// A REP socket must answer every request, so oversized requests get an error
// response instead of being dropped.
func (s *ZmqServer) respond(frames [][]byte) [][]byte {
	if err := checkFrames(frames); err != nil {
		s.rejected.Add(1)
		level.Warn(s.logger).Log("msg", "request rejected", "err", err)
		return api.ErrorFrames("", err)
	}

	s.served.Add(1)
	return s.handler.Handle(s.ctx, frames)
}

func checkFrames(frames [][]byte) error {
	if len(frames) == 0 || len(frames) > api.MaxFrames {
		return fmt.Errorf("%w: frame count %d (max: %d)", api.ErrInvalidRequest, len(frames), api.MaxFrames)
	}
	for i, frame := range frames {
		if len(frame) > api.MaxMessageSize {
			return fmt.Errorf("frame %d: %w: %d bytes (max: %d)", i, api.ErrMessageTooLarge, len(frame), api.MaxMessageSize)
		}
	}
	return nil
}

// ServerStats contains server statistics.
type ServerStats struct {
	Address   string `json:"address"`
	IsRunning bool   `json:"is_running"`
	Served    int64  `json:"served"`
	Rejected  int64  `json:"rejected"`
}

// GetStats returns current server statistics.
func (s *ZmqServer) GetStats() ServerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ServerStats{
		Address:   s.address,
		IsRunning: s.running,
		Served:    s.served.Load(),
		Rejected:  s.rejected.Load(),
	}
}
