package api

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ActionListFunctions lists the registered function names as a JSON array.
const ActionListFunctions = "list_functions"

// FlightServer serves select requests over Arrow Flight DoExchange.
//
// The first message of an exchange carries a flight descriptor whose Cmd is
// the JSON request header; the record batches that follow form the input
// table. The response is the output table as record batches.
type FlightServer struct {
	flight.BaseFlightServer

	handler *Handler
	logger  log.Logger

	server  flight.Server
	running bool
	mu      sync.Mutex
}

// NewFlightServer creates a FlightServer.
func NewFlightServer(handler *Handler, logger log.Logger) *FlightServer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &FlightServer{
		handler: handler,
		logger:  log.With(logger, "component", "flight-server"),
	}
}

func (s *FlightServer) listen(address string) (flight.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil, fmt.Errorf("server is already running")
	}

	lis, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	srv := flight.NewServerWithMiddleware(nil,
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.MaxSendMsgSize(MaxMessageSize),
	)
	srv.InitListener(lis)
	srv.RegisterFlightService(s)

	s.server = srv
	s.running = true
	level.Info(s.logger).Log("msg", "listening", "addr", lis.Addr())
	return srv, nil
}

// Start serves on address and blocks until Stop is called.
func (s *FlightServer) Start(address string) error {
	srv, err := s.listen(address)
	if err != nil {
		return err
	}
	return srv.Serve()
}

// StartAsync serves on address in a background goroutine.
func (s *FlightServer) StartAsync(address string) error {
	srv, err := s.listen(address)
	if err != nil {
		return err
	}
	go func() {
		if err := srv.Serve(); err != nil {
			level.Error(s.logger).Log("msg", "flight server stopped", "err", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *FlightServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	return s.server.Addr()
}

// Stop gracefully stops the server.
func (s *FlightServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	s.server.Shutdown()
}

// DoExchange answers one select request.
func (s *FlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	start := time.Now()
	logger := log.With(s.logger, "request_id", uuid.NewString())
	rowsIn, rowsOut := 0, 0

	err := s.exchange(stream, &rowsIn, &rowsOut)
	s.handler.observe(logger, opSelect, start, rowsIn, rowsOut, err)
	if err != nil {
		return GRPCStatus(err)
	}
	return nil
}

func (s *FlightServer) exchange(stream flight.FlightService_DoExchangeServer, rowsIn, rowsOut *int) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.handler.codec.Allocator()))
	if err != nil {
		return fmt.Errorf("%w: failed to read input stream: %v", ErrInvalidRequest, err)
	}
	defer reader.Release()

	desc := reader.LatestFlightDescriptor()
	if desc == nil || desc.Type != flight.DescriptorCMD {
		return fmt.Errorf("%w: exchange must start with a command descriptor", ErrInvalidRequest)
	}

	req, err := DecodeRequest(desc.Cmd)
	if err != nil {
		return err
	}
	if req.Kind != KindSelect {
		return fmt.Errorf("%w: flight exchange only accepts %q requests", ErrInvalidRequest, KindSelect)
	}
	if err := s.handler.Authorize(req.Token); err != nil {
		return err
	}

	var records []arrow.Record
	defer func() {
		for _, rec := range records {
			rec.Release()
		}
	}()
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		records = append(records, rec)
	}
	if err := reader.Err(); err != nil {
		return fmt.Errorf("%w: failed to read record %d: %v", ErrInvalidRequest, len(records), err)
	}

	tbl := array.NewTableFromRecords(reader.Schema(), records)
	defer tbl.Release()
	*rowsIn = int(tbl.NumRows())

	out, err := s.handler.Select(stream.Context(), tbl, req.Exprs...)
	if err != nil {
		return err
	}
	defer out.Release()
	*rowsOut = int(out.NumRows())

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(out.Schema()))
	defer writer.Close()

	tr := array.NewTableReader(out, 0)
	defer tr.Release()
	for tr.Next() {
		if err := writer.Write(tr.Record()); err != nil {
			return fmt.Errorf("failed to send result: %w", err)
		}
	}
	return writer.Close()
}

// ListActions advertises the supported actions.
func (s *FlightServer) ListActions(_ *flight.Empty, stream flight.FlightService_ListActionsServer) error {
	return stream.Send(&flight.ActionType{
		Type:        ActionListFunctions,
		Description: "List the registered reshaping functions",
	})
}

// DoAction runs one action.
func (s *FlightServer) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	switch action.Type {
	case ActionListFunctions:
		body, err := json.Marshal(s.handler.evaluator.Registry().Names())
		if err != nil {
			return status.Errorf(codes.Internal, "failed to encode function names: %v", err)
		}
		return stream.Send(&flight.Result{Body: body})
	}
	return status.Errorf(codes.Unimplemented, "unknown action %q", action.Type)
}

var _ flight.FlightServer = (*FlightServer)(nil)
