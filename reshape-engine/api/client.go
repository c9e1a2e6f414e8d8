package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/data"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/expr"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client sends reshape requests to an ArrowServer over one TCP connection.
// Requests on one Client are serialized.
type Client struct {
	conn  net.Conn
	codec *data.Codec
	token string
	mu    sync.Mutex
}

// Dial connects to the ArrowServer at addr.
func Dial(ctx context.Context, addr, token string, codec *data.Codec) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if codec == nil {
		codec = data.NewCodec()
	}
	return &Client{conn: conn, codec: codec, token: token}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call applies the function op to args on the server.
func (c *Client) Call(ctx context.Context, op string, args ...*arrow.Column) (*arrow.Column, error) {
	frames, err := EncodeCall(c.codec, c.token, op, args...)
	if err != nil {
		return nil, err
	}

	payload, err := c.roundTrip(ctx, frames)
	if err != nil {
		return nil, err
	}
	return c.codec.DecodeColumn(payload)
}

// Select evaluates exprs over tbl on the server.
func (c *Client) Select(ctx context.Context, tbl arrow.Table, exprs ...expr.Expr) (arrow.Table, error) {
	frames, err := EncodeSelect(c.codec, c.token, tbl, exprs...)
	if err != nil {
		return nil, err
	}

	payload, err := c.roundTrip(ctx, frames)
	if err != nil {
		return nil, err
	}
	return c.codec.DecodeTable(payload)
}

func (c *Client) roundTrip(ctx context.Context, frames [][]byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()

	if err := WriteFrames(c.conn, frames); err != nil {
		return nil, c.ctxErr(ctx, err)
	}

	resp, err := ReadFrames(c.conn)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("server closed connection: %w", err)
		}
		return nil, c.ctxErr(ctx, err)
	}

	_, payload, err := DecodeResponse(resp)
	return payload, err
}

func (c *Client) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// FlightClient sends select requests to a FlightServer.
type FlightClient struct {
	client flight.Client
	codec  *data.Codec
	token  string
}

// DialFlight connects to the FlightServer at addr.
func DialFlight(addr, token string, codec *data.Codec) (*FlightClient, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(MaxMessageSize),
			grpc.MaxCallSendMsgSize(MaxMessageSize),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if codec == nil {
		codec = data.NewCodec()
	}
	return &FlightClient{client: client, codec: codec, token: token}, nil
}

// Close closes the underlying connection.
func (c *FlightClient) Close() error {
	return c.client.Close()
}

// Select evaluates exprs over tbl on the server.
func (c *FlightClient) Select(ctx context.Context, tbl arrow.Table, exprs ...expr.Expr) (arrow.Table, error) {
	header, err := EncodeSelectHeader(c.token, exprs...)
	if err != nil {
		return nil, err
	}

	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, FromGRPCStatus(err)
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(tbl.Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: header})

	tr := array.NewTableReader(tbl, 0)
	for tr.Next() {
		if err := writer.Write(tr.Record()); err != nil {
			tr.Release()
			_ = writer.Close()
			return nil, sendFailure(stream, err)
		}
	}
	tr.Release()

	if err := writer.Close(); err != nil {
		return nil, sendFailure(stream, err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, FromGRPCStatus(err)
	}

	recv := &recvRecorder{stream: stream}
	reader, err := flight.NewRecordReader(recv, ipc.WithAllocator(c.codec.Allocator()))
	if err != nil {
		return nil, recv.failure(err)
	}
	defer reader.Release()

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
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, recv.failure(err)
	}

	return array.NewTableFromRecords(reader.Schema(), records), nil
}

// sendFailure explains a failed send. When the server has already ended the
// exchange, its status is only available from Recv.
func sendFailure(stream flight.FlightService_DoExchangeClient, err error) error {
	if _, rerr := stream.Recv(); rerr != nil && !errors.Is(rerr, io.EOF) {
		return FromGRPCStatus(rerr)
	}
	return fmt.Errorf("failed to send input: %w", err)
}

// recvRecorder keeps the last stream error so that the server's status
// survives the IPC reader's wrapping.
type recvRecorder struct {
	stream flight.FlightService_DoExchangeClient
	err    error
}

func (r *recvRecorder) Recv() (*flight.FlightData, error) {
	fd, err := r.stream.Recv()
	if err != nil && !errors.Is(err, io.EOF) {
		r.err = err
	}
	return fd, err
}

func (r *recvRecorder) failure(err error) error {
	if r.err != nil {
		return FromGRPCStatus(r.err)
	}
	return err
}

// Functions lists the functions registered on the server.
func (c *FlightClient) Functions(ctx context.Context) ([]string, error) {
	stream, err := c.client.DoAction(ctx, &flight.Action{Type: ActionListFunctions})
	if err != nil {
		return nil, FromGRPCStatus(err)
	}

	result, err := stream.Recv()
	if err != nil {
		return nil, FromGRPCStatus(err)
	}

	var names []string
	if err := json.Unmarshal(result.Body, &names); err != nil {
		return nil, fmt.Errorf("malformed function list: %w", err)
	}
	return names, nil
}
