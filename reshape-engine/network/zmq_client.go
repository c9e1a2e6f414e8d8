package network

import (
	"context"
	"fmt"
	"sync"

	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/api"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/data"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/expr"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/go-zeromq/zmq4"
)

// ZmqClient sends reshape requests over a ZeroMQ REQ socket. Requests on one
// client are serialized. A request whose context ends before the reply
// arrives closes the client, since a REQ socket cannot skip a pending reply.
type ZmqClient struct {
	codec *data.Codec
	token string

	ctx    context.Context
	cancel context.CancelFunc
	req    zmq4.Socket

	closed bool
	mu     sync.Mutex
}

// DialZmq connects a REQ socket to endpoint.
func DialZmq(endpoint, token string, codec *data.Codec) (*ZmqClient, error) {
	ctx, cancel := context.WithCancel(context.Background())

	req := zmq4.NewReq(ctx)
	if err := req.Dial(endpoint); err != nil {
		cancel()
		_ = req.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}

	if codec == nil {
		codec = data.NewCodec()
	}
	return &ZmqClient{
		codec:  codec,
		token:  token,
		ctx:    ctx,
		cancel: cancel,
		req:    req,
	}, nil
}

// Close closes the socket.
func (c *ZmqClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *ZmqClient) closeLocked() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	return c.req.Close()
}

// Call applies the function op to args on the server.
func (c *ZmqClient) Call(ctx context.Context, op string, args ...*arrow.Column) (*arrow.Column, error) {
	frames, err := api.EncodeCall(c.codec, c.token, op, args...)
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
func (c *ZmqClient) Select(ctx context.Context, tbl arrow.Table, exprs ...expr.Expr) (arrow.Table, error) {
	frames, err := api.EncodeSelect(c.codec, c.token, tbl, exprs...)
	if err != nil {
		return nil, err
	}

	payload, err := c.roundTrip(ctx, frames)
	if err != nil {
		return nil, err
	}
	return c.codec.DecodeTable(payload)
}

type reply struct {
	msg zmq4.Msg
	err error
}

func (c *ZmqClient) roundTrip(ctx context.Context, frames [][]byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}

	if err := c.req.SendMulti(zmq4.NewMsgFrom(frames...)); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	done := make(chan reply, 1)
	go func() {
		msg, err := c.req.Recv()
		done <- reply{msg: msg, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("failed to receive response: %w", r.err)
		}
		_, payload, err := api.DecodeResponse(r.msg.Frames)
		return payload, err
	case <-ctx.Done():
		_ = c.closeLocked()
		<-done
		return nil, ctx.Err()
	}
}
