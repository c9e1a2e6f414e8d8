// Package api serves the reshaping functions over the network.
//
// Requests share one frame protocol: a JSON header frame followed by Arrow IPC
// stream frames. The TCP server sends frames with length prefixes, the ZeroMQ
// transport as multipart messages, and the Arrow Flight server carries select
// requests over DoExchange.
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/core"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/data"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/expr"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
)

// Metric labels for requests that are not calls of a registered function.
const (
	opSelect  = "select"
	opUnknown = "unknown"
)

// HandlerConfig holds the collaborators of a Handler. Nil fields are
// optional except Codec, which defaults to a Codec on the default allocator.
type HandlerConfig struct {
	Codec   *data.Codec
	Auth    *Authenticator
	Metrics *Metrics
	Pool    *core.WorkerPool
	Logger  log.Logger

	// MaxPayloadSize bounds the encoded result of one request. Zero means
	// MaxMessageSize.
	MaxPayloadSize int
}

// Handler executes reshape requests.
type Handler struct {
	evaluator *expr.Evaluator
	codec     *data.Codec
	auth      *Authenticator
	metrics   *Metrics
	pool      *core.WorkerPool
	logger    log.Logger

	maxPayload int
}

// NewHandler creates a Handler evaluating requests with ev.
func NewHandler(ev *expr.Evaluator, cfg HandlerConfig) *Handler {
	if cfg.Codec == nil {
		cfg.Codec = data.NewCodec()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	if cfg.MaxPayloadSize <= 0 {
		cfg.MaxPayloadSize = MaxMessageSize
	}

	return &Handler{
		evaluator: ev,
		codec:     cfg.Codec,
		auth:      cfg.Auth,
		metrics:   cfg.Metrics,
		pool:      cfg.Pool,
		logger:    cfg.Logger,

		maxPayload: cfg.MaxPayloadSize,
	}
}

// Codec returns the IPC codec used for payloads.
func (h *Handler) Codec() *data.Codec { return h.codec }

// Authorize validates a request token.
func (h *Handler) Authorize(token string) error {
	return h.auth.ValidateToken(token)
}

// Handle executes one framed request and returns the response frames.
// Failures are reported in the response header, never as a Go error.
func (h *Handler) Handle(ctx context.Context, frames [][]byte) [][]byte {
	start := time.Now()
	id := uuid.NewString()
	logger := log.With(h.logger, "request_id", id)

	op := opUnknown
	rowsIn, rowsOut := 0, 0

	payload, err := func() ([]byte, error) {
		if len(frames) == 0 {
			return nil, fmt.Errorf("%w: no header frame", ErrInvalidRequest)
		}

		req, err := DecodeRequest(frames[0])
		if err != nil {
			return nil, err
		}
		if err := h.Authorize(req.Token); err != nil {
			return nil, err
		}
		op = h.opLabel(req)

		var payload []byte
		switch req.Kind {
		case KindCall:
			payload, err = h.handleCall(ctx, req, frames[1:], &rowsIn, &rowsOut)
		default:
			payload, err = h.handleSelect(ctx, req, frames[1:], &rowsIn, &rowsOut)
		}
		if err == nil && len(payload) > h.maxPayload {
			return nil, fmt.Errorf("%w: result of %d bytes (max: %d)", ErrMessageTooLarge, len(payload), h.maxPayload)
		}
		return payload, err
	}()

	h.observe(logger, op, start, rowsIn, rowsOut, err)

	if err != nil {
		return ErrorFrames(id, err)
	}
	return [][]byte{encodeResponse(Response{OK: true, RequestID: id}), payload}
}

// opLabel names req in metrics. Client-chosen names are only used once they
// resolve to a registered function, which bounds the label set.
func (h *Handler) opLabel(req *Request) string {
	if req.Kind != KindCall {
		return opSelect
	}
	if _, err := h.evaluator.Registry().Lookup(req.Op); err != nil {
		return opUnknown
	}
	return req.Op
}

func (h *Handler) handleCall(ctx context.Context, req *Request, frames [][]byte, rowsIn, rowsOut *int) ([]byte, error) {
	args := make([]*arrow.Column, 0, len(frames))
	defer func() {
		for _, arg := range args {
			arg.Release()
		}
	}()

	for i, frame := range frames {
		col, err := h.codec.DecodeColumn(frame)
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d: %v", ErrInvalidRequest, i, err)
		}
		args = append(args, col)
	}
	if len(args) > 0 {
		*rowsIn = args[0].Len()
	}

	out, err := h.Call(ctx, req.Op, args)
	if err != nil {
		return nil, err
	}
	defer out.Release()
	*rowsOut = out.Len()

	return h.codec.EncodeColumn(out)
}

func (h *Handler) handleSelect(ctx context.Context, req *Request, frames [][]byte, rowsIn, rowsOut *int) ([]byte, error) {
	if len(frames) != 1 {
		return nil, fmt.Errorf("%w: select takes one table frame, got %d", ErrInvalidRequest, len(frames))
	}

	tbl, err := h.codec.DecodeTable(frames[0])
	if err != nil {
		return nil, fmt.Errorf("%w: table: %v", ErrInvalidRequest, err)
	}
	defer tbl.Release()
	*rowsIn = int(tbl.NumRows())

	out, err := h.Select(ctx, tbl, req.Exprs...)
	if err != nil {
		return nil, err
	}
	defer out.Release()
	*rowsOut = int(out.NumRows())

	return h.codec.EncodeTable(out)
}

// Call runs the function op on args.
func (h *Handler) Call(ctx context.Context, op string, args []*arrow.Column) (*arrow.Column, error) {
	return h.evaluator.Call(ctx, op, args)
}

// Select evaluates exprs over tbl and checks the result against the inferred
// schema.
func (h *Handler) Select(ctx context.Context, tbl arrow.Table, exprs ...expr.Expr) (arrow.Table, error) {
	want, err := h.evaluator.Schema(tbl.Schema(), exprs...)
	if err != nil {
		return nil, err
	}

	out, err := h.evaluator.Select(ctx, tbl, exprs...)
	if err != nil {
		return nil, err
	}

	if err := data.ValidateSchema(out.Schema(), want); err != nil {
		out.Release()
		return nil, fmt.Errorf("output schema differs from inferred schema: %w", err)
	}
	return out, nil
}

func (h *Handler) observe(logger log.Logger, op string, start time.Time, rowsIn, rowsOut int, err error) {
	duration := time.Since(start)

	code := CodeOK
	if err != nil {
		code = CodeOf(err)
	}

	h.metrics.RecordRequest(op, code, duration, rowsIn, rowsOut)
	if h.pool != nil {
		h.metrics.UpdateWorkerPool(h.pool.GetStats())
	}

	switch {
	case err == nil:
		level.Debug(logger).Log("msg", "request served", "op", op, "rows_in", rowsIn, "rows_out", rowsOut, "duration", duration)
	case code == CodeInternal:
		level.Error(logger).Log("msg", "request failed", "op", op, "code", code, "err", err, "duration", duration)
	default:
		level.Warn(logger).Log("msg", "request rejected", "op", op, "code", code, "err", err, "duration", duration)
	}
}
