package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/data"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/expr"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/functions"
	"github.com/apache/arrow-go/v18/arrow"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrInvalidRequest is returned for malformed requests.
var ErrInvalidRequest = errors.New("invalid request")

// Wire error codes.
const (
	CodeOK              = "ok"
	CodeShapeMismatch   = "shape_mismatch"
	CodeCompute         = "compute"
	CodeType            = "type"
	CodeInvalidRequest  = "invalid_request"
	CodeUnauthenticated = "unauthenticated"
	CodeInternal        = "internal"
)

// CodeOf classifies err into a wire error code.
func CodeOf(err error) string {
	switch {
	case errors.Is(err, functions.ErrShapeMismatch):
		return CodeShapeMismatch
	case errors.Is(err, functions.ErrCompute):
		return CodeCompute
	case errors.Is(err, arrow.ErrType):
		return CodeType
	case errors.Is(err, ErrAuthRequired), errors.Is(err, ErrAuthTokenMismatch):
		return CodeUnauthenticated
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, functions.ErrInvalidArgument),
		errors.Is(err, ErrMessageTooLarge),
		errors.Is(err, data.ErrEmptyPayload),
		errors.Is(err, expr.ErrInvalidExpr),
		errors.Is(err, expr.ErrUnknownFunction),
		errors.Is(err, expr.ErrUnknownColumn),
		errors.Is(err, expr.ErrArity):
		return CodeInvalidRequest
	}
	return CodeInternal
}

// RemoteError is a failure reported by a reshape server. It matches the
// local sentinel of its code with errors.Is.
type RemoteError struct {
	Code      string
	Message   string
	RequestID string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s error: %s", e.Code, e.Message)
}

func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case CodeShapeMismatch:
		return functions.ErrShapeMismatch
	case CodeCompute:
		return functions.ErrCompute
	case CodeType:
		return arrow.ErrType
	case CodeInvalidRequest:
		return ErrInvalidRequest
	case CodeUnauthenticated:
		return ErrAuthFailed
	}
	return nil
}

var grpcCodes = map[string]codes.Code{
	CodeShapeMismatch:   codes.InvalidArgument,
	CodeCompute:         codes.FailedPrecondition,
	CodeType:            codes.InvalidArgument,
	CodeInvalidRequest:  codes.InvalidArgument,
	CodeUnauthenticated: codes.Unauthenticated,
	CodeInternal:        codes.Internal,
}

// GRPCStatus converts err into a gRPC status error whose message starts with
// the wire code.
func GRPCStatus(err error) error {
	code := CodeOf(err)
	return status.Errorf(grpcCodes[code], "%s: %v", code, err)
}

// FromGRPCStatus recovers a *RemoteError from an error built by GRPCStatus.
// Other errors are returned unchanged.
func FromGRPCStatus(err error) error {
	var se interface{ GRPCStatus() *status.Status }
	if !errors.As(err, &se) {
		return err
	}
	st := se.GRPCStatus()
	if st == nil || st.Code() == codes.OK {
		return err
	}

	code, msg, found := strings.Cut(st.Message(), ": ")
	if _, known := grpcCodes[code]; !found || !known {
		return err
	}
	return &RemoteError{Code: code, Message: msg}
}
