package api

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/data"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/expr"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/goccy/go-json"
)

// MaxMessageSize is the maximum allowed size of one frame (50MB).
const MaxMessageSize = 50 * 1024 * 1024

// MaxFrames is the maximum number of frames in one message.
const MaxFrames = 64

// ErrMessageTooLarge is returned when a frame exceeds MaxMessageSize.
var ErrMessageTooLarge = errors.New("message size exceeds maximum allowed size")

// Request kinds.
const (
	// KindCall applies one function to the columns in the following frames.
	KindCall = "call"
	// KindSelect evaluates a pipeline over the table in the following frame.
	KindSelect = "select"
)

// Request is the header frame of every request.
type Request struct {
	Kind  string      `json:"kind"`
	Op    string      `json:"op,omitempty"`
	Exprs []expr.Expr `json:"exprs,omitempty"`
	Token string      `json:"token,omitempty"`
}

// Response is the header frame of every response. A successful response is
// followed by one IPC stream frame.
type Response struct {
	OK        bool   `json:"ok"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// ReadMessage reads a length-prefixed frame from the reader.
// Format: [4 bytes length (BigEndian)] [N bytes payload]
func ReadMessage(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}

	if length > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes (max: %d)", ErrMessageTooLarge, length, MaxMessageSize)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}

	return buf, nil
}

// WriteMessage writes a length-prefixed frame to the writer.
// Format: [4 bytes length (BigEndian)] [N bytes payload]
func WriteMessage(w io.Writer, data []byte) error {
	if len(data) > math.MaxUint32 {
		return fmt.Errorf("%w: data length %d exceeds uint32 max", ErrMessageTooLarge, len(data))
	}

	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes (max: %d)", ErrMessageTooLarge, len(data), MaxMessageSize)
	}

	length := uint32(len(data)) // #nosec G115 - bounds checked above
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("failed to write message length: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write message body: %w", err)
	}

	return nil
}

// ReadFrames reads a multi-frame message.
// Format: [4 bytes frame count (BigEndian)] then each frame as in ReadMessage.
func ReadFrames(r io.Reader) ([][]byte, error) {
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	if count == 0 || count > MaxFrames {
		return nil, fmt.Errorf("%w: frame count %d (max: %d)", ErrInvalidRequest, count, MaxFrames)
	}

	frames := make([][]byte, count)
	for i := range frames {
		frame, err := ReadMessage(r)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		frames[i] = frame
	}
	return frames, nil
}

// WriteFrames writes a multi-frame message.
func WriteFrames(w io.Writer, frames [][]byte) error {
	if len(frames) == 0 || len(frames) > MaxFrames {
		return fmt.Errorf("%w: frame count %d (max: %d)", ErrInvalidRequest, len(frames), MaxFrames)
	}
	// Nothing is written unless every frame fits.
	for i, frame := range frames {
		if len(frame) > MaxMessageSize {
			return fmt.Errorf("frame %d: %w: %d bytes (max: %d)", i, ErrMessageTooLarge, len(frame), MaxMessageSize)
		}
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(frames))); err != nil { // #nosec G115 - bounded by MaxFrames
		return fmt.Errorf("failed to write frame count: %w", err)
	}
	for i, frame := range frames {
		if err := WriteMessage(w, frame); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
	}
	return nil
}

// EncodeCall builds the frames of a call request.
func EncodeCall(codec *data.Codec, token, op string, args ...*arrow.Column) ([][]byte, error) {
	header, err := json.Marshal(Request{Kind: KindCall, Op: op, Token: token})
	if err != nil {
		return nil, err
	}

	frames := [][]byte{header}
	for i, arg := range args {
		payload, err := codec.EncodeColumn(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to encode argument %d: %w", i, err)
		}
		frames = append(frames, payload)
	}
	return frames, nil
}

// EncodeSelect builds the frames of a select request.
func EncodeSelect(codec *data.Codec, token string, tbl arrow.Table, exprs ...expr.Expr) ([][]byte, error) {
	header, err := EncodeSelectHeader(token, exprs...)
	if err != nil {
		return nil, err
	}

	payload, err := codec.EncodeTable(tbl)
	if err != nil {
		return nil, fmt.Errorf("failed to encode table: %w", err)
	}
	return [][]byte{header, payload}, nil
}

// EncodeSelectHeader encodes the header of a select request.
func EncodeSelectHeader(token string, exprs ...expr.Expr) ([]byte, error) {
	return json.Marshal(Request{Kind: KindSelect, Exprs: exprs, Token: token})
}

// DecodeRequest parses and validates a request header.
func DecodeRequest(header []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(header, &req); err != nil {
		return nil, fmt.Errorf("%w: malformed header: %v", ErrInvalidRequest, err)
	}

	switch req.Kind {
	case KindCall:
		if req.Op == "" {
			return nil, fmt.Errorf("%w: call without op", ErrInvalidRequest)
		}
	case KindSelect:
		if len(req.Exprs) == 0 {
			return nil, fmt.Errorf("%w: select without expressions", ErrInvalidRequest)
		}
		for i, e := range req.Exprs {
			if err := e.Validate(); err != nil {
				return nil, fmt.Errorf("%w: expression %d: %v", ErrInvalidRequest, i, err)
			}
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, req.Kind)
	}
	return &req, nil
}

// DecodeResponse splits response frames into the header and the payload.
// A failed response is returned as a *RemoteError.
func DecodeResponse(frames [][]byte) (*Response, []byte, error) {
	if len(frames) == 0 {
		return nil, nil, fmt.Errorf("%w: empty response", ErrInvalidRequest)
	}

	var resp Response
	if err := json.Unmarshal(frames[0], &resp); err != nil {
		return nil, nil, fmt.Errorf("malformed response header: %w", err)
	}
	if !resp.OK {
		return &resp, nil, &RemoteError{Code: resp.Code, Message: resp.Message, RequestID: resp.RequestID}
	}
	if len(frames) != 2 {
		return &resp, nil, fmt.Errorf("expected one payload frame, got %d", len(frames)-1)
	}
	return &resp, frames[1], nil
}

// ErrorFrames builds the response frames reporting err.
func ErrorFrames(requestID string, err error) [][]byte {
	return [][]byte{encodeResponse(Response{
		Code:      CodeOf(err),
		Message:   err.Error(),
		RequestID: requestID,
	})}
}

func encodeResponse(resp Response) []byte {
	b, err := json.Marshal(resp)
	if err != nil {
		// Response has only string and bool fields.
		panic(err)
	}
	return b
}
