package api

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/column"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/core"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/data"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/expr"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/functions"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	int64Type = arrow.PrimitiveTypes.Int64
	listType  = arrow.LargeListOf(int64Type)
)

type testHandler struct {
	*Handler
	metrics *Metrics
}

func newTestHandler(tb testing.TB, auth *Authenticator) *testHandler {
	tb.Helper()

	pool := core.NewWorkerPool("api-test", 2, 0)
	tb.Cleanup(pool.Shutdown)

	metrics := NewMetrics("reshape_test", prometheus.NewRegistry())
	ev := expr.NewEvaluator(expr.DefaultRegistry(functions.NewReshaper()), pool)

	return &testHandler{
		Handler: NewHandler(ev, HandlerConfig{Auth: auth, Metrics: metrics, Pool: pool}),
		metrics: metrics,
	}
}

func newColumn(t *testing.T, name string, dtype arrow.DataType, chunks ...string) *arrow.Column {
	t.Helper()
	chunked, err := array.ChunkedFromJSON(memory.DefaultAllocator, dtype, chunks)
	require.NoError(t, err)
	defer chunked.Release()
	return arrow.NewColumn(arrow.Field{Name: name, Type: dtype, Nullable: true}, chunked)
}

func newTable(t *testing.T, cols ...*arrow.Column) arrow.Table {
	t.Helper()
	fields := make([]arrow.Field, len(cols))
	values := make([]arrow.Column, len(cols))
	for i, c := range cols {
		fields[i] = c.Field()
		values[i] = *c
	}
	return array.NewTable(arrow.NewSchema(fields, nil), values, -1)
}

func assertColumnJSON(t *testing.T, want string, col *arrow.Column) {
	t.Helper()

	expected, _, err := array.FromJSON(memory.DefaultAllocator, col.DataType(), strings.NewReader(want))
	require.NoError(t, err)
	defer expected.Release()

	got, err := column.Rechunk(memory.DefaultAllocator, col.Data())
	require.NoError(t, err)
	defer got.Release()

	assert.Truef(t, array.Equal(expected, got), "got %s, want %s", got, want)
}

func TestHandleCall(t *testing.T) {
	h := newTestHandler(t, nil)
	codec := data.NewCodec()

	target := newColumn(t, "t", int64Type, `[10, 20, 30, 40, 50]`)
	defer target.Release()
	lengths := newColumn(t, "l", int64Type, `[2, 1]`, `[0, 2]`)
	defer lengths.Release()

	frames, err := EncodeCall(codec, "", expr.FuncImplodeWithLengths, target, lengths)
	require.NoError(t, err)

	resp, payload, err := DecodeResponse(h.Handle(context.Background(), frames))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.RequestID)

	out, err := codec.DecodeColumn(payload)
	require.NoError(t, err)
	defer out.Release()

	assert.Equal(t, "t", out.Name())
	assertColumnJSON(t, `[[10, 20], [30], [], [40, 50]]`, out)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RequestsTotal.WithLabelValues(expr.FuncImplodeWithLengths, CodeOK)))
}

func TestHandleSelect(t *testing.T) {
	h := newTestHandler(t, nil)
	codec := data.NewCodec()

	nested := newColumn(t, "nested", listType, `[[1, 2], [3], [], [4, 5, 6]]`)
	defer nested.Release()
	tbl := newTable(t, nested)
	defer tbl.Release()

	frames, err := EncodeSelect(codec, "", tbl,
		expr.Call(expr.FuncImplodeLike, expr.Call(expr.FuncFlatten, expr.Col("nested")), expr.Col("nested")).Alias("same"),
		expr.Col("nested"),
	)
	require.NoError(t, err)

	_, payload, err := DecodeResponse(h.Handle(context.Background(), frames))
	require.NoError(t, err)

	out, err := codec.DecodeTable(payload)
	require.NoError(t, err)
	defer out.Release()

	require.EqualValues(t, 2, out.NumCols())
	assert.Equal(t, "same", out.Schema().Field(0).Name)
	assertColumnJSON(t, `[[1, 2], [3], [], [4, 5, 6]]`, out.Column(0))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RequestsTotal.WithLabelValues("select", CodeOK)))
}

func TestHandleErrors(t *testing.T) {
	h := newTestHandler(t, NewAuthenticator(AuthConfig{Enabled: true, Token: "secret"}))
	codec := data.NewCodec()

	target := newColumn(t, "t", int64Type, `[1, 2, 3, 4, 5]`)
	defer target.Release()
	offs := newColumn(t, "o", int64Type, `[0, 2, 4]`)
	defer offs.Release()
	withNulls := newColumn(t, "o", int64Type, `[0, null, 5]`)
	defer withNulls.Release()

	call := func(token, op string, args ...*arrow.Column) [][]byte {
		frames, err := EncodeCall(codec, token, op, args...)
		require.NoError(t, err)
		return frames
	}

	tests := []struct {
		name     string
		frames   [][]byte
		wantCode string
		wantMsg  string
	}{
		{"shape mismatch", call("secret", expr.FuncImplodeWithOffsets, target, offs), CodeShapeMismatch, "last offset (4) must equal target length (5)"},
		{"null offsets", call("secret", expr.FuncImplodeWithOffsets, target, withNulls), CodeCompute, "null"},
		{"type error", call("secret", expr.FuncGetOffsets, target), CodeType, "expected list"},
		{"unknown function", call("secret", "explode", target), CodeInvalidRequest, "unknown function"},
		{"arity", call("secret", expr.FuncGetOffsets), CodeInvalidRequest, "wrong number of arguments"},
		{"missing token", call("", expr.FuncGetOffsets, target), CodeUnauthenticated, "authentication required"},
		{"wrong token", call("guess", expr.FuncGetOffsets, target), CodeUnauthenticated, "mismatch"},
		{"bad payload", [][]byte{[]byte(`{"kind":"call","op":"flatten","token":"secret"}`), []byte("junk")}, CodeInvalidRequest, "argument 0"},
		{"bad header", [][]byte{[]byte(`{`)}, CodeInvalidRequest, "malformed header"},
		{"no frames", nil, CodeInvalidRequest, "no header frame"},
		{"select without table", [][]byte{[]byte(`{"kind":"select","exprs":[{"col":"a"}],"token":"secret"}`)}, CodeInvalidRequest, "one table frame"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.Handle(context.Background(), tt.frames)
			require.Len(t, resp, 1)

			_, _, err := DecodeResponse(resp)
			var remote *RemoteError
			require.ErrorAs(t, err, &remote)
			assert.Equal(t, tt.wantCode, remote.Code)
			assert.Contains(t, remote.Message, tt.wantMsg)
			assert.NotEmpty(t, remote.RequestID)
		})
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RequestsTotal.WithLabelValues(expr.FuncImplodeWithOffsets, CodeShapeMismatch)))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.RequestsTotal.WithLabelValues(opUnknown, CodeUnauthenticated)))
	// Unknown function, bad header and no frames.
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.RequestsTotal.WithLabelValues(opUnknown, CodeInvalidRequest)))
}

func TestHandleBoundsMetricLabels(t *testing.T) {
	h := newTestHandler(t, NewAuthenticator(AuthConfig{Enabled: true, Token: "secret"}))
	codec := data.NewCodec()

	target := newColumn(t, "t", int64Type, `[1, 2]`)
	defer target.Release()

	for i := 0; i < 100; i++ {
		for _, token := range []string{"", "guess", "secret"} {
			frames, err := EncodeCall(codec, token, fmt.Sprintf("made_up_%d", i), target)
			require.NoError(t, err)
			h.Handle(context.Background(), frames)
		}
	}

	frames, err := EncodeCall(codec, "secret", expr.FuncFlatten, target)
	require.NoError(t, err)
	h.Handle(context.Background(), frames)

	// unknown/unauthenticated, unknown/invalid_request and flatten/type.
	assert.Equal(t, 3, testutil.CollectAndCount(h.metrics.RequestsTotal))
	assert.Equal(t, 2, testutil.CollectAndCount(h.metrics.RequestDuration))
	assert.Equal(t, 2, testutil.CollectAndCount(h.metrics.RowsIn))
	assert.Equal(t, 200.0, testutil.ToFloat64(h.metrics.RequestsTotal.WithLabelValues(opUnknown, CodeUnauthenticated)))
	assert.Equal(t, 100.0, testutil.ToFloat64(h.metrics.RequestsTotal.WithLabelValues(opUnknown, CodeInvalidRequest)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RequestsTotal.WithLabelValues(expr.FuncFlatten, CodeType)))
}

func TestHandleRejectsOversizedResult(t *testing.T) {
	pool := core.NewWorkerPool("api-test", 1, 0)
	defer pool.Shutdown()

	metrics := NewMetrics("reshape_test", prometheus.NewRegistry())
	ev := expr.NewEvaluator(expr.DefaultRegistry(functions.NewReshaper()), pool)
	h := NewHandler(ev, HandlerConfig{Metrics: metrics, Pool: pool, MaxPayloadSize: 64})
	codec := data.NewCodec()

	nested := newColumn(t, "l", listType, `[[1, 2], [3], [], [4, 5, 6]]`)
	defer nested.Release()

	frames, err := EncodeCall(codec, "", expr.FuncFlatten, nested)
	require.NoError(t, err)

	resp := h.Handle(context.Background(), frames)
	require.Len(t, resp, 1)

	_, _, err = DecodeResponse(resp)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, CodeInvalidRequest, remote.Code)
	assert.Contains(t, remote.Message, "max: 64")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues(expr.FuncFlatten, CodeInvalidRequest)))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeShapeMismatch, CodeOf(functions.ErrShapeMismatch))
	assert.Equal(t, CodeCompute, CodeOf(functions.ErrCompute))
	assert.Equal(t, CodeType, CodeOf(arrow.ErrType))
	assert.Equal(t, CodeInvalidRequest, CodeOf(expr.ErrUnknownColumn))
	assert.Equal(t, CodeUnauthenticated, CodeOf(ErrAuthRequired))
	assert.Equal(t, CodeInternal, CodeOf(context.Canceled))
}

func TestGRPCStatusRoundTrip(t *testing.T) {
	err := FromGRPCStatus(GRPCStatus(functions.ErrCompute))
	assert.ErrorIs(t, err, functions.ErrCompute)

	plain := context.DeadlineExceeded
	assert.Equal(t, plain, FromGRPCStatus(plain))
}
