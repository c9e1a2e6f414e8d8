package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/core"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/expr"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/functions"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startArrowServer(t *testing.T, h *Handler) string {
	t.Helper()
	srv := NewArrowServer(h, nil)
	require.NoError(t, srv.StartAsync("127.0.0.1:0"))
	t.Cleanup(srv.Stop)
	return srv.Addr().String()
}

func startFlightServer(t *testing.T, h *Handler) string {
	t.Helper()
	srv := NewFlightServer(h, nil)
	require.NoError(t, srv.StartAsync("127.0.0.1:0"))
	t.Cleanup(srv.Stop)
	return srv.Addr().String()
}

func TestArrowServerCall(t *testing.T) {
	h := newTestHandler(t, nil)
	addr := startArrowServer(t, h.Handler)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, addr, "", nil)
	require.NoError(t, err)
	defer client.Close()

	nested := newColumn(t, "nested", listType, `[[1, 2], [3]]`, `[[], [4, 5, 6]]`)
	defer nested.Release()

	offs, err := client.Call(ctx, expr.FuncGetOffsets, nested)
	require.NoError(t, err)
	defer offs.Release()
	assertColumnJSON(t, `[0, 2, 3, 3, 6]`, offs)

	// The connection stays usable after a rejected request.
	target := newColumn(t, "t", int64Type, `[1, 2, 3]`)
	defer target.Release()
	_, err = client.Call(ctx, expr.FuncImplodeLike, target, nested)
	require.ErrorIs(t, err, functions.ErrShapeMismatch)

	flat, err := client.Call(ctx, expr.FuncFlatten, nested)
	require.NoError(t, err)
	defer flat.Release()
	assertColumnJSON(t, `[1, 2, 3, 4, 5, 6]`, flat)
}

func TestArrowServerSelect(t *testing.T) {
	h := newTestHandler(t, NewAuthenticator(AuthConfig{Enabled: true, Token: "secret"}))
	addr := startArrowServer(t, h.Handler)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	v := newColumn(t, "v", int64Type, `[1, 2, 3, 4, 5, 6]`)
	defer v.Release()
	lengths := newColumn(t, "len", int64Type, `[2, 1, 0, 3, 0, 0]`)
	defer lengths.Release()
	tbl := newTable(t, v, lengths)
	defer tbl.Release()

	pipeline := expr.Call(expr.FuncImplodeWithLengths, expr.Col("v"), expr.Col("len")).Alias("lists")

	anon, err := Dial(ctx, addr, "", nil)
	require.NoError(t, err)
	defer anon.Close()
	_, err = anon.Select(ctx, tbl, pipeline)
	require.ErrorIs(t, err, ErrAuthFailed)

	client, err := Dial(ctx, addr, "secret", nil)
	require.NoError(t, err)
	defer client.Close()

	// Six lengths describe six lists, so the output matches the table length.
	out, err := client.Select(ctx, tbl, pipeline, expr.Col("len"))
	require.NoError(t, err)
	defer out.Release()

	require.EqualValues(t, 6, out.NumRows())
	assert.Equal(t, "lists", out.Schema().Field(0).Name)
	assert.True(t, arrow.TypeEqual(arrow.LargeListOf(int64Type), out.Schema().Field(0).Type))
	assertColumnJSON(t, `[[1, 2], [3], [], [4, 5, 6], [], []]`, out.Column(0))
}

func TestArrowServerRejectsBadFraming(t *testing.T) {
	h := newTestHandler(t, nil)
	addr := startArrowServer(t, h.Handler)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, addr, "", nil)
	require.NoError(t, err)
	defer client.Close()

	// A frame count of zero is rejected with an error response.
	_, err = client.conn.Write([]byte{0, 0, 0, 0})
	require.NoError(t, err)

	resp, err := ReadFrames(client.conn)
	require.NoError(t, err)
	_, _, err = DecodeResponse(resp)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestArrowServerStopClosesConnections(t *testing.T) {
	h := newTestHandler(t, nil)
	srv := NewArrowServer(h.Handler, nil)
	require.NoError(t, srv.StartAsync("127.0.0.1:0"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, srv.Addr().String(), "", nil)
	require.NoError(t, err)
	defer client.Close()

	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return while a client was connected")
	}

	nested := newColumn(t, "nested", listType, `[[1]]`)
	defer nested.Release()
	_, err = client.Call(ctx, expr.FuncFlatten, nested)
	assert.Error(t, err)
}

func TestFlightServerSelect(t *testing.T) {
	h := newTestHandler(t, nil)
	addr := startFlightServer(t, h.Handler)

	client, err := DialFlight(addr, "", nil)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	nested := newColumn(t, "nested", listType, `[[1, 2], [3]]`, `[[], [4, 5, 6]]`)
	defer nested.Release()
	tbl := newTable(t, nested)
	defer tbl.Release()

	out, err := client.Select(ctx, tbl,
		expr.Call(expr.FuncImplodeLike, expr.Call(expr.FuncFlatten, expr.Col("nested")), expr.Col("nested")).Alias("copy"),
	)
	require.NoError(t, err)
	defer out.Release()

	require.EqualValues(t, 4, out.NumRows())
	assert.Equal(t, "copy", out.Schema().Field(0).Name)
	assertColumnJSON(t, `[[1, 2], [3], [], [4, 5, 6]]`, out.Column(0))
}

func TestFlightServerErrors(t *testing.T) {
	h := newTestHandler(t, NewAuthenticator(AuthConfig{Enabled: true, Token: "secret"}))
	addr := startFlightServer(t, h.Handler)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	v := newColumn(t, "v", int64Type, `[1, 2, 3]`)
	defer v.Release()
	tbl := newTable(t, v)
	defer tbl.Release()

	anon, err := DialFlight(addr, "", nil)
	require.NoError(t, err)
	defer anon.Close()

	_, err = anon.Select(ctx, tbl, expr.Col("v"))
	require.ErrorIs(t, err, ErrAuthFailed)

	client, err := DialFlight(addr, "secret", nil)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Select(ctx, tbl, expr.Call(expr.FuncFlatten, expr.Col("v")))
	require.ErrorIs(t, err, arrow.ErrType)

	_, err = client.Select(ctx, tbl, expr.Col("missing"))
	require.ErrorIs(t, err, ErrInvalidRequest)

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "unknown column")
}

func TestFlightServerFunctions(t *testing.T) {
	h := newTestHandler(t, nil)
	addr := startFlightServer(t, h.Handler)

	client, err := DialFlight(addr, "", nil)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	names, err := client.Functions(ctx)
	require.NoError(t, err)
	assert.Equal(t, h.evaluator.Registry().Names(), names)
	assert.Contains(t, names, expr.FuncCastArrToStruct)
}

func TestMetricsServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics("reshape", reg)
	metrics.RecordRequest(expr.FuncFlatten, CodeOK, time.Millisecond, 10, 4)
	metrics.UpdateWorkerPool(core.PoolStats{Active: 2, Pending: 3})

	srv := httptest.NewServer(NewMetricsServer("", reg).Handler())
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body)

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(body, `reshape_requests_total{code="ok",op="flatten"} 1`), body)
	assert.Contains(t, body, "reshape_worker_pool_pending 3")
}
