package main

import (
	"bytes"
	"errors"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/fletcher-blas/internal/blas"
	"github.com/23skdu/fletcher-blas/internal/device"
)

func postCompute(t *testing.T, srv *Server, req ComputeRequest) (int, ComputeResponse) {
	t.Helper()
	data, err := cbor.Marshal(req)
	require.NoError(t, err)
	httpReq, _ := http.NewRequest("POST", "/compute", bytes.NewReader(data))
	rr := httptest.NewRecorder()

	srv.routes().ServeHTTP(rr, httpReq)

	var resp ComputeResponse
	require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
	return rr.Code, resp
}

func TestServer_Compute(t *testing.T) {
	srv := NewServer(blas.New(device.Host()), device.Float64, 4, nil)

	t.Run("Dot", func(t *testing.T) {
		code, resp := postCompute(t, srv, ComputeRequest{Op: "dot", X: []float64{1, 2, 3, 4}, Y: []float64{5, 6, 7, 8}})
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, []float64{70}, resp.Outputs["result"])
		assert.Empty(t, resp.Error)
	})

	t.Run("Scal", func(t *testing.T) {
		code, resp := postCompute(t, srv, ComputeRequest{Op: "scal", Alpha: 2, X: []float64{1, 2, 3}})
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, []float64{2, 4, 6}, resp.Outputs["x"])
	})

	t.Run("Swap", func(t *testing.T) {
		code, resp := postCompute(t, srv, ComputeRequest{Op: "swap", X: []float64{1, 2}, Y: []float64{3, 4}})
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, []float64{3, 4}, resp.Outputs["x"])
		assert.Equal(t, []float64{1, 2}, resp.Outputs["y"])
	})

	t.Run("Gemm", func(t *testing.T) {
		code, resp := postCompute(t, srv, ComputeRequest{
			Op:    "gemm",
			Alpha: 1,
			A:     &Matrix{Rows: 2, Cols: 3, Data: []float64{1, 2, 3, 4, 5, 6}},
			B:     &Matrix{Rows: 3, Cols: 2, Data: []float64{7, 8, 9, 10, 11, 12}},
		})
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, []float64{58, 64, 139, 154}, resp.Outputs["c"])
	})

	t.Run("GemmTransposed", func(t *testing.T) {
		code, resp := postCompute(t, srv, ComputeRequest{
			Op:     "gemm",
			Alpha:  1,
			Beta:   1,
			A:      &Matrix{Rows: 2, Cols: 2, Data: []float64{1, 2, 3, 4}},
			B:      &Matrix{Rows: 2, Cols: 2, Data: []float64{1, 0, 0, 1}},
			C:      &Matrix{Rows: 2, Cols: 2, Data: []float64{1, 1, 1, 1}},
			TransA: true,
		})
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, []float64{2, 4, 3, 5}, resp.Outputs["c"])
	})

	t.Run("UnknownOp", func(t *testing.T) {
		code, resp := postCompute(t, srv, ComputeRequest{Op: "trsm"})
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Contains(t, resp.Error, "trsm")
	})

	t.Run("InvalidDimensions", func(t *testing.T) {
		code, resp := postCompute(t, srv, ComputeRequest{Op: "dot", X: []float64{1, 2}, Y: []float64{1}})
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Contains(t, resp.Error, "invalid dimensions")
	})

	t.Run("BadMatrix", func(t *testing.T) {
		code, _ := postCompute(t, srv, ComputeRequest{Op: "gemm", A: &Matrix{Rows: 2, Cols: 2, Data: []float64{1}}})
		assert.Equal(t, http.StatusBadRequest, code)
	})
}

func TestServer_MockBackendCountsTransfers(t *testing.T) {
	srv := NewServer(newBlas(device.NewMockDevice(0)), device.Float32, 4, nil)

	code, resp := postCompute(t, srv, ComputeRequest{Op: "dot", X: []float64{1, 2, 3, 4}, Y: []float64{5, 6, 7, 8}})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []float64{70}, resp.Outputs["result"])
	// x and y uploaded, result read back
	assert.Equal(t, 3, resp.Transfers)
}

func TestServer_UnsupportedOnBackend(t *testing.T) {
	srv := NewServer(blas.NewWithTable(device.Host(), &blas.Table{Name: "empty"}), device.Float32, 4, nil)

	code, resp := postCompute(t, srv, ComputeRequest{Op: "asum", X: []float64{1}})
	assert.Equal(t, http.StatusNotImplemented, code)
	assert.Contains(t, resp.Error, "unsupported on backend")
}

func TestServer_Busy(t *testing.T) {
	srv := NewServer(blas.New(device.Host()), device.Float32, 1, nil)
	require.True(t, srv.waiting.TryAcquire(1))
	defer srv.waiting.Release(1)

	code, resp := postCompute(t, srv, ComputeRequest{Op: "asum", X: []float64{1}})
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, errBusy.Error(), resp.Error)
}

func TestServer_CircuitOpensOnBackendFaults(t *testing.T) {
	broken := &blas.Table{
		Name: "broken",
		Ops:  map[blas.Op][]device.DType{blas.Asum: {device.Float32}},
		Bind: func(device.Device, blas.Op) (*blas.Kernels, error) {
			return nil, errors.New("no context")
		},
	}
	srv := NewServer(blas.NewWithTable(device.Host(), broken), device.Float32, 4, NewCircuitBreaker(2, time.Minute))

	for range 2 {
		code, resp := postCompute(t, srv, ComputeRequest{Op: "asum", X: []float64{1}})
		assert.Equal(t, http.StatusInternalServerError, code)
		assert.Contains(t, resp.Error, "construction failed")
	}
	assert.Equal(t, StateOpen, srv.breaker.State())

	code, resp := postCompute(t, srv, ComputeRequest{Op: "asum", X: []float64{1}})
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, errCircuitOpen.Error(), resp.Error)
}

func TestServer_OversizedMatrixLeavesCircuitClosed(t *testing.T) {
	srv := NewServer(blas.New(device.Host()), device.Float64, 4, NewCircuitBreaker(1, time.Minute))

	huge := &Matrix{Rows: math.MaxInt/2 + 1, Cols: 2}
	code, resp := postCompute(t, srv, ComputeRequest{
		Op: "gemm", Alpha: 1,
		A: huge,
		B: &Matrix{Rows: 2, Cols: 1, Data: []float64{1, 1}},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, resp.Error, "matrix")
	assert.Equal(t, StateClosed, srv.breaker.State())

	code, resp = postCompute(t, srv, ComputeRequest{Op: "dot", X: []float64{1, 2, 3, 4}, Y: []float64{5, 6, 7, 8}})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []float64{70}, resp.Outputs["result"])
}

func TestServer_ComputeArrow(t *testing.T) {
	srv := NewServer(blas.New(device.Host()), device.Float64, 4, nil)
	pool := memory.NewGoAllocator()

	schema := arrow.NewSchema(
		[]arrow.Field{
			{Name: "x", Type: arrow.PrimitiveTypes.Float64},
			{Name: "y", Type: arrow.PrimitiveTypes.Float64},
		},
		nil,
	)
	var body bytes.Buffer
	writer := ipc.NewWriter(&body, ipc.WithSchema(schema))
	for _, batch := range [][2][]float64{
		{{1, 2, 3, 4}, {5, 6, 7, 8}},
		{{1, 1}, {2, 3}},
	} {
		xb := array.NewFloat64Builder(pool)
		xb.AppendValues(batch[0], nil)
		yb := array.NewFloat64Builder(pool)
		yb.AppendValues(batch[1], nil)
		xa, ya := xb.NewArray(), yb.NewArray()
		rec := array.NewRecordBatch(schema, []arrow.Array{xa, ya}, int64(len(batch[0])))
		require.NoError(t, writer.Write(rec))
		rec.Release()
		xa.Release()
		ya.Release()
		xb.Release()
		yb.Release()
	}
	require.NoError(t, writer.Close())

	req, _ := http.NewRequest("POST", "/compute/arrow?op=dot", &body)
	rr := httptest.NewRecorder()
	srv.routes().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	reader, err := ipc.NewReader(bytes.NewReader(rr.Body.Bytes()))
	require.NoError(t, err)
	defer reader.Release()

	require.True(t, reader.Next())
	rec := reader.Record()
	require.Equal(t, int64(2), rec.NumRows())
	results := rec.Column(1).(*array.Float64)
	assert.Equal(t, []float64{70, 5}, results.Float64Values())
	assert.Equal(t, "dot", rec.Schema().Field(1).Name)
}

func TestServer_ComputeArrowRejectsNonReduction(t *testing.T) {
	srv := NewServer(blas.New(device.Host()), device.Float64, 4, nil)
	req, _ := http.NewRequest("POST", "/compute/arrow?op=gemm", bytes.NewReader(nil))
	rr := httptest.NewRecorder()
	srv.routes().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServer_Health(t *testing.T) {
	srv := NewServer(blas.New(device.Host()), device.Float32, 1, nil)
	req, _ := http.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()

	srv.handleHealth(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}

func TestStartServer_ReturnsListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	err = startServer(ln.Addr().String(), blas.New(device.Host()), device.Float64, 4, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server failed")
}
