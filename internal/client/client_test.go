package client

import (
	"context"
	"errors"
	"io"
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
)

func TestClient_Compute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/compute", r.URL.Path)
		assert.Equal(t, "application/cbor", r.Header.Get("Content-Type"))

		var req ComputeRequest
		require.NoError(t, cbor.NewDecoder(r.Body).Decode(&req))

		resp := ComputeResponse{Op: req.Op}
		code := http.StatusOK
		switch req.Op {
		case "scal":
			out := make([]float64, len(req.X))
			for i, v := range req.X {
				out[i] = req.Alpha * v
			}
			resp.Outputs = map[string][]float64{"x": out}
			resp.Transfers = 2
		default:
			code = http.StatusBadRequest
			resp.Error = "unknown op"
		}
		body, _ := cbor.Marshal(resp)
		w.WriteHeader(code)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	c := New(srv.URL+"/", time.Second)

	t.Run("OK", func(t *testing.T) {
		resp, err := c.Compute(context.Background(), ComputeRequest{Op: "scal", Alpha: 3, X: []float64{1, 2}})
		require.NoError(t, err)
		assert.Equal(t, []float64{3, 6}, resp.Outputs["x"])
		assert.Equal(t, 2, resp.Transfers)
	})

	t.Run("ErrorStatus", func(t *testing.T) {
		_, err := c.Compute(context.Background(), ComputeRequest{Op: "nope"})
		var se *StatusError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, http.StatusBadRequest, se.Code)
		assert.Equal(t, "unknown op", se.Message)
	})
}

func TestClient_ComputePlainTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).Compute(context.Background(), ComputeRequest{Op: "dot"})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusMethodNotAllowed, se.Code)
	assert.Equal(t, "Method not allowed", se.Message)
}

// sumServer answers each record batch of an Arrow stream with sum(x*y), or
// sum(x) when there is no y column.
func sumServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/compute/arrow", r.URL.Path)
		op := r.URL.Query().Get("op")
		mem := memory.NewGoAllocator()

		reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(mem))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer reader.Release()

		out := array.NewFloat64Builder(mem)
		defer out.Release()
		for reader.Next() {
			rec := reader.Record()
			x := rec.Column(0).(*array.Float64).Float64Values()
			var y []float64
			if rec.NumCols() > 1 {
				y = rec.Column(1).(*array.Float64).Float64Values()
			}
			var sum float64
			for i, v := range x {
				if y != nil {
					v *= y[i]
				}
				sum += v
			}
			out.Append(sum)
		}

		col := out.NewArray()
		defer col.Release()
		schema := arrow.NewSchema([]arrow.Field{{Name: op, Type: arrow.PrimitiveTypes.Float64}}, nil)
		rec := array.NewRecordBatch(schema, []arrow.Array{col}, int64(col.Len()))
		defer rec.Release()

		writer := ipc.NewWriter(w, ipc.WithSchema(schema))
		defer func() { _ = writer.Close() }()
		_ = writer.Write(rec)
	}))
}

func TestClient_Reduce(t *testing.T) {
	srv := sumServer(t)
	defer srv.Close()
	c := New(srv.URL, time.Second)

	t.Run("Dot", func(t *testing.T) {
		got, err := c.Reduce(context.Background(), "dot", []Batch{
			{X: []float64{1, 2, 3, 4}, Y: []float64{5, 6, 7, 8}},
			{X: []float64{1}, Y: []float64{5}},
		})
		require.NoError(t, err)
		assert.Equal(t, []float64{70, 5}, got)
	})

	t.Run("Asum", func(t *testing.T) {
		got, err := c.Reduce(context.Background(), "asum", []Batch{{X: []float64{1, 2}}})
		require.NoError(t, err)
		assert.Equal(t, []float64{3}, got)
	})

	t.Run("NoBatches", func(t *testing.T) {
		got, err := c.Reduce(context.Background(), "dot", nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("BadBatch", func(t *testing.T) {
		_, err := c.Reduce(context.Background(), "dot", []Batch{{X: []float64{1, 2}, Y: []float64{1}}})
		assert.ErrorContains(t, err, "batch 0")
	})
}

func TestClient_ReduceErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		http.Error(w, `Unsupported reduction "gemm"`, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).Reduce(context.Background(), "gemm", []Batch{{X: []float64{1}}})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Contains(t, se.Message, "Unsupported reduction")
}
