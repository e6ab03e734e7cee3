package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/fletcher-blas/internal/blas"
	"github.com/23skdu/fletcher-blas/internal/device"
)

func TestParseBytes(t *testing.T) {
	assert.Equal(t, int64(4<<30), parseBytes("4GB"))
	assert.Equal(t, int64(512<<20), parseBytes("512MB"))
	assert.Equal(t, int64(2<<10), parseBytes("2K"))
	assert.Equal(t, int64(1024), parseBytes("1024"))
	assert.Zero(t, parseBytes("0"))
	assert.Zero(t, parseBytes(""))
}

func TestParseOps(t *testing.T) {
	ops, err := parseOps("")
	require.NoError(t, err)
	assert.Equal(t, blas.Ops, ops)

	ops, err = parseOps("dot, gemm")
	require.NoError(t, err)
	assert.Equal(t, []blas.Op{blas.Dot, blas.Gemm}, ops)

	_, err = parseOps("dot,potrf")
	assert.Error(t, err)
}

func TestRunBench(t *testing.T) {
	cfg := benchConfig{DType: device.Float32, N: 64, GemmSize: 8, Iters: 3, Ops: blas.Ops}

	t.Run("Mock", func(t *testing.T) {
		results := runBench(context.Background(), newBlas(device.NewMockDevice(0)), cfg)
		require.Len(t, results, len(blas.Ops))
		for _, r := range results {
			require.NoError(t, r.Err, r.Op.String())
			assert.Positive(t, r.Managed, r.Op.String())
			// Managed call uploads every initialized operand once; plain calls move nothing
			assert.Positive(t, r.Transfers, r.Op.String())
		}
	})

	t.Run("HalfPrecisionReportsErrors", func(t *testing.T) {
		half := cfg
		half.DType = device.Float16
		half.Ops = []blas.Op{blas.Dot}
		results := runBench(context.Background(), newBlas(device.Host()), half)
		require.Len(t, results, 1)
		assert.ErrorIs(t, results[0].Err, blas.ErrUnsupportedVariant)
	})
}

func TestWriteReport(t *testing.T) {
	cfg := benchConfig{DType: device.Float64, N: 16, GemmSize: 4, Iters: 2, Ops: []blas.Op{blas.Dot, blas.Gemm}}
	results := runBench(context.Background(), newBlas(device.Host()), cfg)
	results = append(results, benchResult{Op: blas.Nrm2, Backend: "test", Err: blas.ErrCompute})

	var buf bytes.Buffer
	require.NoError(t, writeReport(&buf, results))

	reader, err := ipc.NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	defer reader.Release()

	require.True(t, reader.Next())
	rec := reader.Record()
	assert.Equal(t, int64(3), rec.NumRows())
	assert.True(t, rec.Schema().Equal(reportSchema))

	ops := rec.Column(0).(*array.String)
	assert.Equal(t, "dot", ops.Value(0))
	assert.Equal(t, "gemm", ops.Value(1))

	sizes := rec.Column(3).(*array.Int64)
	assert.Equal(t, int64(16), sizes.Value(0))
	assert.Equal(t, int64(4), sizes.Value(1))

	errs := rec.Column(9).(*array.String)
	assert.True(t, errs.IsNull(0))
	assert.False(t, errs.IsNull(2))
	assert.Contains(t, errs.Value(2), "computation failed")
}
