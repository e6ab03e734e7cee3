package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/fletcher-blas/internal/blas"
	"github.com/23skdu/fletcher-blas/internal/device"
)

type benchConfig struct {
	DType    device.DType
	N        int
	GemmSize int
	Iters    int
	Ops      []blas.Op
}

// benchResult is one row of the benchmark report. Managed is the first call,
// which pays for operand synchronization; PlainMean averages the plain calls
// that follow on the already resident operands.
type benchResult struct {
	Op        blas.Op
	Backend   string
	DType     device.DType
	Size      int
	Iters     int
	Managed   time.Duration
	PlainMean time.Duration
	Flops     float64
	Transfers int
	Err       error
}

// GFlops returns the plain-call throughput.
func (r benchResult) GFlops() float64 {
	if r.PlainMean <= 0 || r.Flops == 0 {
		return 0
	}
	return r.Flops / r.PlainMean.Seconds() / 1e9
}

func parseOps(s string) ([]blas.Op, error) {
	if strings.TrimSpace(s) == "" {
		return blas.Ops, nil
	}
	var ops []blas.Op
	for _, name := range strings.Split(s, ",") {
		op, err := blas.ParseOp(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func runBench(ctx context.Context, b *blas.Blas, cfg benchConfig) []benchResult {
	results := make([]benchResult, 0, len(cfg.Ops))
	for _, op := range cfg.Ops {
		res := benchOp(ctx, b, cfg, op)
		ev := log.Info()
		if res.Err != nil {
			ev = log.Warn().Err(res.Err)
		}
		ev.Str("op", op.String()).
			Str("dtype", cfg.DType.String()).
			Int("size", res.Size).
			Dur("managed", res.Managed).
			Dur("plain_mean", res.PlainMean).
			Float64("gflops", res.GFlops()).
			Int("transfers", res.Transfers).
			Msg("Benchmarked operation")
		results = append(results, res)
	}
	return results
}

// benchCase holds the operands of one routine and how to invoke it.
type benchCase struct {
	operands []*device.SharedTensor
	size     int
	flops    float64
	call     func(managed bool) error
}

func (c *benchCase) release() {
	for _, t := range c.operands {
		t.Release()
	}
}

func benchOp(ctx context.Context, b *blas.Blas, cfg benchConfig, op blas.Op) benchResult {
	_, span := tracer.Start(ctx, "bench."+op.String(), trace.WithAttributes(
		attribute.String("backend", b.Device().Name()),
		attribute.String("dtype", cfg.DType.String()),
	))
	defer span.End()

	res := benchResult{
		Op:      op,
		Backend: b.Device().Name(),
		DType:   cfg.DType,
		Iters:   cfg.Iters,
	}
	fail := func(err error) benchResult {
		res.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res
	}

	bc, err := newBenchCase(b, cfg, op)
	if err != nil {
		return fail(err)
	}
	defer bc.release()
	res.Size = bc.size
	res.Flops = bc.flops
	span.SetAttributes(attribute.Int("size", bc.size))

	start := time.Now()
	if err := bc.call(true); err != nil {
		return fail(err)
	}
	if err := b.Synchronize(); err != nil {
		return fail(err)
	}
	res.Managed = time.Since(start)

	if cfg.Iters > 1 {
		start = time.Now()
		for i := 1; i < cfg.Iters; i++ {
			if err := bc.call(false); err != nil {
				return fail(err)
			}
		}
		if err := b.Synchronize(); err != nil {
			return fail(err)
		}
		res.PlainMean = time.Since(start) / time.Duration(cfg.Iters-1)
	}

	for _, t := range bc.operands {
		res.Transfers += t.Transfers()
	}
	span.SetAttributes(attribute.Int("transfers", res.Transfers))
	return res
}

func randomTensor(rng *rand.Rand, dtype device.DType, shape ...int) (*device.SharedTensor, error) {
	t := device.NewSharedTensor(dtype, shape...)
	data := make([]float64, t.Len())
	for i := range data {
		data[i] = rng.Float64()*2 - 1
	}
	if err := t.Write(device.Host(), data); err != nil {
		return nil, err
	}
	return t, nil
}

func newBenchCase(b *blas.Blas, cfg benchConfig, op blas.Op) (*benchCase, error) {
	rng := rand.New(rand.NewPCG(uint64(op), uint64(cfg.N)))
	dtype, n := cfg.DType, cfg.N

	var (
		tensors  []*device.SharedTensor
		setupErr error
	)
	keep := func(t *device.SharedTensor, err error) *device.SharedTensor {
		if err != nil && setupErr == nil {
			setupErr = err
		}
		if t == nil {
			t = device.NewSharedTensor(dtype)
		}
		tensors = append(tensors, t)
		return t
	}
	random := func(shape ...int) *device.SharedTensor {
		return keep(randomTensor(rng, dtype, shape...))
	}
	fixed := func(v float64) *device.SharedTensor {
		return keep(device.FromFloat64(device.Host(), dtype, nil, []float64{v}))
	}
	empty := func(shape ...int) *device.SharedTensor {
		return keep(device.NewSharedTensor(dtype, shape...), nil)
	}

	bc := &benchCase{size: n}
	switch op {
	case blas.Asum:
		x, result := random(n), empty()
		bc.flops = float64(n)
		bc.call = func(managed bool) error {
			if managed {
				return b.Asum(x, result)
			}
			return b.AsumPlain(x, result)
		}
	case blas.Axpy:
		a, x, y := fixed(1), random(n), random(n)
		bc.flops = 2 * float64(n)
		bc.call = func(managed bool) error {
			if managed {
				return b.Axpy(a, x, y)
			}
			return b.AxpyPlain(a, x, y)
		}
	case blas.Copy:
		x, y := random(n), empty(n)
		bc.call = func(managed bool) error {
			if managed {
				return b.Copy(x, y)
			}
			return b.CopyPlain(x, y)
		}
	case blas.Dot:
		x, y, result := random(n), random(n), empty()
		bc.flops = 2 * float64(n)
		bc.call = func(managed bool) error {
			if managed {
				return b.Dot(x, y, result)
			}
			return b.DotPlain(x, y, result)
		}
	case blas.Nrm2:
		x, result := random(n), empty()
		bc.flops = 2 * float64(n)
		bc.call = func(managed bool) error {
			if managed {
				return b.Nrm2(x, result)
			}
			return b.Nrm2Plain(x, result)
		}
	case blas.Scal:
		a, x := fixed(1), random(n)
		bc.flops = float64(n)
		bc.call = func(managed bool) error {
			if managed {
				return b.Scal(a, x)
			}
			return b.ScalPlain(a, x)
		}
	case blas.Swap:
		x, y := random(n), random(n)
		bc.call = func(managed bool) error {
			if managed {
				return b.Swap(x, y)
			}
			return b.SwapPlain(x, y)
		}
	case blas.Gemm:
		s := cfg.GemmSize
		bc.size = s
		alpha, a, bm, beta, c := fixed(1), random(s, s), random(s, s), fixed(0), empty(s, s)
		bc.flops = 2 * float64(s) * float64(s) * float64(s)
		bc.call = func(managed bool) error {
			if managed {
				return b.Gemm(alpha, blas.NoTrans, a, blas.NoTrans, bm, beta, c)
			}
			return b.GemmPlain(alpha, blas.NoTrans, a, blas.NoTrans, bm, beta, c)
		}
	default:
		return nil, fmt.Errorf("no benchmark for %s", op)
	}

	bc.operands = tensors
	if setupErr != nil {
		bc.release()
		return nil, fmt.Errorf("%s operands: %w", op, setupErr)
	}
	return bc, nil
}

var reportSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "op", Type: arrow.BinaryTypes.String},
		{Name: "backend", Type: arrow.BinaryTypes.String},
		{Name: "dtype", Type: arrow.BinaryTypes.String},
		{Name: "size", Type: arrow.PrimitiveTypes.Int64},
		{Name: "iters", Type: arrow.PrimitiveTypes.Int64},
		{Name: "managed_ns", Type: arrow.PrimitiveTypes.Int64},
		{Name: "plain_mean_ns", Type: arrow.PrimitiveTypes.Int64},
		{Name: "gflops", Type: arrow.PrimitiveTypes.Float64},
		{Name: "transfers", Type: arrow.PrimitiveTypes.Int64},
		{Name: "error", Type: arrow.BinaryTypes.String, Nullable: true},
	},
	nil,
)

// buildReport converts benchmark results into one record batch.
func buildReport(pool memory.Allocator, results []benchResult) arrow.RecordBatch {
	opB := array.NewStringBuilder(pool)
	defer opB.Release()
	backendB := array.NewStringBuilder(pool)
	defer backendB.Release()
	dtypeB := array.NewStringBuilder(pool)
	defer dtypeB.Release()
	sizeB := array.NewInt64Builder(pool)
	defer sizeB.Release()
	itersB := array.NewInt64Builder(pool)
	defer itersB.Release()
	managedB := array.NewInt64Builder(pool)
	defer managedB.Release()
	plainB := array.NewInt64Builder(pool)
	defer plainB.Release()
	gflopsB := array.NewFloat64Builder(pool)
	defer gflopsB.Release()
	transfersB := array.NewInt64Builder(pool)
	defer transfersB.Release()
	errB := array.NewStringBuilder(pool)
	defer errB.Release()

	for _, r := range results {
		opB.Append(r.Op.String())
		backendB.Append(r.Backend)
		dtypeB.Append(r.DType.String())
		sizeB.Append(int64(r.Size))
		itersB.Append(int64(r.Iters))
		managedB.Append(r.Managed.Nanoseconds())
		plainB.Append(r.PlainMean.Nanoseconds())
		gflopsB.Append(r.GFlops())
		transfersB.Append(int64(r.Transfers))
		if r.Err != nil {
			errB.Append(r.Err.Error())
		} else {
			errB.AppendNull()
		}
	}

	cols := []arrow.Array{
		opB.NewArray(), backendB.NewArray(), dtypeB.NewArray(),
		sizeB.NewArray(), itersB.NewArray(), managedB.NewArray(),
		plainB.NewArray(), gflopsB.NewArray(), transfersB.NewArray(),
		errB.NewArray(),
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecordBatch(reportSchema, cols, int64(len(results)))
}

// writeReport writes the results as an Arrow IPC stream.
func writeReport(w io.Writer, results []benchResult) error {
	rec := buildReport(memory.NewGoAllocator(), results)
	defer rec.Release()
	return writeArrowStream(w, rec)
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}
