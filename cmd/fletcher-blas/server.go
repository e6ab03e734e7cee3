package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/fletcher-blas/internal/blas"
	"github.com/23skdu/fletcher-blas/internal/client"
	"github.com/23skdu/fletcher-blas/internal/device"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fletcher_compute_requests_total",
		Help: "The total number of compute requests by status code",
	}, []string{"code"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fletcher_request_duration_seconds",
		Help:    "Time spent processing compute requests",
		Buckets: prometheus.DefBuckets,
	})

	waitingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fletcher_requests_waiting",
		Help: "Requests waiting for the backend context",
	})
)

var tracer = otel.Tracer("fletcher-blas")

// The wire types are shared with the Go client.
type (
	Matrix          = client.Matrix
	ComputeRequest  = client.ComputeRequest
	ComputeResponse = client.ComputeResponse
)

type Server struct {
	blas    *blas.Blas
	dtype   device.DType
	alloc   memory.Allocator
	breaker *CircuitBreaker
	// sem serializes calls on the backend context; waiting bounds the queue.
	sem     *semaphore.Weighted
	waiting *semaphore.Weighted
}

func NewServer(b *blas.Blas, dtype device.DType, maxConcurrent int, breaker *CircuitBreaker) *Server {
	if breaker == nil {
		breaker = NewCircuitBreaker(0, 0)
	}
	return &Server{
		blas:    b,
		dtype:   dtype,
		alloc:   memory.NewGoAllocator(),
		breaker: breaker,
		sem:     semaphore.NewWeighted(1),
		waiting: semaphore.NewWeighted(int64(max(1, maxConcurrent))),
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/compute", s.handleCompute)
	mux.HandleFunc("/compute/arrow", s.handleComputeArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// startServer serves until the listener fails.
func startServer(addr string, b *blas.Blas, dtype device.DType, maxConcurrent int, breaker *CircuitBreaker) error {
	srv := NewServer(b, dtype, maxConcurrent, breaker)

	log.Info().Str("addr", addr).Str("device", b.Device().Name()).Msg("Starting Fletcher BLAS Server")
	if err := http.ListenAndServe(addr, srv.routes()); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// acquire admits a request and waits for exclusive use of the backend.
func (s *Server) acquire(ctx context.Context) error {
	if !s.breaker.Allow() {
		return errCircuitOpen
	}
	if !s.waiting.TryAcquire(1) {
		return errBusy
	}
	waitingRequests.Inc()
	defer waitingRequests.Dec()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.waiting.Release(1)
		return err
	}
	return nil
}

func (s *Server) release() {
	s.sem.Release(1)
	s.waiting.Release(1)
}

var (
	errBusy        = errors.New("server busy")
	errCircuitOpen = errors.New("backend unavailable: circuit open")
	errBadRequest  = errors.New("bad request")
)

// statusFor maps a compute error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBusy), errors.Is(err, errCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, errBadRequest),
		errors.Is(err, blas.ErrInvalidDimensions),
		errors.Is(err, blas.ErrUnsupportedVariant):
		return http.StatusBadRequest
	case errors.Is(err, blas.ErrUnsupportedOnBackend):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func (s *Server) handleCompute(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleCompute")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ComputeRequest
	decoder := cbor.NewDecoder(r.Body)
	if err := decoder.Decode(&req); err != nil {
		span.RecordError(err)
		requestsTotal.WithLabelValues("400").Inc()
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("op", req.Op), attribute.Int("len", len(req.X)))

	if err := s.acquire(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to acquire backend")
		s.writeResponse(w, statusFor(err), ComputeResponse{Op: req.Op, Error: err.Error()})
		return
	}
	resp, err := s.compute(req)
	s.breaker.Record(err)
	s.release()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Debug().Err(err).Str("op", req.Op).Msg("Compute request failed")
		s.writeResponse(w, statusFor(err), ComputeResponse{Op: req.Op, Error: err.Error()})
		return
	}
	s.writeResponse(w, http.StatusOK, resp)
}

func (s *Server) writeResponse(w http.ResponseWriter, code int, resp ComputeResponse) {
	requestsTotal.WithLabelValues(fmt.Sprint(code)).Inc()
	body, err := cbor.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// operands builds host tensors for a request and releases them together.
type operands struct {
	dtype   device.DType
	tensors []*device.SharedTensor
}

func (o *operands) vector(data []float64) (*device.SharedTensor, error) {
	return o.add(device.FromFloat64(device.Host(), o.dtype, []int{len(data)}, data))
}

func (o *operands) scalar(v float64) (*device.SharedTensor, error) {
	return o.add(device.FromFloat64(device.Host(), o.dtype, nil, []float64{v}))
}

func (o *operands) matrix(m *Matrix) (*device.SharedTensor, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: missing matrix", errBadRequest)
	}
	// Rows <= len/Cols keeps Rows*Cols from overflowing.
	if m.Rows < 0 || m.Cols < 0 || (m.Cols > 0 && m.Rows > len(m.Data)/m.Cols) || m.Rows*m.Cols != len(m.Data) {
		return nil, fmt.Errorf("%w: %dx%d matrix with %d values", errBadRequest, m.Rows, m.Cols, len(m.Data))
	}
	return o.add(device.FromFloat64(device.Host(), o.dtype, []int{m.Rows, m.Cols}, m.Data))
}

func (o *operands) output(shape ...int) *device.SharedTensor {
	t := device.NewSharedTensor(o.dtype, shape...)
	o.tensors = append(o.tensors, t)
	return t
}

func (o *operands) add(t *device.SharedTensor, err error) (*device.SharedTensor, error) {
	if err != nil {
		return nil, err
	}
	o.tensors = append(o.tensors, t)
	return t, nil
}

func (o *operands) transfers() int {
	n := 0
	for _, t := range o.tensors {
		n += t.Transfers()
	}
	return n
}

func (o *operands) release() {
	for _, t := range o.tensors {
		t.Release()
	}
}

func transposeOf(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}

// compute runs one managed call and reads back its outputs.
func (s *Server) compute(req ComputeRequest) (ComputeResponse, error) {
	resp := ComputeResponse{Op: req.Op}
	op, err := blas.ParseOp(req.Op)
	if err != nil {
		return resp, fmt.Errorf("%w: %w", errBadRequest, err)
	}

	ops := &operands{dtype: s.dtype}
	defer ops.release()

	outputs, err := s.run(op, req, ops)
	if err != nil {
		return resp, err
	}

	resp.Outputs = make(map[string][]float64, len(outputs))
	for name, t := range outputs {
		data, err := t.Float64s()
		if err != nil {
			return resp, err
		}
		resp.Outputs[name] = data
	}
	resp.Transfers = ops.transfers()
	return resp, nil
}

func (s *Server) run(op blas.Op, req ComputeRequest, ops *operands) (map[string]*device.SharedTensor, error) {
	b := s.blas
	switch op {
	case blas.Asum, blas.Nrm2:
		x, err := ops.vector(req.X)
		if err != nil {
			return nil, err
		}
		result := ops.output()
		if op == blas.Asum {
			err = b.Asum(x, result)
		} else {
			err = b.Nrm2(x, result)
		}
		return map[string]*device.SharedTensor{"result": result}, err

	case blas.Dot:
		x, err := ops.vector(req.X)
		if err != nil {
			return nil, err
		}
		y, err := ops.vector(req.Y)
		if err != nil {
			return nil, err
		}
		result := ops.output()
		return map[string]*device.SharedTensor{"result": result}, b.Dot(x, y, result)

	case blas.Axpy:
		a, err := ops.scalar(req.Alpha)
		if err != nil {
			return nil, err
		}
		x, err := ops.vector(req.X)
		if err != nil {
			return nil, err
		}
		y, err := ops.vector(req.Y)
		if err != nil {
			return nil, err
		}
		return map[string]*device.SharedTensor{"y": y}, b.Axpy(a, x, y)

	case blas.Copy:
		x, err := ops.vector(req.X)
		if err != nil {
			return nil, err
		}
		y := ops.output(len(req.X))
		return map[string]*device.SharedTensor{"y": y}, b.Copy(x, y)

	case blas.Scal:
		a, err := ops.scalar(req.Alpha)
		if err != nil {
			return nil, err
		}
		x, err := ops.vector(req.X)
		if err != nil {
			return nil, err
		}
		return map[string]*device.SharedTensor{"x": x}, b.Scal(a, x)

	case blas.Swap:
		x, err := ops.vector(req.X)
		if err != nil {
			return nil, err
		}
		y, err := ops.vector(req.Y)
		if err != nil {
			return nil, err
		}
		return map[string]*device.SharedTensor{"x": x, "y": y}, b.Swap(x, y)

	case blas.Gemm:
		alpha, err := ops.scalar(req.Alpha)
		if err != nil {
			return nil, err
		}
		beta, err := ops.scalar(req.Beta)
		if err != nil {
			return nil, err
		}
		a, err := ops.matrix(req.A)
		if err != nil {
			return nil, err
		}
		bm, err := ops.matrix(req.B)
		if err != nil {
			return nil, err
		}
		var c *device.SharedTensor
		if req.C != nil {
			if c, err = ops.matrix(req.C); err != nil {
				return nil, err
			}
		} else {
			rows, cols := req.A.Rows, req.B.Cols
			if req.TransA {
				rows = req.A.Cols
			}
			if req.TransB {
				cols = req.B.Rows
			}
			c = ops.output(rows, cols)
		}
		err = b.Gemm(alpha, transposeOf(req.TransA), a, transposeOf(req.TransB), bm, beta, c)
		return map[string]*device.SharedTensor{"c": c}, err
	}
	return nil, fmt.Errorf("%w: unsupported op %s", errBadRequest, op)
}

// handleComputeArrow runs a reduction (dot, asum or nrm2, from the "op" query
// parameter) over every record batch of an Arrow IPC stream. Batches carry
// float64 columns "x" and, for dot, "y". The response is an Arrow IPC stream
// with one row per input batch.
func (s *Server) handleComputeArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleComputeArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	opName := r.URL.Query().Get("op")
	if opName == "" {
		opName = blas.Dot.String()
	}
	op, err := blas.ParseOp(opName)
	if err != nil || (op != blas.Dot && op != blas.Asum && op != blas.Nrm2) {
		http.Error(w, fmt.Sprintf("Unsupported reduction %q", opName), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("op", op.String()))

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	if err := s.acquire(ctx); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	defer s.release()

	batchB := array.NewInt64Builder(s.alloc)
	defer batchB.Release()
	resultB := array.NewFloat64Builder(s.alloc)
	defer resultB.Release()

	var batch int64
	for reader.Next() {
		rec := reader.Record()
		x, err := float64Column(rec, "x")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req := ComputeRequest{Op: op.String(), X: x}
		if op == blas.Dot {
			if req.Y, err = float64Column(rec, "y"); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		resp, err := s.compute(req)
		s.breaker.Record(err)
		if err != nil {
			span.RecordError(err)
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		batchB.Append(batch)
		resultB.Append(resp.Outputs["result"][0])
		batch++
	}
	if reader.Err() != nil {
		log.Error().Err(reader.Err()).Msg("Error reading Arrow stream")
		http.Error(w, "Stream error", http.StatusBadRequest)
		return
	}

	batchArr := batchB.NewArray()
	defer batchArr.Release()
	resultArr := resultB.NewArray()
	defer resultArr.Release()

	schema := arrow.NewSchema(
		[]arrow.Field{
			{Name: "batch", Type: arrow.PrimitiveTypes.Int64},
			{Name: op.String(), Type: arrow.PrimitiveTypes.Float64},
		},
		nil,
	)
	rec := array.NewRecordBatch(schema, []arrow.Array{batchArr, resultArr}, batch)
	defer rec.Release()

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	if err := writeArrowStream(w, rec); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow stream")
	}
}

func float64Column(rec arrow.RecordBatch, name string) ([]float64, error) {
	indices := rec.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return nil, fmt.Errorf("missing column %q", name)
	}
	col, ok := rec.Column(indices[0]).(*array.Float64)
	if !ok {
		return nil, fmt.Errorf("column %q is %s, want float64", name, rec.Column(indices[0]).DataType())
	}
	out := make([]float64, col.Len())
	copy(out, col.Float64Values())
	return out, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
