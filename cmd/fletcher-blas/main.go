package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/fletcher-blas/internal/blas"
	"github.com/23skdu/fletcher-blas/internal/client"
	"github.com/23skdu/fletcher-blas/internal/device"
)

var (
	backendName   = flag.String("backend", "cpu", "Compute backend (cpu, cuda, opencl, mock)")
	deviceOrdinal = flag.Int("device", 0, "Device ordinal for GPU backends")
	dtypeName     = flag.String("dtype", "float32", "Element type (float32, float64, float16)")
	vectorLen     = flag.Int("n", 1<<20, "Vector length for BLAS-1 benchmarks")
	gemmSize      = flag.Int("gemm-size", 256, "Square matrix size for the gemm benchmark")
	iterations    = flag.Int("iters", 10, "Benchmark iterations per operation")
	opsFlag       = flag.String("ops", "", "Comma separated operations to benchmark (default all)")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	remoteAddr    = flag.String("remote", "", "Exercise a running server at this URL instead of a local backend (e.g. http://localhost:8080)")
	remoteTimeout = flag.Duration("remote-timeout", 30*time.Second, "HTTP timeout for -remote requests")
	maxConcurrent = flag.Int("max-concurrent", 64, "Maximum number of requests waiting for the backend")
	breakerFails  = flag.Int("breaker-failures", 5, "Consecutive backend faults before the server stops accepting work (0 disables)")
	breakerWait   = flag.Duration("breaker-timeout", 30*time.Second, "Time before a tripped backend is tried again")
	hostPool      = flag.String("host-pool", "256MB", "Maximum bytes kept in the host buffer pool (e.g. 1GB, 512MB, 0)")
	reportFmt     = flag.String("report", "arrow", "Benchmark report format: 'arrow' (IPC stream on stdout) or 'none'")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	logLevel      = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
)

func parseBytes(s string) int64 {
	// 4GB, 100MB, 1024
	if s == "" || s == "0" {
		return 0
	}
	var val int64
	var unit string
	_, _ = fmt.Sscanf(s, "%d%s", &val, &unit)

	switch unit {
	case "GB", "G":
		return val * 1024 * 1024 * 1024
	case "MB", "M":
		return val * 1024 * 1024
	case "KB", "K":
		return val * 1024
	default:
		return val
	}
}

// newBlas binds a Blas to dev. The mock device has no kernels of its own and
// runs the native ones on its emulated memory.
func newBlas(dev device.Device) *blas.Blas {
	if dev.Framework() == device.Mock {
		return blas.NewWithTable(dev, blas.NativeTable())
	}
	return blas.New(dev)
}

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if err := run(); err != nil {
		log.Error().Err(err).Msg("fletcher-blas failed")
		os.Exit(1)
	}
}

// run holds every deferred cleanup, so it must return rather than exit.
func run() error {
	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", *logLevel, err)
	}
	zerolog.SetGlobalLevel(level)

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			return fmt.Errorf("initialize tracer: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Failed to flush traces")
			}
		}()
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			return fmt.Errorf("create CPU profile file: %w", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("start CPU profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	poolBytes := parseBytes(*hostPool)
	device.Host().SetPoolLimit(poolBytes)
	log.Info().Str("host_pool", *hostPool).Int64("bytes", poolBytes).Msg("Host buffer pool")

	dtype, err := device.ParseDType(*dtypeName)
	if err != nil {
		return fmt.Errorf("invalid dtype: %w", err)
	}

	ops, err := parseOps(*opsFlag)
	if err != nil {
		return fmt.Errorf("invalid operation list: %w", err)
	}

	if *remoteAddr != "" {
		c := client.New(*remoteAddr, *remoteTimeout)
		if err := runRemote(context.Background(), c, ops, *vectorLen, *gemmSize); err != nil {
			return fmt.Errorf("remote check against %s: %w", *remoteAddr, err)
		}
		log.Info().Str("remote", *remoteAddr).Msg("Remote check passed")
		return nil
	}

	dev, err := device.Open(*backendName, *deviceOrdinal)
	if err != nil {
		return fmt.Errorf("open %s device: %w", *backendName, err)
	}
	b := newBlas(dev)
	defer func() {
		if err := b.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to release BLAS backend")
		}
	}()
	log.Info().Str("device", dev.Name()).Str("location", dev.Location().String()).Msg("Backend ready")

	if *listenAddr != "" {
		return startServer(*listenAddr, b, dtype, *maxConcurrent, NewCircuitBreaker(*breakerFails, *breakerWait))
	}

	var out io.Writer
	switch *reportFmt {
	case "arrow":
		out = os.Stdout
	case "none":
	default:
		return fmt.Errorf("unknown report format %q", *reportFmt)
	}

	cfg := benchConfig{
		DType:    dtype,
		N:        *vectorLen,
		GemmSize: *gemmSize,
		Iters:    *iterations,
		Ops:      ops,
	}
	results := runBench(context.Background(), b, cfg)
	if out == nil {
		return nil
	}
	if err := writeReport(out, results); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow stream")
	}
	return nil
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("fletcher-blas"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
