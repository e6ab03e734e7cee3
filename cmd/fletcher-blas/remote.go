package main

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/fletcher-blas/internal/blas"
	"github.com/23skdu/fletcher-blas/internal/client"
)

// remoteRequest builds a request for op with n random values per vector and
// size x size matrices.
func remoteRequest(rng *rand.Rand, op blas.Op, n, size int) client.ComputeRequest {
	vec := func(n int) []float64 {
		v := make([]float64, n)
		for i := range v {
			v[i] = rng.Float64()*2 - 1
		}
		return v
	}
	req := client.ComputeRequest{Op: op.String()}
	switch op {
	case blas.Asum, blas.Nrm2, blas.Copy:
		req.X = vec(n)
	case blas.Dot, blas.Swap:
		req.X, req.Y = vec(n), vec(n)
	case blas.Axpy:
		req.Alpha, req.X, req.Y = 2, vec(n), vec(n)
	case blas.Scal:
		req.Alpha, req.X = 2, vec(n)
	case blas.Gemm:
		req.Alpha, req.Beta = 1, 0
		req.A = &client.Matrix{Rows: size, Cols: size, Data: vec(size * size)}
		req.B = &client.Matrix{Rows: size, Cols: size, Data: vec(size * size)}
	}
	return req
}

// runRemote sends one request per op to a running server, then checks that
// the Arrow endpoint agrees with /compute on a dot product.
func runRemote(ctx context.Context, c *client.Client, ops []blas.Op, n, size int) error {
	rng := rand.New(rand.NewPCG(1, uint64(n)))
	var failed int
	for _, op := range ops {
		req := remoteRequest(rng, op, n, size)
		start := time.Now()
		resp, err := c.Compute(ctx, req)
		if err != nil {
			failed++
			log.Warn().Err(err).Str("op", op.String()).Msg("Remote compute failed")
			continue
		}
		log.Info().
			Str("op", op.String()).
			Dur("latency", time.Since(start)).
			Int("transfers", resp.Transfers).
			Int("outputs", len(resp.Outputs)).
			Msg("Remote compute")
	}

	x, y := remoteRequest(rng, blas.Dot, n, 0).X, remoteRequest(rng, blas.Dot, n, 0).Y
	single, err := c.Compute(ctx, client.ComputeRequest{Op: "dot", X: x, Y: y})
	if err != nil {
		return fmt.Errorf("remote dot: %w", err)
	}
	streamed, err := c.Reduce(ctx, "dot", []client.Batch{{X: x, Y: y}})
	if err != nil {
		return fmt.Errorf("remote arrow dot: %w", err)
	}
	want := single.Outputs["result"][0]
	if len(streamed) != 1 || math.Abs(streamed[0]-want) > 1e-6*math.Max(1, math.Abs(want)) {
		return fmt.Errorf("arrow dot returned %v, /compute returned %v", streamed, want)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d remote operations failed", failed, len(ops))
	}
	return nil
}
