package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
)

// StatusError is returned when the server answers with a non-200 status.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Client talks to a fletcher-blas server over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	mem     memory.Allocator
}

// New returns a client for the server at baseURL, e.g. "http://localhost:8080".
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		mem:     memory.NewGoAllocator(),
	}
}

// Compute runs one managed operation on the server.
func (c *Client) Compute(ctx context.Context, req ComputeRequest) (ComputeResponse, error) {
	var resp ComputeResponse
	body, err := cbor.Marshal(req)
	if err != nil {
		return resp, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/compute", bytes.NewReader(body))
	if err != nil {
		return resp, err
	}
	httpReq.Header.Set("Content-Type", "application/cbor")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return resp, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return resp, err
	}
	if err := cbor.Unmarshal(data, &resp); err != nil {
		if httpResp.StatusCode != http.StatusOK {
			return resp, &StatusError{Code: httpResp.StatusCode, Message: strings.TrimSpace(string(data))}
		}
		return resp, fmt.Errorf("decode response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return resp, &StatusError{Code: httpResp.StatusCode, Message: resp.Error}
	}
	return resp, nil
}

// Reduce streams batches to the server's Arrow endpoint and returns one
// result per batch. op is dot, asum or nrm2.
func (c *Client) Reduce(ctx context.Context, op string, batches []Batch) ([]float64, error) {
	if len(batches) == 0 {
		return nil, nil
	}
	withY := op == "dot"
	builder := NewRecordBatchBuilder(c.mem)

	var buf bytes.Buffer
	var writer *ipc.Writer
	for i, b := range batches {
		rec, err := builder.BuildRecordBatch(b, withY)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", i, err)
		}
		if writer == nil {
			writer = ipc.NewWriter(&buf, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(c.mem))
		}
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			return nil, fmt.Errorf("write batch %d: %w", i, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	u := c.baseURL + "/compute/arrow?op=" + url.QueryEscape(op)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/vnd.apache.arrow.stream")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(httpResp.Body)
		return nil, &StatusError{Code: httpResp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	reader, err := ipc.NewReader(httpResp.Body, ipc.WithAllocator(c.mem))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	defer reader.Release()

	results := make([]float64, 0, len(batches))
	for reader.Next() {
		rec := reader.Record()
		indices := rec.Schema().FieldIndices(op)
		if len(indices) == 0 {
			return nil, fmt.Errorf("response has no %q column", op)
		}
		col, ok := rec.Column(indices[0]).(*array.Float64)
		if !ok {
			return nil, fmt.Errorf("column %q is %s, want float64", op, rec.Column(indices[0]).DataType())
		}
		results = append(results, col.Float64Values()...)
	}
	if err := reader.Err(); err != nil {
		return nil, err
	}
	log.Debug().Str("op", op).Int("batches", len(batches)).Msg("Arrow reduction complete")
	return results, nil
}
