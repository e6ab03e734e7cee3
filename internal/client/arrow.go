package client

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Batch is one reduction input. Y is only read by dot.
type Batch struct {
	X []float64
	Y []float64
}

// RecordBatchBuilder creates Arrow record batches from reduction inputs.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildRecordBatch converts b into a record with float64 column "x" and,
// when withY is set, column "y".
func (rb *RecordBatchBuilder) BuildRecordBatch(b Batch, withY bool) (arrow.RecordBatch, error) {
	fields := []arrow.Field{{Name: "x", Type: arrow.PrimitiveTypes.Float64}}
	if withY {
		if len(b.Y) != len(b.X) {
			return nil, fmt.Errorf("x has %d values but y has %d", len(b.X), len(b.Y))
		}
		fields = append(fields, arrow.Field{Name: "y", Type: arrow.PrimitiveTypes.Float64})
	}
	schema := arrow.NewSchema(fields, nil)

	cols := make([]arrow.Array, 0, len(fields))
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	for _, data := range [][]float64{b.X, b.Y}[:len(fields)] {
		builder := array.NewFloat64Builder(rb.mem)
		builder.AppendValues(data, nil)
		cols = append(cols, builder.NewArray())
		builder.Release()
	}

	return array.NewRecordBatch(schema, cols, int64(len(b.X))), nil
}
