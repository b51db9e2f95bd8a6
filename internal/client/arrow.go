package client

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ChunkSchema is the schema of a vector chunk on the wire: one float64 per row.
var ChunkSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "values", Type: arrow.PrimitiveTypes.Float64},
	},
	nil,
)

// RecordBatchBuilder creates Arrow RecordBatches from vector chunks.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildRecordBatch wraps values into a single-column record batch.
// The caller must Release the result.
func (b *RecordBatchBuilder) BuildRecordBatch(values []float64) arrow.RecordBatch {
	fb := array.NewFloat64Builder(b.mem)
	defer fb.Release()
	fb.AppendValues(values, nil)

	col := fb.NewArray()
	defer col.Release()

	return array.NewRecordBatch(ChunkSchema, []arrow.Array{col}, int64(len(values)))
}

// ChunkValues copies the float64 values out of a chunk record.
func ChunkValues(rec arrow.RecordBatch) ([]float64, error) {
	if rec.NumCols() != 1 {
		return nil, fmt.Errorf("chunk record has %d columns, want 1", rec.NumCols())
	}
	col, ok := rec.Column(0).(*array.Float64)
	if !ok {
		return nil, fmt.Errorf("chunk column has type %s, want float64", rec.Column(0).DataType())
	}
	out := make([]float64, col.Len())
	copy(out, col.Float64Values())
	return out, nil
}
