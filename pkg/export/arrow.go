package export

import (
	"fmt"
	"os"

	"github.com/apache/arrow/go/arrow"
	"github.com/apache/arrow/go/arrow/array"
	"github.com/apache/arrow/go/arrow/ipc"
	"github.com/apache/arrow/go/arrow/memory"
	"github.com/lab/treebatch/pkg/bitext"
)

// ArrowSchema is the IPC schema used for exported batches
func ArrowSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "epoch", Type: arrow.PrimitiveTypes.Int32, Nullable: false},
		{Name: "batch", Type: arrow.PrimitiveTypes.Int32, Nullable: false},
		{Name: "source_ids", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32), Nullable: false},
		{Name: "target_ids", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32), Nullable: false},
		{Name: "tree_tokens", Type: arrow.ListOf(arrow.BinaryTypes.String), Nullable: false},
	}, nil)
}

// ArrowWriter appends one IPC record batch per iterator batch
type ArrowWriter struct {
	file *os.File
	w    *ipc.Writer
	mem  memory.Allocator
}

func NewArrowWriter(path string) (*ArrowWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return &ArrowWriter{
		file: file,
		w:    ipc.NewWriter(file, ipc.WithSchema(ArrowSchema())),
		mem:  memory.NewGoAllocator(),
	}, nil
}

func (aw *ArrowWriter) WriteBatch(epoch, batch int, b bitext.Batch) error {
	rec := rowsToArrowRecord(Rows(epoch, batch, b), aw.mem)
	defer rec.Release()
	if err := aw.w.Write(rec); err != nil {
		return fmt.Errorf("failed to write arrow record: %w", err)
	}
	return nil
}

func (aw *ArrowWriter) Close() error {
	if err := aw.w.Close(); err != nil {
		aw.file.Close()
		return fmt.Errorf("failed to close arrow writer: %w", err)
	}
	return aw.file.Close()
}

func rowsToArrowRecord(rows []Row, mem memory.Allocator) array.Record {
	schema := ArrowSchema()

	epochBuilder := array.NewInt32Builder(mem)
	defer epochBuilder.Release()
	batchBuilder := array.NewInt32Builder(mem)
	defer batchBuilder.Release()
	sourceBuilder := array.NewListBuilder(mem, arrow.PrimitiveTypes.Int32)
	defer sourceBuilder.Release()
	targetBuilder := array.NewListBuilder(mem, arrow.PrimitiveTypes.Int32)
	defer targetBuilder.Release()
	treeBuilder := array.NewListBuilder(mem, arrow.BinaryTypes.String)
	defer treeBuilder.Release()

	sourceValues := sourceBuilder.ValueBuilder().(*array.Int32Builder)
	targetValues := targetBuilder.ValueBuilder().(*array.Int32Builder)
	treeValues := treeBuilder.ValueBuilder().(*array.StringBuilder)

	for _, row := range rows {
		epochBuilder.Append(row.Epoch)
		batchBuilder.Append(row.Batch)

		sourceBuilder.Append(true)
		sourceValues.AppendValues(row.SourceIDs, nil)
		targetBuilder.Append(true)
		targetValues.AppendValues(row.TargetIDs, nil)
		treeBuilder.Append(true)
		treeValues.AppendValues(row.TreeTokens, nil)
	}

	cols := []array.Interface{
		epochBuilder.NewArray(),
		batchBuilder.NewArray(),
		sourceBuilder.NewArray(),
		targetBuilder.NewArray(),
		treeBuilder.NewArray(),
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	return array.NewRecord(schema, cols, int64(len(rows)))
}

// ReadArrow loads every row from an exported Arrow IPC stream.
func ReadArrow(path string) ([]Row, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r, err := ipc.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer r.Release()

	var rows []Row
	for r.Next() {
		rec := r.Record()
		epochs := rec.Column(0).(*array.Int32)
		batches := rec.Column(1).(*array.Int32)
		sources := rec.Column(2).(*array.List)
		targets := rec.Column(3).(*array.List)
		trees := rec.Column(4).(*array.List)

		for i := 0; i < int(rec.NumRows()); i++ {
			rows = append(rows, Row{
				Epoch:      epochs.Value(i),
				Batch:      batches.Value(i),
				SourceIDs:  int32List(sources, i),
				TargetIDs:  int32List(targets, i),
				TreeTokens: stringList(trees, i),
			})
		}
	}
	return rows, nil
}

func int32List(l *array.List, i int) []int32 {
	offsets := l.Offsets()
	values := l.ListValues().(*array.Int32).Int32Values()
	out := make([]int32, offsets[i+1]-offsets[i])
	copy(out, values[offsets[i]:offsets[i+1]])
	return out
}

func stringList(l *array.List, i int) []string {
	offsets := l.Offsets()
	values := l.ListValues().(*array.String)
	out := make([]string, 0, offsets[i+1]-offsets[i])
	for j := offsets[i]; j < offsets[i+1]; j++ {
		out = append(out, values.Value(int(j)))
	}
	return out
}
