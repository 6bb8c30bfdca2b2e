// Package export writes iterator batches to columnar files, one row per
// record.
package export

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/lab/treebatch/pkg/bitext"
)

// Row is one exported record.
type Row struct {
	Epoch      int32    `parquet:"name=epoch, type=INT32"`
	Batch      int32    `parquet:"name=batch, type=INT32"`
	SourceIDs  []int32  `parquet:"name=source_ids, type=MAP, convertedtype=LIST, valuetype=INT32"`
	TargetIDs  []int32  `parquet:"name=target_ids, type=MAP, convertedtype=LIST, valuetype=INT32"`
	TreeTokens []string `parquet:"name=tree_tokens, type=MAP, convertedtype=LIST, valuetype=BYTE_ARRAY, valueconvertedtype=UTF8"`
}

type Writer interface {
	WriteBatch(epoch, batch int, b bitext.Batch) error
	Close() error
}

// New picks a Writer from the suffix of path: .parquet or .arrow.
func New(path string) (Writer, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet":
		return NewParquetWriter(path)
	case ".arrow", ".arrows":
		return NewArrowWriter(path)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", path)
	}
}

// Rows flattens a batch into rows.
func Rows(epoch, batch int, b bitext.Batch) []Row {
	rows := make([]Row, len(b.Source))
	for i := range b.Source {
		rows[i] = Row{
			Epoch:      int32(epoch),
			Batch:      int32(batch),
			SourceIDs:  toInt32(b.Source[i]),
			TargetIDs:  toInt32(b.Target[i]),
			TreeTokens: b.Tree[i],
		}
		if rows[i].TreeTokens == nil {
			rows[i].TreeTokens = []string{}
		}
	}
	return rows
}

func toInt32(ids []int) []int32 {
	out := make([]int32, len(ids))
	for i, id := range ids {
		out[i] = int32(id)
	}
	return out
}
