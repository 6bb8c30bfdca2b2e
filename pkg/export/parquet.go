package export

import (
	"fmt"

	"github.com/lab/treebatch/pkg/bitext"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"
)

type ParquetWriter struct {
	fw source.ParquetFile
	pw *writer.ParquetWriter
}

func NewParquetWriter(path string) (*ParquetWriter, error) {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}

	pw, err := writer.NewParquetWriter(fw, new(Row), 4)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to create Parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	return &ParquetWriter{fw: fw, pw: pw}, nil
}

func (w *ParquetWriter) WriteBatch(epoch, batch int, b bitext.Batch) error {
	for _, row := range Rows(epoch, batch, b) {
		if err := w.pw.Write(row); err != nil {
			return fmt.Errorf("failed to write parquet row: %w", err)
		}
	}
	return nil
}

func (w *ParquetWriter) Close() error {
	if err := w.pw.WriteStop(); err != nil {
		w.fw.Close()
		return fmt.Errorf("failed to finalize parquet file: %w", err)
	}
	return w.fw.Close()
}

// ReadParquet loads every row of an exported parquet file.
func ReadParquet(path string) ([]Row, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(Row), 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet reader: %w", err)
	}
	defer pr.ReadStop()

	numRows := int(pr.GetNumRows())
	rows := make([]Row, numRows)
	if numRows == 0 {
		return rows, nil
	}
	if err := pr.Read(&rows); err != nil {
		return nil, fmt.Errorf("failed to read parquet rows: %w", err)
	}
	return rows, nil
}
