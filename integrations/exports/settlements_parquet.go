package exports

import (
	"fmt"
	"os"
	"strconv"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetRow struct {
	Sequence  int64  `parquet:"name=sequence, type=INT64"`
	StreamID  string `parquet:"name=stream, type=BYTE_ARRAY, convertedtype=UTF8"`
	Kind      string `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount    string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventType string `parquet:"name=event, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64  `parquet:"name=occurred_at, type=INT64"`
	EntryHash string `parquet:"name=entry_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// WriteSettlementsParquet writes rows to a snappy-compressed parquet file.
// Amounts are stored as decimal strings so uint64 values survive intact.
func WriteSettlementsParquet(path string, rows []Settlement) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("exports: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		pr := &parquetRow{
			Sequence:  int64(row.Sequence),
			StreamID:  "0x" + row.StreamID,
			Kind:      string(row.Kind),
			Amount:    strconv.FormatUint(row.Amount, 10),
			EventType: row.EventType,
			Timestamp: row.Timestamp,
			EntryHash: row.EntryHash,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("exports: close parquet file: %w", err)
	}
	return nil
}
