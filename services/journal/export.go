package journal

import (
	"context"
	"fmt"
	"os"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"
)

type parquetRow struct {
	Seq        int64  `parquet:"name=seq, type=INT64"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Height     int64  `parquet:"name=height, type=INT64"`
	Time       int64  `parquet:"name=time, type=INT64"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	PrevHash   string `parquet:"name=prev_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Hash       string `parquet:"name=hash, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportParquet writes every record with Seq > after to path and returns the
// number of rows written.
func (j *Journal) ExportParquet(ctx context.Context, path string, after uint64) (int, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("journal: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("journal: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	written := 0
	var rows []Record
	result := j.db.WithContext(ctx).Where("seq > ?", after).Order("seq ASC").FindInBatches(&rows, 500, func(tx *gorm.DB, _ int) error {
		for _, r := range rows {
			row := &parquetRow{
				Seq:        int64(r.Seq),
				Type:       r.Type,
				Height:     int64(r.Height),
				Time:       int64(r.Time),
				Attributes: r.Attributes,
				PrevHash:   r.PrevHash,
				Hash:       r.Hash,
			}
			if err := pw.Write(row); err != nil {
				return fmt.Errorf("journal: parquet write: %w", err)
			}
			written++
		}
		return nil
	})
	if result.Error != nil {
		pw.WriteStop()
		file.Close()
		return written, result.Error
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return written, fmt.Errorf("journal: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return written, fmt.Errorf("journal: close parquet file: %w", err)
	}
	j.logger.Info("journal exported", "path", path, "rows", written)
	return written, nil
}
