package recon

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

var csvHeader = []string{"seq", "beneficiary", "status", "amount", "unlock_height", "created_at", "report_height"}

type parquetRow struct {
	Seq          int64  `parquet:"name=seq, type=INT64"`
	Beneficiary  string `parquet:"name=beneficiary, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status       string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount       string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	UnlockHeight int64  `parquet:"name=unlock_height, type=INT64"`
	CreatedAt    int64  `parquet:"name=created_at, type=INT64"`
	ReportHeight int64  `parquet:"name=report_height, type=INT64"`
}

// WriteFiles writes <name>.csv and <name>.parquet into dir, creating it if
// needed, and returns both paths.
func WriteFiles(dir, name string, report *Report) (string, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("recon: create report dir: %w", err)
	}
	csvPath := filepath.Join(dir, name+".csv")
	if err := WriteCSV(csvPath, report); err != nil {
		return "", "", err
	}
	parquetPath := filepath.Join(dir, name+".parquet")
	if err := WriteParquet(parquetPath, report); err != nil {
		return "", "", err
	}
	return csvPath, parquetPath, nil
}

func WriteCSV(path string, report *Report) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range report.Rows {
		record := []string{
			strconv.FormatUint(row.Seq, 10),
			row.Beneficiary,
			row.Status,
			row.Amount,
			strconv.FormatUint(row.UnlockHeight, 10),
			strconv.FormatUint(row.CreatedAt, 10),
			strconv.FormatUint(report.Height, 10),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row %d: %w", row.Seq, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

func WriteParquet(path string, report *Report) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range report.Rows {
		pr := &parquetRow{
			Seq:          int64(row.Seq),
			Beneficiary:  row.Beneficiary,
			Status:       row.Status,
			Amount:       row.Amount,
			UnlockHeight: int64(row.UnlockHeight),
			CreatedAt:    int64(row.CreatedAt),
			ReportHeight: int64(report.Height),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}
