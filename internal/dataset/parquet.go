package dataset

import (
	"fmt"
	"os"

	"github.com/segmentio/parquet-go"
)

// writeParquet writes rows to path as a parquet file whose schema is
// derived from the output header: one required UTF8 column per name.
func writeParquet(path string, header []string, rows [][]string) error {
	group := parquet.Group{}
	for _, col := range header {
		group[col] = parquet.String()
	}
	schema := parquet.NewSchema("anonymized", group)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()

	writer := parquet.NewWriter(f, schema)
	record := make(map[string]any, len(header))
	for _, row := range rows {
		for i, col := range header {
			record[col] = row[i]
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write parquet row: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize parquet output: %w", err)
	}
	return f.Close()
}
