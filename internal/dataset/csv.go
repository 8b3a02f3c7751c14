package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
)

// Table is an ordered, parsed row set. Rows all match the header width;
// rows that did not are counted in Skipped.
type Table struct {
	Header  []string
	Rows    [][]string
	Skipped int
}

// parseCSV reads the header and all well-formed rows from r. Rows with a
// column count different from the header are skipped and counted.
func parseCSV(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return &Table{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	table := &Table{Header: header}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			table.Skipped++
			continue
		}
		if len(record) != len(header) {
			table.Skipped++
			continue
		}
		table.Rows = append(table.Rows, record)
	}
	return table, nil
}

// writeCSV writes header and rows to path, replacing any existing file.
func writeCSV(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV output: %w", err)
	}
	return f.Close()
}
