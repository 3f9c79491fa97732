package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"sort"

	"github.com/xuri/excelize/v2"

	"github.com/docpipe/docpipe/internal/session"
)

// batchReporter receives the running processed-record count after each
// written batch.
type batchReporter func(processed int)

// columnSet returns the deterministic header for a record set: the sorted
// union of every record's field keys.
func columnSet(records []*session.Record) []string {
	seen := make(map[string]struct{})
	for _, r := range records {
		for k := range r.FieldValues {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// batches splits n records into runs of batchSize. Sets at or below
// threshold are written in a single pass; larger sets are chunked to bound
// peak memory, with a progress report after every chunk.
func batches(n, batchSize, threshold int) []int {
	if n <= threshold || batchSize <= 0 {
		return []int{n}
	}
	var sizes []int
	for remaining := n; remaining > 0; remaining -= batchSize {
		if remaining < batchSize {
			sizes = append(sizes, remaining)
		} else {
			sizes = append(sizes, batchSize)
		}
	}
	return sizes
}

// writeArtifact materializes records into path in the given format. It
// checks ctx between batches so a cancel takes effect at a batch boundary.
func writeArtifact(ctx context.Context, format, path string, records []*session.Record, batchSize, threshold int, report batchReporter) error {
	switch format {
	case "csv":
		return writeCSV(ctx, path, records, batchSize, threshold, report)
	case "xlsx":
		return writeXLSX(ctx, path, records, batchSize, threshold, report)
	default:
		return fmt.Errorf("unsupported export format: %q", format)
	}
}

func recordRow(r *session.Record, cols []string) []string {
	row := make([]string, 0, len(cols)+3)
	row = append(row, r.ID)
	for _, c := range cols {
		if v, ok := r.FieldValues[c]; ok {
			row = append(row, fmt.Sprint(v))
		} else {
			row = append(row, "")
		}
	}
	row = append(row, fmt.Sprint(r.IsFlagged), r.ReviewStatus)
	return row
}

func writeCSV(ctx context.Context, path string, records []*session.Record, batchSize, threshold int, report batchReporter) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	cols := columnSet(records)
	header := append(append([]string{"record_id"}, cols...), "is_flagged", "review_status")
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	written := 0
	for _, size := range batches(len(records), batchSize, threshold) {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, r := range records[written : written+size] {
			if err := w.Write(recordRow(r, cols)); err != nil {
				return fmt.Errorf("write row: %w", err)
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return fmt.Errorf("flush batch: %w", err)
		}
		written += size
		if report != nil {
			report(written)
		}
	}
	return nil
}

func writeXLSX(ctx context.Context, path string, records []*session.Record, batchSize, threshold int, report batchReporter) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Sheet1"
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("open stream writer: %w", err)
	}

	cols := columnSet(records)
	header := make([]interface{}, 0, len(cols)+3)
	header = append(header, "record_id")
	for _, c := range cols {
		header = append(header, c)
	}
	header = append(header, "is_flagged", "review_status")
	if err := sw.SetRow("A1", header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	written := 0
	rowNum := 2
	for _, size := range batches(len(records), batchSize, threshold) {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, r := range records[written : written+size] {
			strRow := recordRow(r, cols)
			row := make([]interface{}, len(strRow))
			for i, v := range strRow {
				row[i] = v
			}
			cell, _ := excelize.CoordinatesToCellName(1, rowNum)
			if err := sw.SetRow(cell, row); err != nil {
				return fmt.Errorf("write row: %w", err)
			}
			rowNum++
		}
		written += size
		if report != nil {
			report(written)
		}
	}

	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flush stream writer: %w", err)
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	return nil
}
