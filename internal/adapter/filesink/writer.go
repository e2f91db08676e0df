// Package filesink writes the final table as a CSV file.
package filesink

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"cloud.google.com/go/civil"
	"github.com/couchcryptid/sales-rain-etl/internal/domain"
)

// Header is the first line of every output file.
var Header = []string{"tienda_id", "region_id", "fecha_venta", "ventas", "precipitacion"}

// Writer replaces the file at path on every Load.
// It implements pipeline.Loader.
type Writer struct {
	path   string
	logger *slog.Logger
}

// NewWriter returns a Writer targeting path. Parent directories are created on
// first Load.
func NewWriter(path string, logger *slog.Logger) *Writer {
	return &Writer{path: path, logger: logger}
}

// Load writes rows to a temporary file in the target directory and renames it
// over the destination, so readers never observe a partial table.
func (w *Writer) Load(ctx context.Context, rows []domain.FinalRow) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(w.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := WriteCSV(tmp, rows); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), w.path); err != nil {
		return fmt.Errorf("replace %s: %w", w.path, err)
	}

	w.logger.Info("csv written", "path", w.path, "rows", len(rows))
	return nil
}

// Close is a no-op; every Load closes its own file.
func (w *Writer) Close() error { return nil }

// WriteCSV encodes rows with the header line.
func WriteCSV(out io.Writer, rows []domain.FinalRow) error {
	cw := csv.NewWriter(out)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range rows {
		rec := []string{
			strconv.FormatInt(r.TiendaID, 10),
			strconv.FormatInt(r.RegionID, 10),
			r.FechaVenta.String(),
			formatFloat(r.Ventas),
			formatFloat(r.Precipitacion),
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// ReadCSV decodes a file written by WriteCSV.
func ReadCSV(in io.Reader) ([]domain.FinalRow, error) {
	records, err := csv.NewReader(in).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("read csv: missing header")
	}
	for i, name := range Header {
		if len(records[0]) != len(Header) || records[0][i] != name {
			return nil, fmt.Errorf("read csv: unexpected header %v", records[0])
		}
	}

	rows := make([]domain.FinalRow, 0, len(records)-1)
	for n, rec := range records[1:] {
		row, err := parseRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", n+2, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseRecord(rec []string) (domain.FinalRow, error) {
	var row domain.FinalRow
	var err error
	if row.TiendaID, err = strconv.ParseInt(rec[0], 10, 64); err != nil {
		return row, fmt.Errorf("tienda_id: %w", err)
	}
	if row.RegionID, err = strconv.ParseInt(rec[1], 10, 64); err != nil {
		return row, fmt.Errorf("region_id: %w", err)
	}
	if row.FechaVenta, err = civil.ParseDate(rec[2]); err != nil {
		return row, fmt.Errorf("fecha_venta: %w", err)
	}
	if row.Ventas, err = strconv.ParseFloat(rec[3], 64); err != nil {
		return row, fmt.Errorf("ventas: %w", err)
	}
	if row.Precipitacion, err = strconv.ParseFloat(rec[4], 64); err != nil {
		return row, fmt.Errorf("precipitacion: %w", err)
	}
	return row, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
