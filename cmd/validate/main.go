// Command validate checks a produced output table against the input fixture it
// was computed from. It verifies the file layout, region consistency, the
// per store-day sales totals, the per region-day precipitation means, and that
// the transform reproduces the file exactly.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -inputs data/mock/inputs.json \
//	  -output data/out/daily_sales_precipitation.csv
package main

import (
	"flag"
	"fmt"
	"math"
	"os"

	"cloud.google.com/go/civil"
	"github.com/couchcryptid/sales-rain-etl/internal/adapter/filesink"
	"github.com/couchcryptid/sales-rain-etl/internal/adapter/fixture"
	"github.com/couchcryptid/sales-rain-etl/internal/domain"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

type storeRegionDay struct {
	tienda, region int64
	date           civil.Date
}

type regionDay struct {
	region int64
	date   civil.Date
}

func main() {
	inputsPath := flag.String("inputs", "", "path to the JSON input fixture")
	outputPath := flag.String("output", "", "path to the produced CSV table")
	flag.Parse()

	if *inputsPath == "" || *outputPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(*inputsPath, *outputPath); code != 0 {
		os.Exit(code)
	}
}

func run(inputsPath, outputPath string) int {
	fmt.Println("=== Sales & Precipitation Output Validation ===")
	fmt.Println()

	src, err := fixture.Load(inputsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load inputs: %v\n", err)
		return 1
	}
	in := src.Inputs()

	rows, err := loadOutput(outputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load output: %v\n", err)
		return 1
	}

	sales, err := domain.AggregateStoreSales(in.Sales, in.Tickets, in.Stores)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: aggregate sales: %v\n", err)
		return 1
	}
	rain, err := domain.AggregateRegionRain(in.SensorEvents, in.SensorLocations)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: aggregate rain: %v\n", err)
		return 1
	}

	phases := []*phase{
		validateLayout(rows),
		validateRegions(rows, in.Stores),
		validateSales(rows, sales),
		validateRain(rows, rain),
		validateReproducible(rows, in),
	}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	policy := domain.AmountSum
	if !in.Sales.HasAmount {
		policy = domain.AmountCount
	}
	fmt.Printf("Rows: %d output, %d store-days, %d region-days (amount policy: %s)\n",
		len(rows), len(sales), len(rain), policy)

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			if i >= 20 {
				fmt.Printf("  ... and %d more\n", len(p.errors)-20)
				break
			}
			fmt.Printf("  %s\n", e)
		}
	}

	if !allPassed {
		return 1
	}
	return 0
}

func loadOutput(path string) ([]domain.FinalRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return filesink.ReadCSV(f)
}

// validateLayout checks (tienda_id, region_id, fecha_venta) uniqueness,
// ordering, and value ranges. A store listed under two regions legitimately
// yields one row per region.
func validateLayout(rows []domain.FinalRow) *phase {
	p := &phase{name: "Layout (unique, sorted, non-negative)"}
	seen := make(map[storeRegionDay]bool, len(rows))
	for i, r := range rows {
		key := storeRegionDay{r.TiendaID, r.RegionID, r.FechaVenta}
		if seen[key] {
			p.errorf("row %d: duplicate store-day tienda_id=%d region_id=%d fecha_venta=%s", i, r.TiendaID, r.RegionID, r.FechaVenta)
		}
		seen[key] = true

		if r.Ventas < 0 || r.Precipitacion < 0 {
			p.errorf("row %d: negative value ventas=%v precipitacion=%v", i, r.Ventas, r.Precipitacion)
		}
		if i > 0 && !rowLess(rows[i-1], r) {
			p.errorf("row %d: out of order after tienda_id=%d fecha_venta=%s", i, rows[i-1].TiendaID, rows[i-1].FechaVenta)
		}
	}
	return p
}

func rowLess(a, b domain.FinalRow) bool {
	if a.TiendaID != b.TiendaID {
		return a.TiendaID < b.TiendaID
	}
	if a.RegionID != b.RegionID {
		return a.RegionID < b.RegionID
	}
	return a.FechaVenta.Before(b.FechaVenta)
}

// validateRegions checks every row against the store-to-region mapping.
func validateRegions(rows []domain.FinalRow, stores []domain.Store) *phase {
	p := &phase{name: "Region matches store"}
	regions := make(map[int64]map[int64]bool)
	for _, s := range stores {
		if regions[s.ID] == nil {
			regions[s.ID] = make(map[int64]bool)
		}
		regions[s.ID][s.RegionID] = true
	}
	for i, r := range rows {
		known, ok := regions[r.TiendaID]
		switch {
		case !ok:
			p.errorf("row %d: tienda_id=%d not in tiendas", i, r.TiendaID)
		case !known[r.RegionID]:
			p.errorf("row %d: tienda_id=%d has no region_id=%d", i, r.TiendaID, r.RegionID)
		}
	}
	return p
}

// validateSales checks that output covers exactly the store-days with joined
// sales and carries their totals.
func validateSales(rows []domain.FinalRow, sales []domain.DailyStoreSales) *phase {
	p := &phase{name: "Sales totals per store-day"}
	if len(rows) != len(sales) {
		p.errorf("row count: output %d, expected %d store-days", len(rows), len(sales))
	}

	expected := make(map[storeRegionDay]float64, len(sales))
	for _, s := range sales {
		expected[storeRegionDay{s.TiendaID, s.RegionID, s.Date}] = s.Ventas
	}
	for i, r := range rows {
		want, ok := expected[storeRegionDay{r.TiendaID, r.RegionID, r.FechaVenta}]
		if !ok {
			p.errorf("row %d: no joined sales for tienda_id=%d fecha_venta=%s", i, r.TiendaID, r.FechaVenta)
			continue
		}
		if !floatEq(want, r.Ventas) {
			p.errorf("row %d: ventas=%v, expected %v", i, r.Ventas, want)
		}
	}
	return p
}

// validateRain checks precipitacion against the region-day means, 0 where no
// reading exists.
func validateRain(rows []domain.FinalRow, rain []domain.DailyRegionRain) *phase {
	p := &phase{name: "Precipitation mean per region-day"}
	means := make(map[regionDay]float64, len(rain))
	for _, r := range rain {
		means[regionDay{r.RegionID, r.Date}] = r.Precipitacion
	}
	for i, r := range rows {
		want := means[regionDay{r.RegionID, r.FechaVenta}]
		if !floatEq(want, r.Precipitacion) {
			p.errorf("row %d: precipitacion=%v, expected %v", i, r.Precipitacion, want)
		}
	}
	return p
}

// validateReproducible recomputes the table twice and compares both runs with
// the file.
func validateReproducible(rows []domain.FinalRow, in domain.Inputs) *phase {
	p := &phase{name: "Transform reproduces output"}
	first, err := domain.Transform(in)
	if err != nil {
		p.errorf("transform: %v", err)
		return p
	}
	second, err := domain.Transform(in)
	if err != nil {
		p.errorf("transform: %v", err)
		return p
	}

	if len(first.Rows) != len(second.Rows) {
		p.errorf("repeated transform: %d rows then %d", len(first.Rows), len(second.Rows))
		return p
	}
	for i := range first.Rows {
		if first.Rows[i] != second.Rows[i] {
			p.errorf("repeated transform differs at row %d", i)
		}
	}

	if len(first.Rows) != len(rows) {
		p.errorf("output has %d rows, transform gives %d", len(rows), len(first.Rows))
		return p
	}
	for i, want := range first.Rows {
		got := rows[i]
		if got.TiendaID != want.TiendaID || got.RegionID != want.RegionID || got.FechaVenta != want.FechaVenta ||
			!floatEq(got.Ventas, want.Ventas) || !floatEq(got.Precipitacion, want.Precipitacion) {
			p.errorf("row %d: got %+v, transform gives %+v", i, got, want)
		}
	}
	return p
}

func floatEq(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}
