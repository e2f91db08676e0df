// Command genmock generates a deterministic synthetic fixture of the five
// source tables, plus the table the pipeline is expected to produce from it.
// The expected output is computed with the domain package itself so the
// fixture always matches real pipeline behavior.
//
// Usage:
//
//	go run ./cmd/genmock \
//	  -inputs data/mock/generated_inputs.json \
//	  -expected data/mock/generated_expected.csv \
//	  -stores 6 -days 14 -seed 42
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/civil"
	"github.com/couchcryptid/sales-rain-etl/internal/adapter/filesink"
	"github.com/couchcryptid/sales-rain-etl/internal/adapter/fixture"
	"github.com/couchcryptid/sales-rain-etl/internal/domain"
)

var baseDate = civil.Date{Year: 2023, Month: time.January, Day: 1}

type options struct {
	stores         int
	regions        int
	sensors        int
	days           int
	salesPerDay    int
	readingsPerDay int
	noAmount       bool
	seed           uint64
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	inputsOut := flag.String("inputs", "", "output path for the JSON input fixture")
	expectedOut := flag.String("expected", "", "output path for the expected CSV output")
	var opts options
	flag.IntVar(&opts.stores, "stores", 6, "number of stores")
	flag.IntVar(&opts.regions, "regions", 3, "number of regions")
	flag.IntVar(&opts.sensors, "sensors", 5, "number of sensors")
	flag.IntVar(&opts.days, "days", 14, "number of calendar days")
	flag.IntVar(&opts.salesPerDay, "sales-per-day", 20, "invoices generated per day")
	flag.IntVar(&opts.readingsPerDay, "readings-per-day", 8, "sensor readings generated per day")
	flag.BoolVar(&opts.noAmount, "no-amount", false, "omit valor_total to exercise the counting fallback")
	flag.Uint64Var(&opts.seed, "seed", 42, "random seed")
	flag.Parse()

	if *inputsOut == "" || *expectedOut == "" {
		flag.Usage()
		return fmt.Errorf("missing required flags: -inputs, -expected")
	}
	if opts.stores < 1 || opts.regions < 1 || opts.sensors < 1 || opts.days < 1 {
		return fmt.Errorf("stores, regions, sensors, and days must be positive")
	}

	in := generate(opts)

	result, err := domain.Transform(in)
	if err != nil {
		return fmt.Errorf("transform generated inputs: %w", err)
	}

	data, err := fixture.Encode(in)
	if err != nil {
		return fmt.Errorf("encode fixture: %w", err)
	}
	if err := writeFile(*inputsOut, append(data, '\n')); err != nil {
		return fmt.Errorf("writing input fixture: %w", err)
	}
	log.Printf("wrote input fixture: %s", *inputsOut)

	var buf bytes.Buffer
	if err := filesink.WriteCSV(&buf, result.Rows); err != nil {
		return err
	}
	if err := writeFile(*expectedOut, buf.Bytes()); err != nil {
		return fmt.Errorf("writing expected output: %w", err)
	}
	log.Printf("wrote expected output: %s", *expectedOut)

	printStats(result.Stats, len(result.Rows))
	return nil
}

// generate builds the tables. Besides well-formed rows it plants the cases the
// transform must handle: invoices without a ticket, sales at an unknown store,
// readings from an unknown sensor, null amounts, missing dates, and every date
// layout.
func generate(opts options) domain.Inputs {
	rng := rand.New(rand.NewPCG(opts.seed, opts.seed^0x5eed))
	in := domain.Inputs{Sales: domain.SaleSet{HasAmount: !opts.noAmount}}

	for i := 1; i <= opts.stores; i++ {
		in.Stores = append(in.Stores, domain.Store{
			ID:       int64(i),
			RegionID: int64(1 + (i-1)%opts.regions),
			Nombre:   fmt.Sprintf("Tienda %d", i),
		})
	}
	for i := 1; i <= opts.sensors; i++ {
		in.SensorLocations = append(in.SensorLocations, domain.SensorLocation{
			ID:       int64(100 + i),
			RegionID: int64(1 + (i-1)%opts.regions),
		})
	}

	factura := int64(0)
	for d := 0; d < opts.days; d++ {
		day := baseDate.AddDays(d)

		for range opts.salesPerDay {
			factura++
			sale := domain.Sale{FacturaID: factura, TiendaID: int64(1 + rng.IntN(opts.stores))}
			switch {
			case factura%17 == 0:
				sale.TiendaID = int64(opts.stores + 1) // unknown store
			case factura%23 == 0 && !opts.noAmount:
				// null amount, valor_total stays nil
			case !opts.noAmount:
				v := math.Round(rng.Float64()*50000) / 100
				sale.ValorTotal = &v
			}
			in.Sales.Rows = append(in.Sales.Rows, sale)

			if factura%19 == 0 {
				continue // invoice without a ticket
			}
			ticket := domain.Ticket{FacturaID: factura, FechaVenta: saleDateText(day, rng)}
			if factura%29 == 0 {
				ticket.FechaVenta = "" // NULL fecha_venta
			}
			in.Tickets = append(in.Tickets, ticket)
		}

		for r := range opts.readingsPerDay {
			ev := domain.SensorEvent{
				SensorID: int64(101 + rng.IntN(opts.sensors)),
				Fecha:    readingDateText(day, rng),
			}
			if r == 0 && d%5 == 4 {
				ev.SensorID = 999 // unknown sensor
			}
			if r == 1 && d%7 == 6 {
				ev.Fecha = "" // missing fecha
			}
			if rng.IntN(20) != 0 {
				v := math.Round(rng.Float64()*4000) / 100
				ev.Valor = &v
			}
			in.SensorEvents = append(in.SensorEvents, ev)
		}
	}
	return in
}

func saleDateText(day civil.Date, rng *rand.Rand) string {
	switch rng.IntN(3) {
	case 0:
		return day.String()
	case 1:
		return fmt.Sprintf("%s %02d:%02d:00", day, 8+rng.IntN(12), rng.IntN(60))
	default:
		return fmt.Sprintf("%02d/%02d/%04d", int(day.Month), day.Day, day.Year)
	}
}

func readingDateText(day civil.Date, rng *rand.Rand) string {
	switch rng.IntN(3) {
	case 0:
		return day.String()
	case 1:
		return fmt.Sprintf("%02d/%02d/%04d %02d:%02d", day.Day, int(day.Month), day.Year, rng.IntN(24), rng.IntN(60))
	default:
		return fmt.Sprintf("%02d/%02d/%04d", day.Day, int(day.Month), day.Year)
	}
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644) //nolint:gosec // fixture files are not secret
}

func printStats(s domain.Stats, rows int) {
	fmt.Println()
	fmt.Println("=== Generated Fixture ===")
	fmt.Printf("  %-26s %s\n", "amount policy", s.AmountPolicy)
	fmt.Printf("  %-26s %d\n", "sale lines", s.SaleLines)
	fmt.Printf("  %-26s %d\n", "sales without ticket", s.SalesWithoutTicket)
	fmt.Printf("  %-26s %d\n", "sales at unknown store", s.SalesUnknownStore)
	fmt.Printf("  %-26s %d\n", "sales without date", s.SalesWithoutDate)
	fmt.Printf("  %-26s %d\n", "readings", s.Readings)
	fmt.Printf("  %-26s %d\n", "readings unknown sensor", s.ReadingsUnknownSensor)
	fmt.Printf("  %-26s %d\n", "readings without date", s.ReadingsWithoutDate)
	fmt.Printf("  %-26s %d\n", "region-days with rain", s.RegionDays)
	fmt.Printf("  %-26s %d\n", "store-days without rain", s.StoreDaysWithoutRain)
	fmt.Printf("  %-26s %d\n", "output rows", rows)
}
