package domain

import (
	"fmt"
	"sort"
	"strings"

	"cloud.google.com/go/civil"
)

type storeDayKey struct {
	tiendaID int64
	regionID int64
	date     civil.Date
}

type regionDayKey struct {
	regionID int64
	date     civil.Date
}

type rainAccumulator struct {
	sum float64
	n   int
}

// Transform joins sales with tickets and stores, aggregates them per
// store-day, joins sensor readings with their locations, averages them per
// region-day, and left-joins the rain onto the sales. Store-days without a
// reading get a precipitacion of 0.
//
// Transform performs no I/O and keeps no state between calls; identical
// inputs produce identical results. Rows are ordered by tienda_id,
// region_id, then fecha_venta.
func Transform(in Inputs) (Result, error) {
	stats := Stats{
		AmountPolicy: amountPolicy(in.Sales.HasAmount),
		SaleLines:    len(in.Sales.Rows),
		Readings:     len(in.SensorEvents),
	}

	sales, err := aggregateStoreSales(in.Sales, in.Tickets, in.Stores, &stats)
	if err != nil {
		return Result{}, err
	}

	rain, err := aggregateRegionRain(in.SensorEvents, in.SensorLocations, &stats)
	if err != nil {
		return Result{}, err
	}

	rows := joinRain(sales, rain, &stats)
	return Result{Rows: rows, Stats: stats}, nil
}

// AggregateStoreSales inner-joins sales to tickets on factura_id and to
// stores on tienda_id, then sums the sale amounts per (tienda_id, region_id,
// date). Joined lines whose ticket has no date are skipped.
func AggregateStoreSales(sales SaleSet, tickets []Ticket, stores []Store) ([]DailyStoreSales, error) {
	var stats Stats
	return aggregateStoreSales(sales, tickets, stores, &stats)
}

// AggregateRegionRain inner-joins readings to sensor locations and averages
// valor per (region_id, date). Readings without a date are dropped. Readings
// without a valor are skipped; a
// region-day whose readings all lack a valor has Readings == 0.
func AggregateRegionRain(events []SensorEvent, locations []SensorLocation) ([]DailyRegionRain, error) {
	var stats Stats
	return aggregateRegionRain(events, locations, &stats)
}

func aggregateStoreSales(sales SaleSet, tickets []Ticket, stores []Store, stats *Stats) ([]DailyStoreSales, error) {
	ticketsByInvoice := make(map[int64][]Ticket, len(tickets))
	for _, t := range tickets {
		ticketsByInvoice[t.FacturaID] = append(ticketsByInvoice[t.FacturaID], t)
	}

	regionsByStore := make(map[int64][]int64, len(stores))
	for _, s := range stores {
		regionsByStore[s.ID] = append(regionsByStore[s.ID], s.RegionID)
	}

	dates := make(map[string]civil.Date)
	sums := make(map[storeDayKey]float64)

	for _, sale := range sales.Rows {
		matched := ticketsByInvoice[sale.FacturaID]
		if len(matched) == 0 {
			stats.SalesWithoutTicket++
			continue
		}
		regions := regionsByStore[sale.TiendaID]
		if len(regions) == 0 {
			stats.SalesUnknownStore++
			continue
		}

		amount := saleAmount(sale, sales.HasAmount)
		for _, t := range matched {
			if missingDate(t.FechaVenta) {
				stats.SalesWithoutDate++
				continue
			}
			date, ok := dates[t.FechaVenta]
			if !ok {
				var err error
				date, err = ParseSaleDate(t.FechaVenta)
				if err != nil {
					return nil, fmt.Errorf("ticket factura_id=%d: %w", t.FacturaID, err)
				}
				dates[t.FechaVenta] = date
			}
			for _, regionID := range regions {
				sums[storeDayKey{tiendaID: sale.TiendaID, regionID: regionID, date: date}] += amount
				stats.JoinedSaleLines++
			}
		}
	}

	out := make([]DailyStoreSales, 0, len(sums))
	for k, v := range sums {
		out = append(out, DailyStoreSales{TiendaID: k.tiendaID, RegionID: k.regionID, Date: k.date, Ventas: v})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.TiendaID != b.TiendaID {
			return a.TiendaID < b.TiendaID
		}
		if a.RegionID != b.RegionID {
			return a.RegionID < b.RegionID
		}
		return a.Date.Before(b.Date)
	})
	stats.StoreDays = len(out)
	return out, nil
}

// aggregateRegionRain parses every reading date before the location join, so
// a malformed date fails the run even when its sensor is unknown. Readings
// without a date are dropped before either check.
func aggregateRegionRain(events []SensorEvent, locations []SensorLocation, stats *Stats) ([]DailyRegionRain, error) {
	regionsBySensor := make(map[int64][]int64, len(locations))
	for _, l := range locations {
		regionsBySensor[l.ID] = append(regionsBySensor[l.ID], l.RegionID)
	}

	dates := make(map[string]civil.Date)
	accs := make(map[regionDayKey]rainAccumulator)

	for _, ev := range events {
		if missingDate(ev.Fecha) {
			stats.ReadingsWithoutDate++
			continue
		}
		date, ok := dates[ev.Fecha]
		if !ok {
			var err error
			date, err = ParseReadingDate(ev.Fecha)
			if err != nil {
				return nil, fmt.Errorf("sensor event Sensor_id=%d: %w", ev.SensorID, err)
			}
			dates[ev.Fecha] = date
		}

		regions := regionsBySensor[ev.SensorID]
		if len(regions) == 0 {
			stats.ReadingsUnknownSensor++
			continue
		}
		for _, regionID := range regions {
			k := regionDayKey{regionID: regionID, date: date}
			acc := accs[k]
			if ev.Valor != nil {
				acc.sum += *ev.Valor
				acc.n++
			}
			accs[k] = acc
			stats.JoinedReadings++
		}
	}

	out := make([]DailyRegionRain, 0, len(accs))
	for k, acc := range accs {
		r := DailyRegionRain{RegionID: k.regionID, Date: k.date, Readings: acc.n}
		if acc.n > 0 {
			r.Precipitacion = acc.sum / float64(acc.n)
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegionID != out[j].RegionID {
			return out[i].RegionID < out[j].RegionID
		}
		return out[i].Date.Before(out[j].Date)
	})
	stats.RegionDays = len(out)
	return out, nil
}

func joinRain(sales []DailyStoreSales, rain []DailyRegionRain, stats *Stats) []FinalRow {
	byRegionDay := make(map[regionDayKey]DailyRegionRain, len(rain))
	for _, r := range rain {
		byRegionDay[regionDayKey{regionID: r.RegionID, date: r.Date}] = r
	}

	rows := make([]FinalRow, 0, len(sales))
	for _, s := range sales {
		row := FinalRow{
			TiendaID:   s.TiendaID,
			RegionID:   s.RegionID,
			FechaVenta: s.Date,
			Ventas:     s.Ventas,
		}
		r, ok := byRegionDay[regionDayKey{regionID: s.RegionID, date: s.Date}]
		if ok && r.Readings > 0 {
			row.Precipitacion = r.Precipitacion
		} else {
			stats.StoreDaysWithoutRain++
		}
		rows = append(rows, row)
	}
	return rows
}

// missingDate reports a NULL or blank date. Such rows are dropped like any
// other unjoinable row; only non-empty text that fails to parse is an error.
func missingDate(s string) bool {
	return strings.TrimSpace(s) == ""
}

func amountPolicy(hasAmount bool) AmountPolicy {
	if hasAmount {
		return AmountSum
	}
	return AmountCount
}

// saleAmount returns 1 per line when the schema has no valor_total and 0 for
// a NULL valor_total, matching a NULL-skipping sum.
func saleAmount(s Sale, hasAmount bool) float64 {
	if !hasAmount {
		return 1
	}
	if s.ValorTotal == nil {
		return 0
	}
	return *s.ValorTotal
}
