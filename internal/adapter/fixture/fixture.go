// Package fixture reads and writes the five source tables as a single JSON
// document, standing in for both databases in local runs and tests.
package fixture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/couchcryptid/sales-rain-etl/internal/domain"
)

// document is the on-disk layout. Sales stay raw so a present-but-null
// valor_total can be told apart from an absent column.
type document struct {
	Ventas            []json.RawMessage       `json:"ventas"`
	Tickets           []domain.Ticket         `json:"tickets"`
	Tiendas           []domain.Store          `json:"tiendas"`
	UbicacionSensores []domain.SensorLocation `json:"ubicacion_sensores"`
	SensorEventos     []domain.SensorEvent    `json:"sensor_eventos"`
}

type saleFields struct {
	FacturaID  int64           `json:"factura_id"`
	TiendaID   int64           `json:"tienda_id"`
	ValorTotal json.RawMessage `json:"valor_total"`
}

// Source serves fixture tables through the pipeline source interfaces.
type Source struct {
	in domain.Inputs
}

// Load reads and decodes the fixture at path.
func Load(path string) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	in, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode fixture %s: %w", path, err)
	}
	return &Source{in: in}, nil
}

// NewSource serves in-memory tables.
func NewSource(in domain.Inputs) *Source {
	return &Source{in: in}
}

// Decode parses a fixture document. HasAmount is true when any sale carries a
// valor_total key, even with a null value.
func Decode(data []byte) (domain.Inputs, error) {
	var doc document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return domain.Inputs{}, err
	}

	in := domain.Inputs{
		Tickets:         doc.Tickets,
		Stores:          doc.Tiendas,
		SensorLocations: doc.UbicacionSensores,
		SensorEvents:    doc.SensorEventos,
	}
	in.Sales.Rows = make([]domain.Sale, 0, len(doc.Ventas))
	for i, raw := range doc.Ventas {
		var f saleFields
		if err := json.Unmarshal(raw, &f); err != nil {
			return domain.Inputs{}, fmt.Errorf("ventas[%d]: %w", i, err)
		}
		sale := domain.Sale{FacturaID: f.FacturaID, TiendaID: f.TiendaID}
		if f.ValorTotal != nil {
			in.Sales.HasAmount = true
			if !bytes.Equal(f.ValorTotal, []byte("null")) {
				var v float64
				if err := json.Unmarshal(f.ValorTotal, &v); err != nil {
					return domain.Inputs{}, fmt.Errorf("ventas[%d].valor_total: %w", i, err)
				}
				sale.ValorTotal = &v
			}
		}
		in.Sales.Rows = append(in.Sales.Rows, sale)
	}
	return in, nil
}

// Encode renders in as an indented fixture document. When HasAmount is set
// every sale carries valor_total, null for nil amounts.
func Encode(in domain.Inputs) ([]byte, error) {
	doc := document{
		Ventas:            make([]json.RawMessage, 0, len(in.Sales.Rows)),
		Tickets:           nonNil(in.Tickets),
		Tiendas:           nonNil(in.Stores),
		UbicacionSensores: nonNil(in.SensorLocations),
		SensorEventos:     nonNil(in.SensorEvents),
	}
	for _, s := range in.Sales.Rows {
		fields := map[string]any{"factura_id": s.FacturaID, "tienda_id": s.TiendaID}
		if in.Sales.HasAmount {
			fields["valor_total"] = s.ValorTotal
		}
		raw, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		doc.Ventas = append(doc.Ventas, raw)
	}
	return json.MarshalIndent(doc, "", "  ")
}

// Sales returns the ventas table.
func (s *Source) Sales(_ context.Context) (domain.SaleSet, error) { return s.in.Sales, nil }

// Tickets returns the ticket table.
func (s *Source) Tickets(_ context.Context) ([]domain.Ticket, error) { return s.in.Tickets, nil }

// Stores returns the tiendas table.
func (s *Source) Stores(_ context.Context) ([]domain.Store, error) { return s.in.Stores, nil }

// SensorLocations returns the sensor-to-region mapping.
func (s *Source) SensorLocations(_ context.Context) ([]domain.SensorLocation, error) {
	return s.in.SensorLocations, nil
}

// SensorEvents returns the precipitation readings.
func (s *Source) SensorEvents(_ context.Context) ([]domain.SensorEvent, error) {
	return s.in.SensorEvents, nil
}

// Inputs returns the decoded tables.
func (s *Source) Inputs() domain.Inputs { return s.in }

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
