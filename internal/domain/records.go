package domain

import "cloud.google.com/go/civil"

// Sale is one invoice line from the Ventas table.
type Sale struct {
	FacturaID  int64    `json:"factura_id"`
	TiendaID   int64    `json:"tienda_id"`
	ValorTotal *float64 `json:"valor_total,omitempty"` // nil when NULL or when the column is absent
}

// SaleSet is the sales table together with its schema shape.
type SaleSet struct {
	Rows []Sale
	// HasAmount reports whether the source schema carries valor_total.
	HasAmount bool
}

// Ticket carries the transaction timestamp of an invoice.
type Ticket struct {
	FacturaID  int64  `json:"factura_id"`
	FechaVenta string `json:"fecha_venta"`
}

// Store maps a store to its region.
type Store struct {
	ID       int64  `json:"id"`
	RegionID int64  `json:"region_id"`
	Nombre   string `json:"nombre,omitempty"`
}

// SensorLocation maps a precipitation sensor to the region it measures.
type SensorLocation struct {
	ID       int64 `json:"id"`
	RegionID int64 `json:"region_id"`
}

// SensorEvent is one precipitation reading.
type SensorEvent struct {
	SensorID int64    `json:"Sensor_id"`
	Fecha    string   `json:"fecha"`
	Valor    *float64 `json:"valor,omitempty"`
}

// Inputs bundles the five source tables consumed by Transform.
type Inputs struct {
	Sales           SaleSet
	Tickets         []Ticket
	Stores          []Store
	SensorLocations []SensorLocation
	SensorEvents    []SensorEvent
}

// DailyStoreSales is the summed sales of one store on one calendar date.
type DailyStoreSales struct {
	TiendaID int64
	RegionID int64
	Date     civil.Date
	Ventas   float64
}

// DailyRegionRain is the mean precipitation of one region on one calendar date.
type DailyRegionRain struct {
	RegionID      int64
	Date          civil.Date
	Precipitacion float64
	Readings      int
}

// FinalRow is one store-day of the output table.
type FinalRow struct {
	TiendaID      int64      `json:"tienda_id"`
	RegionID      int64      `json:"region_id"`
	FechaVenta    civil.Date `json:"fecha_venta"`
	Ventas        float64    `json:"ventas"`
	Precipitacion float64    `json:"precipitacion"`
}

// AmountPolicy names how ventas was computed.
type AmountPolicy string

const (
	// AmountSum sums valor_total per store-day.
	AmountSum AmountPolicy = "sum"
	// AmountCount counts sale lines per store-day because valor_total is absent.
	AmountCount AmountPolicy = "count"
)

// Stats describes what a Transform call kept and dropped.
type Stats struct {
	AmountPolicy AmountPolicy `json:"amount_policy"`

	SaleLines             int `json:"sale_lines"`
	SalesWithoutTicket    int `json:"sales_without_ticket"`
	SalesUnknownStore     int `json:"sales_unknown_store"`
	SalesWithoutDate      int `json:"sales_without_date"`
	JoinedSaleLines       int `json:"joined_sale_lines"`
	Readings              int `json:"readings"`
	ReadingsUnknownSensor int `json:"readings_unknown_sensor"`
	ReadingsWithoutDate   int `json:"readings_without_date"`
	JoinedReadings        int `json:"joined_readings"`
	StoreDays             int `json:"store_days"`
	RegionDays            int `json:"region_days"`
	StoreDaysWithoutRain  int `json:"store_days_without_rain"`
}

// Result is the output of Transform.
type Result struct {
	Rows  []FinalRow
	Stats Stats
}
