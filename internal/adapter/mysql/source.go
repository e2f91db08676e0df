// Package mysql reads the sales, ticket, and store tables from the relational
// store through gorm.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/couchcryptid/sales-rain-etl/internal/domain"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Table names as they exist in the source schema.
const (
	SalesTable   = "Ventas"
	TicketsTable = "ticket"
	StoresTable  = "Tiendas"
)

// ErrMissingColumn is returned when a table lacks a column the transform needs.
var ErrMissingColumn = errors.New("missing required column")

// Open connects to MySQL and applies the connection pool settings.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("mysql pool: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

// Source reads the relational tables. It works against any gorm dialect.
type Source struct {
	db     *gorm.DB
	logger *slog.Logger
}

// New wraps an open gorm handle.
func New(db *gorm.DB, logger *slog.Logger) *Source {
	return &Source{db: db, logger: logger}
}

// Ping verifies the database is reachable.
func (s *Source) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Source) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type saleRow struct {
	FacturaID  int64           `gorm:"column:factura_id"`
	TiendaID   int64           `gorm:"column:tienda_id"`
	ValorTotal sql.NullFloat64 `gorm:"column:valor_total"`
}

type ticketRow struct {
	FacturaID  int64    `gorm:"column:factura_id"`
	FechaVenta dateText `gorm:"column:fecha_venta"`
}

type storeRow struct {
	ID       int64          `gorm:"column:id"`
	RegionID int64          `gorm:"column:region_id"`
	Nombre   sql.NullString `gorm:"column:nombre"`
}

// Sales reads Ventas. valor_total is optional: when the column is absent the
// returned set has HasAmount false and every ValorTotal nil.
func (s *Source) Sales(ctx context.Context) (domain.SaleSet, error) {
	cols, err := s.columns(ctx, SalesTable)
	if err != nil {
		return domain.SaleSet{}, err
	}
	if err := requireColumns(SalesTable, cols, "factura_id", "tienda_id"); err != nil {
		return domain.SaleSet{}, err
	}

	hasAmount := cols["valor_total"]
	selected := []string{"factura_id", "tienda_id"}
	if hasAmount {
		selected = append(selected, "valor_total")
	} else {
		s.logger.Warn("valor_total column not found", "table", SalesTable)
	}

	var rows []saleRow
	if err := s.db.WithContext(ctx).Table(SalesTable).Select(selected).Find(&rows).Error; err != nil {
		return domain.SaleSet{}, fmt.Errorf("query %s: %w", SalesTable, err)
	}

	set := domain.SaleSet{HasAmount: hasAmount, Rows: make([]domain.Sale, 0, len(rows))}
	for _, r := range rows {
		sale := domain.Sale{FacturaID: r.FacturaID, TiendaID: r.TiendaID}
		if r.ValorTotal.Valid {
			v := r.ValorTotal.Float64
			sale.ValorTotal = &v
		}
		set.Rows = append(set.Rows, sale)
	}
	return set, nil
}

// Tickets reads factura_id and fecha_venta from ticket.
func (s *Source) Tickets(ctx context.Context) ([]domain.Ticket, error) {
	cols, err := s.columns(ctx, TicketsTable)
	if err != nil {
		return nil, err
	}
	if err := requireColumns(TicketsTable, cols, "factura_id", "fecha_venta"); err != nil {
		return nil, err
	}

	var rows []ticketRow
	if err := s.db.WithContext(ctx).Table(TicketsTable).Select("factura_id", "fecha_venta").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query %s: %w", TicketsTable, err)
	}

	out := make([]domain.Ticket, len(rows))
	for i, r := range rows {
		out[i] = domain.Ticket{FacturaID: r.FacturaID, FechaVenta: string(r.FechaVenta)}
	}
	return out, nil
}

// Stores reads id and region_id from Tiendas, plus nombre when present.
func (s *Source) Stores(ctx context.Context) ([]domain.Store, error) {
	cols, err := s.columns(ctx, StoresTable)
	if err != nil {
		return nil, err
	}
	if err := requireColumns(StoresTable, cols, "id", "region_id"); err != nil {
		return nil, err
	}

	selected := []string{"id", "region_id"}
	if cols["nombre"] {
		selected = append(selected, "nombre")
	}

	var rows []storeRow
	if err := s.db.WithContext(ctx).Table(StoresTable).Select(selected).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query %s: %w", StoresTable, err)
	}

	out := make([]domain.Store, len(rows))
	for i, r := range rows {
		out[i] = domain.Store{ID: r.ID, RegionID: r.RegionID, Nombre: r.Nombre.String}
	}
	return out, nil
}

// columns returns the lower-cased column names of table.
func (s *Source) columns(ctx context.Context, table string) (map[string]bool, error) {
	types, err := s.db.WithContext(ctx).Migrator().ColumnTypes(table)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", table, err)
	}
	if len(types) == 0 {
		return nil, fmt.Errorf("inspect %s: table not found", table)
	}
	cols := make(map[string]bool, len(types))
	for _, ct := range types {
		cols[strings.ToLower(ct.Name())] = true
	}
	return cols, nil
}

func requireColumns(table string, cols map[string]bool, names ...string) error {
	var missing []string
	for _, name := range names {
		if !cols[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s.%s", ErrMissingColumn, table, strings.Join(missing, ", "))
	}
	return nil
}

// dateText scans DATE, DATETIME, and textual columns into the string form the
// date parsers accept.
type dateText string

func (d *dateText) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = ""
	case time.Time:
		*d = dateText(v.Format("2006-01-02 15:04:05"))
	case []byte:
		*d = dateText(v)
	case string:
		*d = dateText(v)
	default:
		return fmt.Errorf("unsupported fecha_venta type %T", src)
	}
	return nil
}
