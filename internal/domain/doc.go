// Package domain models the retail and precipitation records joined by the
// ETL and implements the pure daily sales/precipitation transform.
//
// # Data Sources
//
// Sales, tickets, and stores come from the relational store (tables Ventas,
// ticket, Tiendas). Sensor locations and precipitation readings come from the
// document store (collections Ubicacion_sensores and sensor_eventos). Column
// names keep the upstream Spanish spelling so fixtures and queries match the
// source schemas one to one.
//
// # Join Keys
//
//	Sale.factura_id     = Ticket.factura_id      (inner, 1:N allowed)
//	Sale.tienda_id      = Store.id               (inner, attaches region_id)
//	SensorEvent.Sensor_id = SensorLocation.id    (inner, attaches region_id)
//	(region_id, date)   = (region_id, date)      (left, rain defaults to 0)
//
// Duplicate store or sensor ids are not validated; like any relational join
// they multiply the matching rows.
//
// # Date Conventions
//
// Ticket dates use the default convention: ISO 8601 first, then US
// month-first for slashed dates ("01/03/2023" is 3 January 2023).
//
// Sensor reading dates are day-first ("01/03/2023" is 1 March 2023). ISO
// year-first strings are still read as year-month-day.
//
// The two conventions disagree for slashed dates. The asymmetry is inherited
// from the upstream loaders and is likely a latent bug in one of them; it is
// preserved until the source formats are confirmed. See [ParseSaleDate] and
// [ParseReadingDate].
//
// A NULL or blank date drops its row, counted in [Stats.SalesWithoutDate] or
// [Stats.ReadingsWithoutDate]. Non-empty text matching no layout fails the
// run with [ErrUnparseableDate].
//
// # Sale Amounts
//
// When the sales schema has no valor_total column every sale line counts as
// one unit, so ventas becomes a line count instead of a monetary sum. The
// branch is reported through [Stats.AmountPolicy] so callers can log it.
package domain
