//go:build integration

package integration_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/couchcryptid/sales-rain-etl/internal/adapter/fixture"
	"github.com/couchcryptid/sales-rain-etl/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gorm.io/gorm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	c, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("sales-rain-test"))
	testcontainers.CleanupContainer(t, c)
	require.NoError(t, err, "start kafka container")

	brokers, err := c.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

// startMySQL returns a DSN for a fresh database.
func startMySQL(ctx context.Context, t *testing.T) string {
	t.Helper()
	c, err := tcmysql.Run(ctx, "mysql:8.0.36",
		tcmysql.WithDatabase("retail"),
		tcmysql.WithUsername("etl"),
		tcmysql.WithPassword("etl"),
	)
	testcontainers.CleanupContainer(t, c)
	require.NoError(t, err, "start mysql container")

	dsn, err := c.ConnectionString(ctx, "parseTime=true", "loc=UTC")
	require.NoError(t, err)
	return dsn
}

func startMongo(ctx context.Context, t *testing.T) string {
	t.Helper()
	c, err := tcmongo.Run(ctx, "mongo:7")
	testcontainers.CleanupContainer(t, c)
	require.NoError(t, err, "start mongo container")

	uri, err := c.ConnectionString(ctx)
	require.NoError(t, err)
	return uri
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)
	ctrl, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer ctrl.Close()

	require.NoError(t, ctrl.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

func loadMockInputs(t *testing.T) domain.Inputs {
	t.Helper()
	src, err := fixture.Load(filepath.Join("..", "..", "data", "mock", "inputs.json"))
	require.NoError(t, err)
	return src.Inputs()
}

// seedMySQL creates the three relational tables and inserts the fixture rows.
// fecha_venta stays textual to keep the mixed date layouts.
func seedMySQL(t *testing.T, db *gorm.DB, in domain.Inputs) {
	t.Helper()
	ventas := "CREATE TABLE Ventas (factura_id BIGINT, tienda_id BIGINT, valor_total DOUBLE NULL)"
	if !in.Sales.HasAmount {
		ventas = "CREATE TABLE Ventas (factura_id BIGINT, tienda_id BIGINT)"
	}
	for _, stmt := range []string{
		ventas,
		"CREATE TABLE ticket (factura_id BIGINT, fecha_venta VARCHAR(32))",
		"CREATE TABLE Tiendas (id BIGINT, region_id BIGINT, nombre VARCHAR(64))",
	} {
		require.NoError(t, db.Exec(stmt).Error)
	}

	for _, s := range in.Sales.Rows {
		if in.Sales.HasAmount {
			require.NoError(t, db.Exec("INSERT INTO Ventas (factura_id, tienda_id, valor_total) VALUES (?, ?, ?)",
				s.FacturaID, s.TiendaID, s.ValorTotal).Error)
			continue
		}
		require.NoError(t, db.Exec("INSERT INTO Ventas (factura_id, tienda_id) VALUES (?, ?)",
			s.FacturaID, s.TiendaID).Error)
	}
	for _, tk := range in.Tickets {
		require.NoError(t, db.Exec("INSERT INTO ticket (factura_id, fecha_venta) VALUES (?, ?)",
			tk.FacturaID, tk.FechaVenta).Error)
	}
	for _, st := range in.Stores {
		require.NoError(t, db.Exec("INSERT INTO Tiendas (id, region_id, nombre) VALUES (?, ?, ?)",
			st.ID, st.RegionID, st.Nombre).Error)
	}
}

// seedMongo inserts the sensor collections. Readings without a valor omit the
// field.
func seedMongo(ctx context.Context, t *testing.T, uri, database string, in domain.Inputs) {
	t.Helper()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	defer func() { _ = client.Disconnect(context.Background()) }()

	db := client.Database(database)

	locations := make([]any, 0, len(in.SensorLocations))
	for _, l := range in.SensorLocations {
		locations = append(locations, bson.M{"id": l.ID, "region_id": l.RegionID})
	}
	_, err = db.Collection("Ubicacion_sensores").InsertMany(ctx, locations)
	require.NoError(t, err)

	events := make([]any, 0, len(in.SensorEvents))
	for _, ev := range in.SensorEvents {
		doc := bson.M{"Sensor_id": ev.SensorID, "fecha": ev.Fecha}
		if ev.Valor != nil {
			doc["valor"] = *ev.Valor
		}
		events = append(events, doc)
	}
	_, err = db.Collection("sensor_eventos").InsertMany(ctx, events)
	require.NoError(t, err)
}
