// Package mongo reads sensor locations and precipitation events from MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/sales-rain-etl/internal/config"
	"github.com/couchcryptid/sales-rain-etl/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Source reads the two sensor collections.
type Source struct {
	client  *mongo.Client
	db      *mongo.Database
	sensors string
	events  string
	timeout time.Duration
	logger  *slog.Logger
}

// Connect opens a client for cfg.MongoURI and pings the primary.
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Source, error) {
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(cfg.MongoURI).
		SetConnectTimeout(cfg.MongoTimeout).
		SetServerSelectionTimeout(cfg.MongoTimeout))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.MongoTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return &Source{
		client:  client,
		db:      client.Database(cfg.MongoDatabase),
		sensors: cfg.MongoSensorsCollection,
		events:  cfg.MongoEventsCollection,
		timeout: cfg.MongoTimeout,
		logger:  logger,
	}, nil
}

// Close disconnects the client.
func (s *Source) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// SensorLocations reads every sensor-to-region mapping.
func (s *Source) SensorLocations(ctx context.Context) ([]domain.SensorLocation, error) {
	docs, err := s.findAll(ctx, s.sensors)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SensorLocation, 0, len(docs))
	for i, doc := range docs {
		loc, err := DecodeSensorLocation(doc)
		if err != nil {
			return nil, fmt.Errorf("%s document %d: %w", s.sensors, i, err)
		}
		out = append(out, loc)
	}
	return out, nil
}

// SensorEvents reads every precipitation reading.
func (s *Source) SensorEvents(ctx context.Context) ([]domain.SensorEvent, error) {
	docs, err := s.findAll(ctx, s.events)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SensorEvent, 0, len(docs))
	for i, doc := range docs {
		ev, err := DecodeSensorEvent(doc)
		if err != nil {
			return nil, fmt.Errorf("%s document %d: %w", s.events, i, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *Source) findAll(ctx context.Context, collection string) ([]bson.Raw, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cur, err := s.db.Collection(collection).Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", collection, err)
	}
	defer func() { _ = cur.Close(context.Background()) }()

	var docs []bson.Raw
	for cur.Next(ctx) {
		// cur.Current is reused by the next call.
		docs = append(docs, append(bson.Raw(nil), cur.Current...))
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", collection, err)
	}
	s.logger.Debug("mongo collection read", "collection", collection, "documents", len(docs))
	return docs, nil
}

// ErrMissingField is returned when a document lacks a required field.
var ErrMissingField = errors.New("missing required field")
