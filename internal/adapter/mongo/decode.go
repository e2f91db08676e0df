package mongo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/sales-rain-etl/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// DecodeSensorLocation reads id and region_id from a Ubicacion_sensores document.
func DecodeSensorLocation(doc bson.Raw) (domain.SensorLocation, error) {
	id, err := lookupInt(doc, "id")
	if err != nil {
		return domain.SensorLocation{}, err
	}
	region, err := lookupInt(doc, "region_id")
	if err != nil {
		return domain.SensorLocation{}, err
	}
	return domain.SensorLocation{ID: id, RegionID: region}, nil
}

// DecodeSensorEvent reads Sensor_id, fecha, and valor from a sensor_eventos
// document. A missing or null fecha decodes as "" and a missing or null valor
// as nil.
func DecodeSensorEvent(doc bson.Raw) (domain.SensorEvent, error) {
	sensor, err := lookupInt(doc, "Sensor_id")
	if err != nil {
		return domain.SensorEvent{}, err
	}
	fecha, err := lookupDate(doc, "fecha")
	if err != nil {
		return domain.SensorEvent{}, err
	}
	valor, err := lookupOptionalFloat(doc, "valor")
	if err != nil {
		return domain.SensorEvent{}, err
	}
	return domain.SensorEvent{SensorID: sensor, Fecha: fecha, Valor: valor}, nil
}

func lookup(doc bson.Raw, key string) (bson.RawValue, error) {
	v, err := doc.LookupErr(key)
	if errors.Is(err, bsoncore.ErrElementNotFound) || (err == nil && v.Type == bsontype.Null) {
		return bson.RawValue{}, fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	if err != nil {
		return bson.RawValue{}, fmt.Errorf("field %s: %w", key, err)
	}
	return v, nil
}

func lookupInt(doc bson.Raw, key string) (int64, error) {
	v, err := lookup(doc, key)
	if err != nil {
		return 0, err
	}
	switch v.Type {
	case bsontype.Int32:
		return int64(v.Int32()), nil
	case bsontype.Int64:
		return v.Int64(), nil
	case bsontype.Double:
		f := v.Double()
		if f != math.Trunc(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("field %s: %v is not an integer", key, f)
		}
		return int64(f), nil
	case bsontype.String:
		n, err := strconv.ParseInt(strings.TrimSpace(v.StringValue()), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("field %s: %w", key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("field %s: unsupported type %s", key, v.Type)
	}
}

// lookupDate returns the field as text. BSON datetimes are formatted year-first
// so the day-first reading parser cannot reorder them. A missing or null field
// yields "", which the transform drops as a reading without a date.
func lookupDate(doc bson.Raw, key string) (string, error) {
	v, err := lookup(doc, key)
	if errors.Is(err, ErrMissingField) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	switch v.Type {
	case bsontype.String:
		return v.StringValue(), nil
	case bsontype.DateTime:
		return time.UnixMilli(v.DateTime()).UTC().Format("2006-01-02T15:04:05"), nil
	default:
		return "", fmt.Errorf("field %s: unsupported type %s", key, v.Type)
	}
}

func lookupOptionalFloat(doc bson.Raw, key string) (*float64, error) {
	v, err := lookup(doc, key)
	if errors.Is(err, ErrMissingField) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var f float64
	switch v.Type {
	case bsontype.Double:
		f = v.Double()
	case bsontype.Int32:
		f = float64(v.Int32())
	case bsontype.Int64:
		f = float64(v.Int64())
	case bsontype.String:
		f, err = strconv.ParseFloat(strings.TrimSpace(v.StringValue()), 64)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}
	default:
		return nil, fmt.Errorf("field %s: unsupported type %s", key, v.Type)
	}
	if math.IsNaN(f) {
		return nil, nil
	}
	return &f, nil
}
