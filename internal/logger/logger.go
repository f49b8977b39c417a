// Package logger wires up rs/zerolog, the structured logger used across
// every pipeline component. Grounded on the retrieval pack's
// monitoring.NewLogger (github.com/adred-codev/ws_poc/internal/shared/
// monitoring), generalized from one fixed "ws-server" service name to a
// distinct logger per pipeline component (C1..C7), and replacing that
// package's free-form trace ID with this pipeline's sensor_id context.
package logger

import (
	"context"
	"os"

	"github.com/rs/zerolog"
)

type ctxKey string

const sensorIDKey ctxKey = "sensor_id"

// New builds a component-scoped logger writing timestamped JSON to stdout.
// level is parsed with zerolog.ParseLevel; an unrecognized level falls back
// to info.
func New(component, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	return zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// WithSensorID stores a sensor ID in the context for downstream log
// propagation through WithContext.
func WithSensorID(ctx context.Context, sensorID int64) context.Context {
	return context.WithValue(ctx, sensorIDKey, sensorID)
}

// SensorID extracts the sensor ID stashed by WithSensorID, reporting false
// if the context carries none.
func SensorID(ctx context.Context) (int64, bool) {
	v, ok := ctx.Value(sensorIDKey).(int64)
	return v, ok
}

// WithContext returns a child logger carrying sensor_id if ctx has one.
func WithContext(ctx context.Context, l zerolog.Logger) zerolog.Logger {
	if sensorID, ok := SensorID(ctx); ok {
		return l.With().Int64("sensor_id", sensorID).Logger()
	}
	return l
}
