package logger

import (
	"context"
	"testing"
)

func TestNew_ReturnsUsableLogger(t *testing.T) {
	l := New("test-component", "info")
	l.Info().Msg("smoke test")
}

func TestNew_FallsBackToInfoOnBadLevel(t *testing.T) {
	l := New("test-component", "not-a-level")
	l.Info().Msg("still works")
}

func TestSensorID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	if _, ok := SensorID(ctx); ok {
		t.Fatalf("expected no sensor id on a bare context")
	}

	ctx = WithSensorID(ctx, 42)
	id, ok := SensorID(ctx)
	if !ok || id != 42 {
		t.Fatalf("SensorID = (%d, %v), want (42, true)", id, ok)
	}
}

func TestWithContext_AttachesSensorIDWhenPresent(t *testing.T) {
	base := New("test-component", "info")
	ctx := WithSensorID(context.Background(), 7)

	scoped := WithContext(ctx, base)
	scoped.Info().Msg("scoped log")

	unscoped := WithContext(context.Background(), base)
	unscoped.Info().Msg("unscoped log")
}
