package durable

import "testing"

func TestOrInt32_UsesDefaultWhenUnset(t *testing.T) {
	if got := orInt32(0, 50); got != 50 {
		t.Errorf("orInt32(0, 50) = %d, want 50", got)
	}
	if got := orInt32(7, 50); got != 7 {
		t.Errorf("orInt32(7, 50) = %d, want 7", got)
	}
	if got := orInt32(-3, 50); got != 50 {
		t.Errorf("orInt32(-3, 50) = %d, want 50", got)
	}
}

func TestOrDuration_UsesDefaultWhenUnset(t *testing.T) {
	if got := orDuration(0, defaultMaxConnIdleTime); got != defaultMaxConnIdleTime {
		t.Errorf("orDuration(0, ...) = %v, want %v", got, defaultMaxConnIdleTime)
	}
}
