package cache

import (
	"testing"

	"vibrasense/internal/model"
)

func TestFeatureHashFields_IncludesAllWireFields(t *testing.T) {
	f := model.BroadcastFeature{
		SensorID:      1,
		WindowStartTS: "2026-08-01T00:00:00Z",
		WindowEndTS:   "2026-08-01T00:00:01Z",
		Timestamp:     "2026-08-01T00:00:01Z",
		RMSH:          1.0,
		RMSV:          0.0,
		PeakH:         1.0,
		CrestFactorH:  1.0,
	}
	fields := featureHashFields(f)

	want := []string{
		"sensor_id", "window_start_ts", "window_end_ts", "timestamp",
		"rms_h", "rms_v", "peak_h", "peak_v",
		"kurtosis_h", "kurtosis_v", "crest_factor_h", "crest_factor_v",
		"dominant_freq_h", "dominant_freq_v",
	}
	for _, k := range want {
		if _, ok := fields[k]; !ok {
			t.Errorf("expected field %q in hash, fields=%v", k, fields)
		}
	}
	if fields["sensor_id"] != "1" {
		t.Errorf("sensor_id = %v, want \"1\"", fields["sensor_id"])
	}
	if fields["rms_h"] != "1" {
		t.Errorf("rms_h = %v, want \"1\"", fields["rms_h"])
	}
}
