package model

import "time"

// BroadcastFeature is the wire/broadcast form of a feature record: JSON-total,
// with window_start_ts/window_end_ts/timestamp carried as ISO-8601 strings so
// that every field marshals without ambiguity regardless of transport.
//
// This is the form C5 hands to C6 for fan-out and to C2 for the
// features:sensor:{id}:latest cache hash. It is never mutated once built; the
// durable-store form is derived from it via ToPersisted at the C3 call site.
type BroadcastFeature struct {
	SensorID      int64   `json:"sensor_id"`
	WindowStartTS string  `json:"window_start_ts"`
	WindowEndTS   string  `json:"window_end_ts"`
	Timestamp     string  `json:"timestamp"`
	RMSH          float64 `json:"rms_h"`
	RMSV          float64 `json:"rms_v"`
	PeakH         float64 `json:"peak_h"`
	PeakV         float64 `json:"peak_v"`
	KurtosisH     float64 `json:"kurtosis_h"`
	KurtosisV     float64 `json:"kurtosis_v"`
	CrestFactorH  float64 `json:"crest_factor_h"`
	CrestFactorV  float64 `json:"crest_factor_v"`
	DominantFreqH float64 `json:"dominant_freq_h"`
	DominantFreqV float64 `json:"dominant_freq_v"`
}

// PersistedFeature is the durable-store form: native datetimes for the
// window bounds, matching the positional feature-row schema in spec §6.
// fm0_h/fm0_v are reserved schema slots the pipeline never populates.
type PersistedFeature struct {
	SensorID      int64
	WindowStart   time.Time
	WindowEnd     time.Time
	RMSH          float64
	RMSV          float64
	PeakH         float64
	PeakV         float64
	KurtosisH     float64
	KurtosisV     float64
	CrestFactorH  float64
	CrestFactorV  float64
	DominantFreqH float64
	DominantFreqV float64
}

// NewBroadcastFeature builds the wire form from a sensor ID, window bounds,
// and a raw feature set. The window end timestamp also becomes Timestamp,
// matching spec §6's "timestamp field equal to window_end_ts".
func NewBroadcastFeature(sensorID int64, windowStart, windowEnd time.Time, fs FeatureSet) BroadcastFeature {
	return BroadcastFeature{
		SensorID:      sensorID,
		WindowStartTS: windowStart.UTC().Format(time.RFC3339Nano),
		WindowEndTS:   windowEnd.UTC().Format(time.RFC3339Nano),
		Timestamp:     windowEnd.UTC().Format(time.RFC3339Nano),
		RMSH:          fs.RMSH,
		RMSV:          fs.RMSV,
		PeakH:         fs.PeakH,
		PeakV:         fs.PeakV,
		KurtosisH:     fs.KurtosisH,
		KurtosisV:     fs.KurtosisV,
		CrestFactorH:  fs.CrestFactorH,
		CrestFactorV:  fs.CrestFactorV,
		DominantFreqH: fs.DominantFreqH,
		DominantFreqV: fs.DominantFreqV,
	}
}

// ToPersisted converts the broadcast form to the durable-store form, parsing
// the ISO-8601 timestamp strings back into native datetimes. This is the one
// conversion point the analyzer uses ahead of the C3 insert call; it never
// mutates the receiver.
func (b BroadcastFeature) ToPersisted() (PersistedFeature, error) {
	start, err := time.Parse(time.RFC3339Nano, b.WindowStartTS)
	if err != nil {
		return PersistedFeature{}, err
	}
	end, err := time.Parse(time.RFC3339Nano, b.WindowEndTS)
	if err != nil {
		return PersistedFeature{}, err
	}
	return PersistedFeature{
		SensorID:      b.SensorID,
		WindowStart:   start,
		WindowEnd:     end,
		RMSH:          b.RMSH,
		RMSV:          b.RMSV,
		PeakH:         b.PeakH,
		PeakV:         b.PeakV,
		KurtosisH:     b.KurtosisH,
		KurtosisV:     b.KurtosisV,
		CrestFactorH:  b.CrestFactorH,
		CrestFactorV:  b.CrestFactorV,
		DominantFreqH: b.DominantFreqH,
		DominantFreqV: b.DominantFreqV,
	}, nil
}

// Field looks up a feature by its wire name (e.g. "rms_h"), used by the alert
// evaluator to read the value named in an AlertConfiguration. Returns
// (0, false) when the name is unknown.
func (b BroadcastFeature) Field(name string) (float64, bool) {
	switch name {
	case "rms_h":
		return b.RMSH, true
	case "rms_v":
		return b.RMSV, true
	case "peak_h":
		return b.PeakH, true
	case "peak_v":
		return b.PeakV, true
	case "kurtosis_h":
		return b.KurtosisH, true
	case "kurtosis_v":
		return b.KurtosisV, true
	case "crest_factor_h":
		return b.CrestFactorH, true
	case "crest_factor_v":
		return b.CrestFactorV, true
	case "dominant_freq_h":
		return b.DominantFreqH, true
	case "dominant_freq_v":
		return b.DominantFreqV, true
	default:
		return 0, false
	}
}

// FeatureSet holds the raw per-axis scalars computed by internal/features,
// before sensor ID and window bounds are attached.
type FeatureSet struct {
	RMSH          float64
	RMSV          float64
	PeakH         float64
	PeakV         float64
	KurtosisH     float64
	KurtosisV     float64
	CrestFactorH  float64
	CrestFactorV  float64
	DominantFreqH float64
	DominantFreqV float64
}
