package model

import "time"

// Sample is a single two-axis accelerometer reading. Immutable once produced.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	HAcc      float64   `json:"h_acc"`
	VAcc      float64   `json:"v_acc"`
}

// Window is a snapshot of buffered samples for one sensor over an interval.
// Produced on demand by sensorbuf; never stored.
type Window struct {
	SensorID      int64     `json:"sensor_id"`
	WindowStartTS time.Time `json:"window_start_ts"`
	WindowEndTS   time.Time `json:"window_end_ts"`
	HData         []float64 `json:"h_data"`
	VData         []float64 `json:"v_data"`
	N             int       `json:"n"`
}

// BufferStats summarizes a sensor's ring buffer for diagnostics.
type BufferStats struct {
	SensorID        int64
	Size            int
	LifetimeSamples int64
	EarliestTS      time.Time
	LatestTS        time.Time
}
