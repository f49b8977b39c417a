package model

import "time"

// AlertConfiguration is a read-only (from the pipeline's perspective) threshold
// rule for one feature of one sensor.
type AlertConfiguration struct {
	SensorID      int64
	FeatureName   string
	ThresholdMin  *float64
	ThresholdMax  *float64
	Severity      string
	Enabled       bool
}

// Alert is a threshold-crossing event tied to one feature of one sensor.
type Alert struct {
	AlertID         string    `json:"alert_id"`
	SensorID        int64     `json:"sensor_id"`
	Kind            string    `json:"kind"` // always "threshold" for this pipeline
	Severity        string    `json:"severity"`
	Message         string    `json:"message"`
	FeatureName     string    `json:"feature_name"`
	CurrentValue    float64   `json:"current_value"`
	ThresholdValue  float64   `json:"threshold_value"`
	CreatedAt       time.Time `json:"created_at"`
	Acknowledged    bool      `json:"acknowledged"`
	AcknowledgedBy  *string   `json:"acknowledged_by,omitempty"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
}

// StreamSubscription identifies one live, bidirectional subscriber. SensorID
// 0 is the reserved "all sensors" sentinel (spec §3, §9).
type StreamSubscription struct {
	SubscriptionID string
	SensorID       int64
}
