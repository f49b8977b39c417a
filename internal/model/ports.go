package model

import "context"

// ── Storage & Bus Port Interfaces ──
// These decouple the pipeline's business logic (C4/C5/C6/C7) from concrete
// backends (Redis, Postgres). Each concrete client satisfies one or more of
// these interfaces; tests supply fakes instead.

// CacheClient is the port C5/C4/C6 use to reach the bounded-memory fast path
// (C2). Any call may return ErrCacheUnavailable; callers must treat that as
// non-fatal.
type CacheClient interface {
	StreamAppendBatch(ctx context.Context, sensorID int64, samples []Sample) error
	SetFeatureHash(ctx context.Context, sensorID int64, feature BroadcastFeature) error
	SetStatusHash(ctx context.Context, sensorID int64, streaming bool, connections int) error
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) MessageStream
	PushAlert(ctx context.Context, alert Alert) error
	AddConnection(ctx context.Context, subscriptionID string) error
	RemoveConnection(ctx context.Context, subscriptionID string) error
	ActiveConnectionCount(ctx context.Context) (int64, error)
	Close() error
}

// PubSubMessage is one message received on a Pub/Sub channel.
type PubSubMessage struct {
	Channel string
	Payload []byte
}

// MessageStream is a finite, single-consumer sequence of Pub/Sub messages.
// It ends when the underlying subscription is closed.
type MessageStream interface {
	Next(ctx context.Context) (PubSubMessage, bool)
	Close() error
}

// DurableStore is the port C5 uses for C3: pooled relational persistence of
// features, alerts, sensor registry and alert configuration.
type DurableStore interface {
	InsertSensorData(ctx context.Context, sensorID int64, samples []Sample) error
	InsertFeatures(ctx context.Context, feature PersistedFeature) error
	GetAlertConfigurations(ctx context.Context, sensorID int64) ([]AlertConfiguration, error)
	CreateAlert(ctx context.Context, alert Alert) (string, error)
	RegisterSensor(ctx context.Context, sensorID int64, label string) error
	GetSensorStatus(ctx context.Context, sensorID int64) (streaming bool, connections int, err error)
	StreamSessionCreate(ctx context.Context, sensorID int64) (sessionID string, err error)
	StreamSessionUpdate(ctx context.Context, sessionID string, samplesIngested int64) error
	Close() error
}
