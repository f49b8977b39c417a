// Package durable implements C3, the durable store client: pooled
// relational persistence of raw sensor data, feature records, alerts, the
// sensor registry, and alert configuration.
//
// Grounded on the connection-pool sizing used across the retrieval pack's
// Postgres clients (jackc/pgx/v5's pgxpool, configured with explicit
// min/max connections and lifetime bounds), generalized to the vibration
// pipeline's positional feature-row schema. The two insert calls
// (InsertSensorData, InsertFeatures) carry a 60s deadline, since a full
// 25,600-sample batch must fit inside it (the original 10s deadline was too
// tight for that); every other call sets no deadline of its own and runs
// under the caller's context only.
package durable

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vibrasense/internal/model"
	"vibrasense/internal/pipeerr"
)

const (
	defaultMinConns        = 10
	defaultMaxConns        = 50
	defaultMaxConnIdleTime = 5 * time.Minute
	defaultMaxConnLifetime = 30 * time.Minute
	defaultInsertDeadline  = 60 * time.Second
)

// Config configures the Postgres connection pool.
type Config struct {
	DatabaseURL     string
	MinConns        int32
	MaxConns        int32
	MaxConnIdleTime time.Duration
	MaxConnLifetime time.Duration
}

// Store is the concrete model.DurableStore backed by Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// New parses cfg.DatabaseURL and opens a connection pool.
func New(ctx context.Context, cfg Config) (*Store, error) {
	pgCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("durable: parse DATABASE_URL_POSTGRESQL: %w", err)
	}

	pgCfg.MinConns = orInt32(cfg.MinConns, defaultMinConns)
	pgCfg.MaxConns = orInt32(cfg.MaxConns, defaultMaxConns)
	pgCfg.MaxConnIdleTime = orDuration(cfg.MaxConnIdleTime, defaultMaxConnIdleTime)
	pgCfg.MaxConnLifetime = orDuration(cfg.MaxConnLifetime, defaultMaxConnLifetime)

	pool, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("durable: connect: %w", err)
	}
	return &Store{pool: pool}, nil
}

func orInt32(v, def int32) int32 {
	if v <= 0 {
		return def
	}
	return v
}

func orDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// Pool exposes the underlying pool for health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("durable %s: %w: %w", op, pipeerr.ErrDurableStoreError, err)
}

// InsertSensorData bulk-inserts raw samples for sensor s in a single
// transaction, using pgx's batch protocol so the round-trip count stays
// constant regardless of batch size.
func (s *Store) InsertSensorData(ctx context.Context, sensorID int64, samples []model.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, defaultInsertDeadline)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapErr("insert_sensor_data", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, smp := range samples {
		batch.Queue(
			`INSERT INTO sensor_data (sensor_id, timestamp, h_acc, v_acc) VALUES ($1, $2, $3, $4)`,
			sensorID, smp.Timestamp, smp.HAcc, smp.VAcc,
		)
	}
	br := tx.SendBatch(ctx, batch)
	for range samples {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return wrapErr("insert_sensor_data", err)
		}
	}
	if err := br.Close(); err != nil {
		return wrapErr("insert_sensor_data", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapErr("insert_sensor_data", err)
	}
	return nil
}

// InsertFeatures inserts one feature row matching the positional schema:
// sensor_id, window_start, window_end, the ten computed scalars, and the two
// reserved fm0 slots (always NULL; never populated).
func (s *Store) InsertFeatures(ctx context.Context, f model.PersistedFeature) error {
	ctx, cancel := context.WithTimeout(ctx, defaultInsertDeadline)
	defer cancel()

	const q = `
		INSERT INTO sensor_features (
			sensor_id, window_start, window_end,
			rms_h, rms_v, peak_h, peak_v,
			kurtosis_h, kurtosis_v, crest_factor_h, crest_factor_v,
			fm0_h, fm0_v, dominant_freq_h, dominant_freq_v
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULL, NULL, $12, $13)`

	_, err := s.pool.Exec(ctx, q,
		f.SensorID, f.WindowStart, f.WindowEnd,
		f.RMSH, f.RMSV, f.PeakH, f.PeakV,
		f.KurtosisH, f.KurtosisV, f.CrestFactorH, f.CrestFactorV,
		f.DominantFreqH, f.DominantFreqV,
	)
	return wrapErr("insert_features", err)
}

// GetAlertConfigurations returns every enabled alert configuration for
// sensor s.
func (s *Store) GetAlertConfigurations(ctx context.Context, sensorID int64) ([]model.AlertConfiguration, error) {
	const q = `
		SELECT sensor_id, feature_name, threshold_min, threshold_max, severity, enabled
		FROM alert_configurations
		WHERE sensor_id = $1 AND enabled = TRUE`

	rows, err := s.pool.Query(ctx, q, sensorID)
	if err != nil {
		return nil, wrapErr("get_alert_configurations", err)
	}
	defer rows.Close()

	var configs []model.AlertConfiguration
	for rows.Next() {
		var c model.AlertConfiguration
		if err := rows.Scan(&c.SensorID, &c.FeatureName, &c.ThresholdMin, &c.ThresholdMax, &c.Severity, &c.Enabled); err != nil {
			return nil, wrapErr("get_alert_configurations", err)
		}
		configs = append(configs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("get_alert_configurations", err)
	}
	return configs, nil
}

// CreateAlert inserts alert, assigning a server-side UUID if AlertID is
// empty, and returns the ID actually stored.
func (s *Store) CreateAlert(ctx context.Context, alert model.Alert) (string, error) {
	if alert.AlertID == "" {
		alert.AlertID = uuid.NewString()
	}

	const q = `
		INSERT INTO alerts (
			alert_id, sensor_id, kind, severity, message, feature_name,
			current_value, threshold_value, created_at, acknowledged
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, q,
		alert.AlertID, alert.SensorID, alert.Kind, alert.Severity, alert.Message,
		alert.FeatureName, alert.CurrentValue, alert.ThresholdValue, alert.CreatedAt, alert.Acknowledged,
	)
	if err != nil {
		return "", wrapErr("create_alert", err)
	}
	return alert.AlertID, nil
}

// RegisterSensor upserts sensor s's registry row.
func (s *Store) RegisterSensor(ctx context.Context, sensorID int64, label string) error {
	const q = `
		INSERT INTO sensors (sensor_id, label, registered_at)
		VALUES ($1, $2, now())
		ON CONFLICT (sensor_id) DO UPDATE SET label = EXCLUDED.label`

	_, err := s.pool.Exec(ctx, q, sensorID, label)
	return wrapErr("register_sensor", err)
}

// GetSensorStatus reads sensor s's streaming/connections status.
func (s *Store) GetSensorStatus(ctx context.Context, sensorID int64) (streaming bool, connections int, err error) {
	const q = `SELECT streaming, connections FROM sensor_status WHERE sensor_id = $1`
	dbErr := s.pool.QueryRow(ctx, q, sensorID).Scan(&streaming, &connections)
	if dbErr != nil {
		if dbErr == pgx.ErrNoRows {
			return false, 0, nil
		}
		return false, 0, wrapErr("get_sensor_status", dbErr)
	}
	return streaming, connections, nil
}

// StreamSessionCreate opens a new streaming session row for sensor s and
// returns its generated session ID.
func (s *Store) StreamSessionCreate(ctx context.Context, sensorID int64) (string, error) {
	sessionID := uuid.NewString()
	const q = `
		INSERT INTO stream_sessions (session_id, sensor_id, started_at, samples_ingested)
		VALUES ($1, $2, now(), 0)`
	if _, err := s.pool.Exec(ctx, q, sessionID, sensorID); err != nil {
		return "", wrapErr("stream_session_create", err)
	}
	return sessionID, nil
}

// StreamSessionUpdate records the running sample count for sessionID.
func (s *Store) StreamSessionUpdate(ctx context.Context, sessionID string, samplesIngested int64) error {
	const q = `UPDATE stream_sessions SET samples_ingested = $2, updated_at = now() WHERE session_id = $1`
	_, err := s.pool.Exec(ctx, q, sessionID, samplesIngested)
	return wrapErr("stream_session_update", err)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

var _ model.DurableStore = (*Store)(nil)
