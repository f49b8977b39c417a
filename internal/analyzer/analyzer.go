// Package analyzer implements C5: one cooperative task per actively
// streaming sensor that turns buffered samples into feature records, alerts
// and fan-out broadcasts.
//
// The task shape — a single goroutine looping until its context is
// cancelled, observing cancellation at every suspension point, and treating
// transient backend errors as "log and continue" rather than "exit" — is
// grounded on the main processing loop in the retrieval pack's indicator
// engine (internal/indengine/service.go's processLoop/Run), adapted from a
// shared multi-symbol loop to one goroutine per sensor.
package analyzer

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"vibrasense/internal/features"
	"vibrasense/internal/metrics"
	"vibrasense/internal/model"
	"vibrasense/internal/pipeerr"
	"vibrasense/internal/sensorbuf"
)

const (
	// windowSeconds is Δ, the width of window the analyzer asks C1 for on
	// every iteration.
	windowSeconds = 1.0
	// defaultMinSamples is the readiness-threshold fallback used when a Task
	// is built without an explicit MinSamples (e.g. in tests); production
	// tasks get theirs from config.Config.MinSamples via pipeline.ensureTask.
	defaultMinSamples = sensorbuf.DefaultMinSamples
	// idlePoll is how long the task sleeps when the window isn't ready yet.
	idlePoll = 100 * time.Millisecond
	// cadence is how long the task sleeps between feature iterations once
	// running, targeting ~10 updates/sec.
	cadence = 100 * time.Millisecond
	// defaultSamplingRateHz is the f_s fallback used when a Task is built
	// without an explicit SamplingRateHz; production tasks get theirs from
	// config.Config.SamplingRateHz via pipeline.ensureTask.
	defaultSamplingRateHz = 25600
)

// Broadcaster is the fan-out port C5 drives (C6, normally *fanout.Hub).
// Kept as an interface here so analyzer never imports fanout directly.
type Broadcaster interface {
	BroadcastFeatureUpdate(sensorID int64, feature model.BroadcastFeature, bridge bool)
	BroadcastAlert(alert model.Alert, bridge bool)
}

// Task is one sensor's analyzer: Idle -> Running -> Stopping -> Idle.
type Task struct {
	SensorID int64

	// MinSamples and SamplingRateHz are normally set by pipeline.ensureTask
	// from config.Config; Start applies package defaults to either field
	// left at its zero value.
	MinSamples     int
	SamplingRateHz float64

	Buf     *sensorbuf.Store
	Cache   model.CacheClient
	Durable model.DurableStore
	Fanout  Broadcaster
	Metrics *metrics.Metrics
	Log     zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// Start transitions the task Idle -> Running: it launches the main loop in
// its own goroutine and returns immediately. Calling Start twice on the same
// Task without an intervening Stop is a programming error left to the
// caller (normally C7) to avoid.
func (t *Task) Start(ctx context.Context) {
	if t.MinSamples <= 0 {
		t.MinSamples = defaultMinSamples
	}
	if t.SamplingRateHz <= 0 {
		t.SamplingRateHz = defaultSamplingRateHz
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	if t.Metrics != nil {
		t.Metrics.AnalyzerTasksActive.Inc()
	}
	go t.run(runCtx)
}

// Stop transitions Running -> Stopping and blocks until the task has
// observed cancellation and exited, or the bounded wait elapses.
func (t *Task) Stop(wait time.Duration) {
	if t.cancel == nil {
		return
	}
	t.cancel()
	select {
	case <-t.done:
	case <-time.After(wait):
		t.Log.Warn().Int64("sensor_id", t.SensorID).Dur("wait", wait).Msg("did not drain within wait")
	}
}

// run is the main loop described in the analyzer's algorithm: get a window,
// back off if it's too thin, otherwise compute, persist, broadcast, cache
// and check alerts, then sleep. Only ErrCancelled or ErrProgrammingError end
// the loop; every other failure is logged and the loop continues Running.
func (t *Task) run(ctx context.Context) {
	defer close(t.done)
	defer func() {
		if t.Metrics != nil {
			t.Metrics.AnalyzerTasksActive.Dec()
		}
	}()

	for {
		if err := sleepOrDone(ctx, 0); err != nil {
			return
		}

		window := t.Buf.GetWindow(t.SensorID, windowSeconds)
		if window == nil {
			// Programming error: C7 never starts a task before the
			// sensor's first sample has landed in C1.
			t.Log.Error().Int64("sensor_id", t.SensorID).Err(pipeerr.ErrProgrammingError).Msg("buffer missing after start")
			return
		}

		if window.N < t.MinSamples {
			if sleepOrDone(ctx, idlePoll) != nil {
				return
			}
			continue
		}

		start := time.Now()
		featureSet := features.Compute(window.HData, window.VData, t.SamplingRateHz)
		if t.Metrics != nil {
			t.Metrics.FeatureComputeDur.Observe(time.Since(start).Seconds())
			t.Metrics.WindowsAnalyzedTotal.WithLabelValues(strconv.Itoa(int(t.SensorID))).Inc()
		}

		broadcastFeature := model.NewBroadcastFeature(t.SensorID, window.WindowStartTS, window.WindowEndTS, featureSet)

		// Fan-out happens strictly after the C1 window read and
		// independently of C3 persistence outcome (spec's ordering
		// guarantee); persist first only because the broadcast record is
		// already fully built regardless of persist success.
		if err := t.persist(ctx, broadcastFeature); err != nil {
			if errors.Is(err, pipeerr.ErrCancelled) {
				return
			}
			t.Log.Error().Int64("sensor_id", t.SensorID).Err(err).Msg("persist_features failed")
		}

		if t.Fanout != nil {
			t.Fanout.BroadcastFeatureUpdate(t.SensorID, broadcastFeature, true)
		}

		if t.Cache != nil {
			if err := t.Cache.SetFeatureHash(ctx, t.SensorID, broadcastFeature); err != nil {
				t.Log.Error().Int64("sensor_id", t.SensorID).Err(err).Msg("cache set_feature_hash failed")
				if t.Metrics != nil {
					t.Metrics.CacheErrorsTotal.WithLabelValues("set_feature_hash").Inc()
				}
			}
		}

		t.checkAlerts(ctx, broadcastFeature)

		if sleepOrDone(ctx, cadence) != nil {
			return
		}
	}
}

// persist converts the broadcast record to its durable form at exactly this
// call site and inserts it, never mutating broadcastFeature.
func (t *Task) persist(ctx context.Context, broadcastFeature model.BroadcastFeature) error {
	if t.Durable == nil {
		return nil
	}
	persisted, err := broadcastFeature.ToPersisted()
	if err != nil {
		return err
	}
	if err := t.Durable.InsertFeatures(ctx, persisted); err != nil {
		if t.Metrics != nil {
			t.Metrics.DurableErrorsTotal.WithLabelValues("insert_features").Inc()
		}
		return err
	}
	return nil
}

// checkAlerts runs the fetch-compare-emit algorithm: missing configurations
// are not an error, equality is never an alert, and both an "above" and a
// "below" alert may fire for the same feature in the same pass (though in
// practice only one of threshold_max/threshold_min is usually set).
func (t *Task) checkAlerts(ctx context.Context, feature model.BroadcastFeature) {
	if t.Durable == nil {
		return
	}
	cfgs, err := t.Durable.GetAlertConfigurations(ctx, t.SensorID)
	if err != nil {
		t.Log.Error().Int64("sensor_id", t.SensorID).Err(err).Msg("get_alert_configurations failed")
		return
	}

	for _, cfg := range cfgs {
		v, ok := feature.Field(cfg.FeatureName)
		if !ok {
			continue
		}
		if cfg.ThresholdMax != nil && v > *cfg.ThresholdMax {
			t.emitAlert(ctx, cfg, "above", v, *cfg.ThresholdMax)
		}
		if cfg.ThresholdMin != nil && v < *cfg.ThresholdMin {
			t.emitAlert(ctx, cfg, "below", v, *cfg.ThresholdMin)
		}
	}
}

func (t *Task) emitAlert(ctx context.Context, cfg model.AlertConfiguration, direction string, value, threshold float64) {
	alert := model.Alert{
		SensorID:       t.SensorID,
		Kind:           "threshold",
		Severity:       cfg.Severity,
		FeatureName:    cfg.FeatureName,
		CurrentValue:   value,
		ThresholdValue: threshold,
		CreatedAt:      time.Now().UTC(),
	}
	alert.Message = alertMessage(cfg.FeatureName, direction, value, threshold)

	id, err := t.Durable.CreateAlert(ctx, alert)
	if err != nil {
		t.Log.Error().Int64("sensor_id", t.SensorID).Err(err).Msg("create_alert failed")
	} else {
		alert.AlertID = id
	}

	if t.Metrics != nil {
		t.Metrics.AlertsFiredTotal.WithLabelValues(cfg.Severity).Inc()
	}
	if t.Fanout != nil {
		t.Fanout.BroadcastAlert(alert, true)
	}
}

func alertMessage(featureName, direction string, value, threshold float64) string {
	verb := "above"
	if direction == "below" {
		verb = "below"
	}
	return featureName + " is " + verb + " threshold " + formatFloat(threshold) + " (current " + formatFloat(value) + ")"
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// sleepOrDone waits d (or returns immediately for d<=0) while staying
// responsive to cancellation; it returns pipeerr.ErrCancelled if ctx ends
// first.
func sleepOrDone(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return pipeerr.ErrCancelled
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return pipeerr.ErrCancelled
	case <-timer.C:
		return nil
	}
}
