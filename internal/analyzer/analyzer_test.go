package analyzer

import (
	"context"
	"sync"
	"testing"
	"time"

	"vibrasense/internal/model"
	"vibrasense/internal/sensorbuf"
)

// fakeDurable records calls and lets tests script failures and alert
// configurations without a live Postgres.
type fakeDurable struct {
	mu sync.Mutex

	insertedFeatures []model.PersistedFeature
	alertConfigs     []model.AlertConfiguration
	createdAlerts    []model.Alert

	failInsertFeatures bool
}

func (f *fakeDurable) InsertSensorData(ctx context.Context, sensorID int64, samples []model.Sample) error {
	return nil
}

func (f *fakeDurable) InsertFeatures(ctx context.Context, feature model.PersistedFeature) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInsertFeatures {
		return errFakeDurableDown
	}
	f.insertedFeatures = append(f.insertedFeatures, feature)
	return nil
}

func (f *fakeDurable) GetAlertConfigurations(ctx context.Context, sensorID int64) ([]model.AlertConfiguration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alertConfigs, nil
}

func (f *fakeDurable) CreateAlert(ctx context.Context, alert model.Alert) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	alert.AlertID = "fake-alert-id"
	f.createdAlerts = append(f.createdAlerts, alert)
	return alert.AlertID, nil
}

func (f *fakeDurable) RegisterSensor(ctx context.Context, sensorID int64, label string) error { return nil }
func (f *fakeDurable) GetSensorStatus(ctx context.Context, sensorID int64) (bool, int, error) {
	return false, 0, nil
}
func (f *fakeDurable) StreamSessionCreate(ctx context.Context, sensorID int64) (string, error) {
	return "", nil
}
func (f *fakeDurable) StreamSessionUpdate(ctx context.Context, sessionID string, n int64) error {
	return nil
}
func (f *fakeDurable) Close() error { return nil }

func (f *fakeDurable) snapshotAlerts() []model.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Alert(nil), f.createdAlerts...)
}

func (f *fakeDurable) snapshotFeatures() []model.PersistedFeature {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.PersistedFeature(nil), f.insertedFeatures...)
}

type fakeDurableErr string

func (e fakeDurableErr) Error() string { return string(e) }

const errFakeDurableDown = fakeDurableErr("durable store down")

// fakeBroadcaster records every broadcast call.
type fakeBroadcaster struct {
	mu       sync.Mutex
	features []model.BroadcastFeature
	alerts   []model.Alert
}

func (b *fakeBroadcaster) BroadcastFeatureUpdate(sensorID int64, feature model.BroadcastFeature, bridge bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.features = append(b.features, feature)
}

func (b *fakeBroadcaster) BroadcastAlert(alert model.Alert, bridge bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerts = append(b.alerts, alert)
}

func (b *fakeBroadcaster) snapshotFeatures() []model.BroadcastFeature {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.BroadcastFeature(nil), b.features...)
}

func (b *fakeBroadcaster) snapshotAlerts() []model.Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Alert(nil), b.alerts...)
}

func fillWindow(buf *sensorbuf.Store, sensorID int64, n int, h, v float64) {
	base := time.Now().UTC().Add(-time.Duration(n) * time.Microsecond)
	samples := make([]model.Sample, n)
	for i := 0; i < n; i++ {
		samples[i] = model.Sample{Timestamp: base.Add(time.Duration(i) * time.Microsecond), HAcc: h, VAcc: v}
	}
	buf.AppendBatch(sensorID, samples)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func TestTask_BacksOffBelowMinSamples(t *testing.T) {
	buf := sensorbuf.New(1024)
	fillWindow(buf, 1, 100, 1.0, 0.0)

	durable := &fakeDurable{}
	bc := &fakeBroadcaster{}
	task := &Task{SensorID: 1, MinSamples: sensorbuf.DefaultMinSamples, Buf: buf, Durable: durable, Fanout: bc}

	ctx, cancel := context.WithCancel(context.Background())
	task.Start(ctx)

	time.Sleep(250 * time.Millisecond)
	cancel()
	task.Stop(time.Second)

	if len(bc.snapshotFeatures()) != 0 {
		t.Fatalf("expected no feature broadcast below min_samples, got %d", len(bc.snapshotFeatures()))
	}
	if len(durable.snapshotFeatures()) != 0 {
		t.Fatalf("expected no persisted features below min_samples")
	}
}

func TestTask_ComputesAndBroadcastsOnceReady(t *testing.T) {
	buf := sensorbuf.New(sensorbuf.DefaultCapacity)
	fillWindow(buf, 7, sensorbuf.DefaultMinSamples, 1.0, 0.0)

	durable := &fakeDurable{}
	bc := &fakeBroadcaster{}
	task := &Task{SensorID: 7, Buf: buf, Durable: durable, Fanout: bc}

	ctx, cancel := context.WithCancel(context.Background())
	task.Start(ctx)
	defer func() {
		cancel()
		task.Stop(time.Second)
	}()

	waitFor(t, 2*time.Second, func() bool { return len(bc.snapshotFeatures()) > 0 })

	feature := bc.snapshotFeatures()[0]
	if feature.RMSH != 1.0 || feature.PeakH != 1.0 || feature.CrestFactorH != 1.0 {
		t.Fatalf("unexpected feature values for constant window: %+v", feature)
	}
	if feature.RMSV != 0 || feature.PeakV != 0 {
		t.Fatalf("expected zero vertical-axis features, got %+v", feature)
	}

	waitFor(t, 2*time.Second, func() bool { return len(durable.snapshotFeatures()) > 0 })
	persisted := durable.snapshotFeatures()[0]
	if persisted.SensorID != 7 {
		t.Fatalf("persisted feature has wrong sensor_id: %+v", persisted)
	}
}

func TestTask_DurableFailureDoesNotStopBroadcast(t *testing.T) {
	buf := sensorbuf.New(sensorbuf.DefaultCapacity)
	fillWindow(buf, 9, sensorbuf.DefaultMinSamples, 2.0, 0.0)

	durable := &fakeDurable{failInsertFeatures: true}
	bc := &fakeBroadcaster{}
	task := &Task{SensorID: 9, Buf: buf, Durable: durable, Fanout: bc}

	ctx, cancel := context.WithCancel(context.Background())
	task.Start(ctx)
	defer func() {
		cancel()
		task.Stop(time.Second)
	}()

	waitFor(t, 2*time.Second, func() bool { return len(bc.snapshotFeatures()) > 0 })
}

func TestTask_AlertFiresAboveThreshold(t *testing.T) {
	buf := sensorbuf.New(sensorbuf.DefaultCapacity)
	fillWindow(buf, 3, sensorbuf.DefaultMinSamples, 5.0, 0.0)

	threshold := 0.5
	durable := &fakeDurable{alertConfigs: []model.AlertConfiguration{
		{SensorID: 3, FeatureName: "rms_h", ThresholdMax: &threshold, Severity: "critical", Enabled: true},
	}}
	bc := &fakeBroadcaster{}
	task := &Task{SensorID: 3, Buf: buf, Durable: durable, Fanout: bc}

	ctx, cancel := context.WithCancel(context.Background())
	task.Start(ctx)
	defer func() {
		cancel()
		task.Stop(time.Second)
	}()

	waitFor(t, 2*time.Second, func() bool { return len(bc.snapshotAlerts()) > 0 })

	alert := bc.snapshotAlerts()[0]
	if alert.FeatureName != "rms_h" || alert.ThresholdValue != threshold {
		t.Fatalf("unexpected alert: %+v", alert)
	}
	if alert.CurrentValue <= threshold {
		t.Fatalf("expected current_value above threshold, got %+v", alert)
	}
}

func TestTask_EqualityIsNotAnAlert(t *testing.T) {
	buf := sensorbuf.New(sensorbuf.DefaultCapacity)
	fillWindow(buf, 4, sensorbuf.DefaultMinSamples, 1.0, 0.0)

	threshold := 1.0 // rms_h of a constant 1.0 signal is exactly 1.0
	durable := &fakeDurable{alertConfigs: []model.AlertConfiguration{
		{SensorID: 4, FeatureName: "rms_h", ThresholdMax: &threshold, Severity: "warning", Enabled: true},
	}}
	bc := &fakeBroadcaster{}
	task := &Task{SensorID: 4, Buf: buf, Durable: durable, Fanout: bc}

	ctx, cancel := context.WithCancel(context.Background())
	task.Start(ctx)

	waitFor(t, 2*time.Second, func() bool { return len(bc.snapshotFeatures()) > 0 })
	time.Sleep(250 * time.Millisecond)
	cancel()
	task.Stop(time.Second)

	if len(bc.snapshotAlerts()) != 0 {
		t.Fatalf("expected no alert on exact threshold equality, got %+v", bc.snapshotAlerts())
	}
}

func TestTask_StopDrainsPromptly(t *testing.T) {
	buf := sensorbuf.New(1024)
	fillWindow(buf, 11, 10, 1.0, 0.0)

	task := &Task{SensorID: 11, Buf: buf, Durable: &fakeDurable{}, Fanout: &fakeBroadcaster{}}
	ctx, cancel := context.WithCancel(context.Background())
	task.Start(ctx)

	start := time.Now()
	cancel()
	task.Stop(time.Second)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Stop took too long to drain: %s", elapsed)
	}
}
