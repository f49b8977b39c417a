package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"vibrasense/internal/model"
)

// fakeCache is a minimal model.CacheClient recording Publish calls; every
// other method is a no-op since the hub tests never exercise them.
type fakeCache struct {
	mu        sync.Mutex
	published []publishedMsg
}

type publishedMsg struct {
	channel string
	payload []byte
}

func (f *fakeCache) StreamAppendBatch(ctx context.Context, sensorID int64, samples []model.Sample) error {
	return nil
}
func (f *fakeCache) SetFeatureHash(ctx context.Context, sensorID int64, feature model.BroadcastFeature) error {
	return nil
}
func (f *fakeCache) SetStatusHash(ctx context.Context, sensorID int64, streaming bool, connections int) error {
	return nil
}

func (f *fakeCache) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMsg{channel: channel, payload: append([]byte(nil), payload...)})
	return nil
}
func (f *fakeCache) Subscribe(ctx context.Context, channels ...string) model.MessageStream { return nil }
func (f *fakeCache) PushAlert(ctx context.Context, alert model.Alert) error                { return nil }
func (f *fakeCache) AddConnection(ctx context.Context, subscriptionID string) error         { return nil }
func (f *fakeCache) RemoveConnection(ctx context.Context, subscriptionID string) error       { return nil }
func (f *fakeCache) ActiveConnectionCount(ctx context.Context) (int64, error)                { return 0, nil }
func (f *fakeCache) Close() error                                                            { return nil }

func (f *fakeCache) snapshot() []publishedMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedMsg(nil), f.published...)
}

func newTestSubscriber(id string) *Subscriber {
	return &Subscriber{ID: id, send: make(chan []byte, 8)}
}

func TestConnect_RegistersBothIndices(t *testing.T) {
	h := NewHub(nil, nil)
	sub := newTestSubscriber("s1")
	h.Connect(context.Background(), sub, 5)

	if h.subToSensor[sub] != 5 {
		t.Fatalf("sub_to_sensor[sub] = %d, want 5", h.subToSensor[sub])
	}
	if !h.subsBySensor[5][sub] {
		t.Fatalf("expected sub registered under sensor 5")
	}
}

func TestDisconnect_RemovesFromBothIndicesAndClosesSend(t *testing.T) {
	h := NewHub(nil, nil)
	sub := newTestSubscriber("s1")
	h.Connect(context.Background(), sub, 5)
	h.Disconnect(sub)

	if _, ok := h.subToSensor[sub]; ok {
		t.Fatalf("expected sub removed from sub_to_sensor")
	}
	if h.subsBySensor[5][sub] {
		t.Fatalf("expected sub removed from subs_by_sensor[5]")
	}
	if _, ok := <-sub.send; ok {
		t.Fatalf("expected send channel closed")
	}
}

func TestDisconnect_IsIdempotent(t *testing.T) {
	h := NewHub(nil, nil)
	sub := newTestSubscriber("s1")
	h.Connect(context.Background(), sub, 5)
	h.Disconnect(sub)
	h.Disconnect(sub) // must not panic on double-close
}

func TestSendPersonal_FullBufferDisconnects(t *testing.T) {
	h := NewHub(nil, nil)
	sub := &Subscriber{ID: "s1", send: make(chan []byte, 1)}
	h.Connect(context.Background(), sub, 1)

	h.SendPersonal(sub, []byte("one"))  // fills the buffer
	h.SendPersonal(sub, []byte("two")) // buffer full -> disconnect

	if _, ok := h.subToSensor[sub]; ok {
		t.Fatalf("expected subscriber disconnected after full send buffer")
	}
}

func TestBroadcastToSensor_ReachesSensorAndAllSubscribers(t *testing.T) {
	h := NewHub(nil, nil)
	specific := newTestSubscriber("specific")
	all := newTestSubscriber("all")
	other := newTestSubscriber("other")
	h.Connect(context.Background(), specific, 9)
	h.Connect(context.Background(), all, AllSensors)
	h.Connect(context.Background(), other, 10)

	h.BroadcastToSensor(context.Background(), 9, []byte("hello"), false, "")

	for name, sub := range map[string]*Subscriber{"specific": specific, "all": all} {
		select {
		case msg := <-sub.send:
			if string(msg) != "hello" {
				t.Fatalf("%s got %q, want hello", name, msg)
			}
		default:
			t.Fatalf("%s did not receive broadcast", name)
		}
	}
	select {
	case <-other.send:
		t.Fatalf("subscriber of a different sensor should not receive the broadcast")
	default:
	}
}

func TestBroadcastFeatureUpdate_WrapsLocallyAndPublishesRawWhenBridging(t *testing.T) {
	cache := &fakeCache{}
	h := NewHub(cache, nil)
	sub := newTestSubscriber("sub")
	h.Connect(context.Background(), sub, 3)

	feature := model.BroadcastFeature{SensorID: 3, RMSH: 1.0}
	h.BroadcastFeatureUpdate(3, feature, true)

	var local map[string]interface{}
	select {
	case msg := <-sub.send:
		if err := json.Unmarshal(msg, &local); err != nil {
			t.Fatalf("local message not valid JSON: %v", err)
		}
	default:
		t.Fatalf("expected local broadcast")
	}
	if local["type"] != "feature_update" {
		t.Fatalf("expected type=feature_update, got %v", local["type"])
	}

	published := cache.snapshot()
	if len(published) != 1 || published[0].channel != "sensor:3:features" {
		t.Fatalf("expected one publish to sensor:3:features, got %+v", published)
	}
	var raw model.BroadcastFeature
	if err := json.Unmarshal(published[0].payload, &raw); err != nil {
		t.Fatalf("published payload is not a bare feature record: %v", err)
	}
	if raw.RMSH != 1.0 {
		t.Fatalf("published feature mismatch: %+v", raw)
	}
}

func TestBroadcastFeatureUpdate_NoBridgeNoPublish(t *testing.T) {
	cache := &fakeCache{}
	h := NewHub(cache, nil)
	h.BroadcastFeatureUpdate(3, model.BroadcastFeature{SensorID: 3}, false)

	if len(cache.snapshot()) != 0 {
		t.Fatalf("expected no publish when bridge=false, got %+v", cache.snapshot())
	}
}

func TestBroadcastAlert_PublishesToAlertsAllWhenBridging(t *testing.T) {
	cache := &fakeCache{}
	h := NewHub(cache, nil)
	sub := newTestSubscriber("sub")
	h.Connect(context.Background(), sub, AllSensors)

	alert := model.Alert{SensorID: 1, FeatureName: "rms_h", Severity: "critical"}
	h.BroadcastAlert(alert, true)

	published := cache.snapshot()
	if len(published) != 1 || published[0].channel != channelAlertsAll {
		t.Fatalf("expected one publish to alerts:all, got %+v", published)
	}

	select {
	case msg := <-sub.send:
		var env map[string]interface{}
		json.Unmarshal(msg, &env)
		if env["type"] != "alert" {
			t.Fatalf("expected wrapped alert locally, got %v", env)
		}
	default:
		t.Fatalf("expected local alert broadcast")
	}
}

func TestDispatchBridgeMessage_NeverRepublishes(t *testing.T) {
	cache := &fakeCache{}
	h := NewHub(cache, nil)
	sub := newTestSubscriber("sub")
	h.Connect(context.Background(), sub, 4)

	feature := model.BroadcastFeature{SensorID: 4, RMSH: 2.0}
	payload, _ := json.Marshal(feature)

	h.dispatchBridgeMessage(context.Background(), model.PubSubMessage{
		Channel: "sensor:4:features",
		Payload: payload,
	})

	if len(cache.snapshot()) != 0 {
		t.Fatalf("bridge-received messages must never be republished, got %+v", cache.snapshot())
	}
	select {
	case <-sub.send:
	default:
		t.Fatalf("expected the bridge-dispatched feature to still reach local subscribers")
	}
}
