// Package fanout implements C6: the WebSocket fan-out hub and its Pub/Sub
// bridge to other backend instances.
//
// Client bookkeeping (subscriber set, ping/pong write pump, disconnect on
// send failure) is grounded on the retrieval pack's internal/gateway
// (hub.go/client.go) — generalized from a single global subscriber set
// keyed by free-form filters to the two-index, sensor-scoped model this
// pipeline needs; the Pub/Sub side is grounded on the same package's
// pubsub.go pattern of subscribing to Redis channels and replaying them to
// local WebSocket clients.
package fanout

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"vibrasense/internal/metrics"
	"vibrasense/internal/model"
)

// AllSensors is the sentinel sensor_id meaning "subscribe to every sensor".
const AllSensors int64 = 0

const (
	channelBroadcastAll = "broadcast:all"
	channelAlertsAll    = "alerts:all"

	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 4096
	readWait   = 60 * time.Second
)

func channelFeatures(sensorID int64) string {
	return "sensor:" + strconv.FormatInt(sensorID, 10) + ":features"
}

func channelData(sensorID int64) string {
	return "sensor:" + strconv.FormatInt(sensorID, 10) + ":data"
}

// Subscriber is one connected WebSocket peer.
type Subscriber struct {
	ID   string
	conn *websocket.Conn
	send chan []byte
}

// NewSubscriber wraps a WebSocket connection as a Subscriber ready to be
// passed to Hub.Connect.
func NewSubscriber(id string, conn *websocket.Conn) *Subscriber {
	return &Subscriber{ID: id, conn: conn, send: make(chan []byte, 256)}
}

// Hub owns subs_by_sensor and sub_to_sensor and every fan-out operation in
// spec §4.6. It is safe for concurrent use.
type Hub struct {
	Cache   model.CacheClient
	Metrics *metrics.Metrics
	Log     zerolog.Logger

	mu           sync.Mutex
	subsBySensor map[int64]map[*Subscriber]bool
	subToSensor  map[*Subscriber]int64

	bridgeSubs  map[string]bool // dynamically subscribed sensor channels, deduplicated
	bridgeMu    sync.Mutex
	bridgeStop  context.CancelFunc
	bridgeDone  chan struct{}
}

// NewHub constructs an empty Hub.
func NewHub(cache model.CacheClient, m *metrics.Metrics) *Hub {
	return &Hub{
		Cache:        cache,
		Metrics:      m,
		subsBySensor: make(map[int64]map[*Subscriber]bool),
		subToSensor:  make(map[*Subscriber]int64),
		bridgeSubs:   make(map[string]bool),
	}
}

// Connect registers sub against sensorID (AllSensors subscribes to every
// sensor) and adds sub.ID to the cache's connections:active set. It does not
// write the status:sensor:{id} hash.
func (h *Hub) Connect(ctx context.Context, sub *Subscriber, sensorID int64) {
	h.mu.Lock()
	if h.subsBySensor[sensorID] == nil {
		h.subsBySensor[sensorID] = make(map[*Subscriber]bool)
	}
	h.subsBySensor[sensorID][sub] = true
	h.subToSensor[sub] = sensorID
	h.mu.Unlock()

	if h.Cache != nil {
		if err := h.Cache.AddConnection(ctx, sub.ID); err != nil {
			h.Log.Error().Str("subscription_id", sub.ID).Err(err).Msg("add_connection failed")
		}
	}
	if h.Metrics != nil {
		h.Metrics.ActiveSubscribers.Inc()
	}
}

// Disconnect removes sub from both indices and removes sub.ID from the
// cache's connections:active set; the status:sensor:{id} hash is not written.
// Safe to call more than once for the same subscriber.
func (h *Hub) Disconnect(sub *Subscriber) {
	h.mu.Lock()
	sensorID, ok := h.subToSensor[sub]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subToSensor, sub)
	if set := h.subsBySensor[sensorID]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subsBySensor, sensorID)
		}
	}
	h.mu.Unlock()

	close(sub.send)
	if h.Cache != nil {
		if err := h.Cache.RemoveConnection(context.Background(), sub.ID); err != nil {
			h.Log.Error().Str("subscription_id", sub.ID).Err(err).Msg("remove_connection failed")
		}
	}
	if h.Metrics != nil {
		h.Metrics.ActiveSubscribers.Dec()
	}
}

// SendPersonal sends msg to exactly one subscriber. A full send buffer (the
// subscriber cannot keep up) is treated as a send failure and disconnects
// it.
func (h *Hub) SendPersonal(sub *Subscriber, msg []byte) {
	select {
	case sub.send <- msg:
	default:
		h.Disconnect(sub)
	}
}

// sensorRecipients snapshots the subscriber set for sensorID plus every
// AllSensors subscriber, copying before the caller iterates so a mid-
// broadcast disconnect never mutates a set under iteration.
func (h *Hub) sensorRecipients(sensorID int64) []*Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*Subscriber
	for sub := range h.subsBySensor[sensorID] {
		out = append(out, sub)
	}
	if sensorID != AllSensors {
		for sub := range h.subsBySensor[AllSensors] {
			out = append(out, sub)
		}
	}
	return out
}

// allRecipients snapshots every subscriber across every sensor bucket.
func (h *Hub) allRecipients() []*Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := make(map[*Subscriber]bool)
	var out []*Subscriber
	for _, set := range h.subsBySensor {
		for sub := range set {
			if !seen[sub] {
				seen[sub] = true
				out = append(out, sub)
			}
		}
	}
	return out
}

// deliver sends msg to every subscriber in recipients, disconnecting any
// whose send buffer is full, per the "mark and sweep after iteration" rule.
func (h *Hub) deliver(recipients []*Subscriber, msg []byte) {
	var dead []*Subscriber
	for _, sub := range recipients {
		select {
		case sub.send <- msg:
		default:
			dead = append(dead, sub)
		}
	}
	for _, sub := range dead {
		h.Disconnect(sub)
	}
}

// BroadcastToSensor delivers the already-wrapped msg to sensorID's local
// subscribers (plus any AllSensors subscribers), and, when bridge is set,
// republishes the same msg verbatim to channel (empty channel skips the
// publish). Used directly for primitives whose wire form and wire channel
// carry the same bytes; BroadcastFeatureUpdate/BroadcastSensorData publish a
// different (unwrapped) payload and so build their own publish step instead
// of going through this method's bridge branch.
func (h *Hub) BroadcastToSensor(ctx context.Context, sensorID int64, msg []byte, bridge bool, channel string) {
	h.deliver(h.sensorRecipients(sensorID), msg)

	if !bridge || h.Cache == nil || channel == "" {
		return
	}
	if err := h.Cache.Publish(ctx, channel, msg); err != nil {
		h.Log.Error().Str("channel", channel).Err(err).Msg("publish failed")
	}
}

// BroadcastToAll delivers msg to every connected subscriber and, when
// bridging, publishes it to broadcast:all.
func (h *Hub) BroadcastToAll(ctx context.Context, msg []byte, bridge bool) {
	h.deliver(h.allRecipients(), msg)

	if bridge && h.Cache != nil {
		if err := h.Cache.Publish(ctx, channelBroadcastAll, msg); err != nil {
			h.Log.Error().Str("channel", channelBroadcastAll).Err(err).Msg("publish failed")
		}
	}
}

// BroadcastFeatureUpdate delivers feature, wrapped as
// {type:"feature_update", data:feature}, to sensorID's local subscribers.
// When bridging it publishes the *unwrapped* feature record to
// sensor:{id}:features, since a receiving bridge re-wraps it by calling
// this same method with bridge=false. It satisfies analyzer.Broadcaster.
func (h *Hub) BroadcastFeatureUpdate(sensorID int64, feature model.BroadcastFeature, bridge bool) {
	wrapped, err := json.Marshal(map[string]interface{}{"type": "feature_update", "data": feature})
	if err != nil {
		h.Log.Error().Err(err).Msg("marshal feature_update failed")
		return
	}
	h.deliver(h.sensorRecipients(sensorID), wrapped)

	if !bridge || h.Cache == nil {
		return
	}
	raw, err := json.Marshal(feature)
	if err != nil {
		h.Log.Error().Err(err).Msg("marshal feature payload failed")
		return
	}
	channel := channelFeatures(sensorID)
	if err := h.Cache.Publish(context.Background(), channel, raw); err != nil {
		h.Log.Error().Str("channel", channel).Err(err).Msg("publish failed")
	}
}

// BroadcastSensorData delivers payload, wrapped as {type:"sensor_data",
// data:payload}, to sensorID's local subscribers, and (when bridging)
// publishes the unwrapped payload to sensor:{id}:data.
func (h *Hub) BroadcastSensorData(sensorID int64, payload json.RawMessage, bridge bool) {
	wrapped, err := json.Marshal(map[string]interface{}{"type": "sensor_data", "data": payload})
	if err != nil {
		h.Log.Error().Err(err).Msg("marshal sensor_data failed")
		return
	}
	h.deliver(h.sensorRecipients(sensorID), wrapped)

	if !bridge || h.Cache == nil {
		return
	}
	channel := channelData(sensorID)
	if err := h.Cache.Publish(context.Background(), channel, payload); err != nil {
		h.Log.Error().Str("channel", channel).Err(err).Msg("publish failed")
	}
}

// BroadcastAlert delivers alert, wrapped as {type:"alert", data:alert}, to
// every local subscriber, and (when bridging) publishes the unwrapped alert
// to alerts:all. It satisfies analyzer.Broadcaster.
func (h *Hub) BroadcastAlert(alert model.Alert, bridge bool) {
	wrapped, err := json.Marshal(map[string]interface{}{"type": "alert", "data": alert})
	if err != nil {
		h.Log.Error().Err(err).Msg("marshal alert failed")
		return
	}
	h.deliver(h.allRecipients(), wrapped)

	if !bridge || h.Cache == nil {
		return
	}
	raw, err := json.Marshal(alert)
	if err != nil {
		h.Log.Error().Err(err).Msg("marshal alert payload failed")
		return
	}
	if err := h.Cache.Publish(context.Background(), channelAlertsAll, raw); err != nil {
		h.Log.Error().Str("channel", channelAlertsAll).Err(err).Msg("publish failed")
	}
}

// EnsureBridgeSubscription marks sensorID's channels as needed by the
// bridge task's next resubscribe pass; actual (re)subscription happens
// inside runBridge.
func (h *Hub) EnsureBridgeSubscription(sensorID int64) {
	if sensorID == AllSensors {
		return
	}
	h.bridgeMu.Lock()
	defer h.bridgeMu.Unlock()
	h.bridgeSubs[channelFeatures(sensorID)] = true
	h.bridgeSubs[channelData(sensorID)] = true
}

func (h *Hub) snapshotBridgeChannels() []string {
	h.bridgeMu.Lock()
	defer h.bridgeMu.Unlock()
	out := make([]string, 0, len(h.bridgeSubs)+2)
	out = append(out, channelBroadcastAll, channelAlertsAll)
	for ch := range h.bridgeSubs {
		out = append(out, ch)
	}
	return out
}
