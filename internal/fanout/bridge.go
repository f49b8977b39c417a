package fanout

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"vibrasense/internal/model"
)

// bridgeWaitTimeout bounds each MessageStream.Next call so the bridge loop
// re-checks cancellation roughly once a second even when idle.
const bridgeWaitTimeout = time.Second

// StartBridge launches the Pub/Sub bridge task described in spec §4.6: it
// subscribes to broadcast:all and alerts:all at boot, grows its
// subscription set as sensors acquire local subscribers, and replays every
// message it receives locally with bridge=false so a multi-instance
// deployment never amplifies its own broadcasts.
func (h *Hub) StartBridge(ctx context.Context) {
	bridgeCtx, cancel := context.WithCancel(ctx)
	h.bridgeStop = cancel
	h.bridgeDone = make(chan struct{})
	go h.runBridge(bridgeCtx)
}

// StopBridge cancels the bridge task and waits for it to exit.
func (h *Hub) StopBridge() {
	if h.bridgeStop == nil {
		return
	}
	h.bridgeStop()
	<-h.bridgeDone
}

func (h *Hub) runBridge(ctx context.Context) {
	defer close(h.bridgeDone)
	if h.Cache == nil {
		return
	}

	var stream model.MessageStream
	subscribed := map[string]bool{}
	resubscribe := func() {
		if stream != nil {
			stream.Close()
		}
		channels := h.snapshotBridgeChannels()
		stream = h.Cache.Subscribe(ctx, channels...)
		subscribed = make(map[string]bool, len(channels))
		for _, ch := range channels {
			subscribed[ch] = true
		}
	}
	resubscribe()
	defer func() {
		if stream != nil {
			stream.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if h.bridgeChannelsChanged(subscribed) {
			resubscribe()
		}

		waitCtx, cancel := context.WithTimeout(ctx, bridgeWaitTimeout)
		msg, ok := stream.Next(waitCtx)
		cancel()
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		h.dispatchBridgeMessage(ctx, msg)
	}
}

func (h *Hub) bridgeChannelsChanged(subscribed map[string]bool) bool {
	h.bridgeMu.Lock()
	defer h.bridgeMu.Unlock()
	for ch := range h.bridgeSubs {
		if !subscribed[ch] {
			return true
		}
	}
	return false
}

func (h *Hub) dispatchBridgeMessage(ctx context.Context, msg model.PubSubMessage) {
	if h.Metrics != nil {
		h.Metrics.BridgeMessagesTotal.WithLabelValues(msg.Channel).Inc()
	}

	switch {
	case msg.Channel == channelBroadcastAll:
		h.BroadcastToAll(ctx, msg.Payload, false)

	case msg.Channel == channelAlertsAll:
		var alert model.Alert
		if err := json.Unmarshal(msg.Payload, &alert); err != nil {
			h.Log.Error().Str("channel", msg.Channel).Err(err).Msg("bridge: decode alert failed")
			return
		}
		h.BroadcastAlert(alert, false)

	case strings.HasSuffix(msg.Channel, ":features"):
		sensorID, ok := parseSensorChannel(msg.Channel, ":features")
		if !ok {
			return
		}
		var feature model.BroadcastFeature
		if err := json.Unmarshal(msg.Payload, &feature); err != nil {
			h.Log.Error().Str("channel", msg.Channel).Err(err).Msg("bridge: decode feature failed")
			return
		}
		h.BroadcastFeatureUpdate(sensorID, feature, false)

	case strings.HasSuffix(msg.Channel, ":data"):
		sensorID, ok := parseSensorChannel(msg.Channel, ":data")
		if !ok {
			return
		}
		h.BroadcastSensorData(sensorID, json.RawMessage(msg.Payload), false)

	default:
		h.Log.Warn().Str("channel", msg.Channel).Msg("bridge: unrecognized channel, skipping")
	}
}

// parseSensorChannel extracts the sensor ID from "sensor:{id}:features" or
// "sensor:{id}:data".
func parseSensorChannel(channel, suffix string) (int64, bool) {
	const prefix = "sensor:"
	if !strings.HasPrefix(channel, prefix) || !strings.HasSuffix(channel, suffix) {
		return 0, false
	}
	idStr := strings.TrimSuffix(strings.TrimPrefix(channel, prefix), suffix)
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
