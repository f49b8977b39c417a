package fanout

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

type pingFrame struct {
	Type string `json:"type"`
}

type pongFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func isPingFrame(raw []byte) bool {
	if string(raw) == "ping" {
		return true
	}
	var f pingFrame
	if err := json.Unmarshal(raw, &f); err == nil && f.Type == "ping" {
		return true
	}
	return false
}

// writePump relays queued outbound messages to the WebSocket connection and
// sends periodic pings so idle connections are detected. It returns (and
// the caller closes the socket) when the send channel is closed by
// Disconnect or a write fails.
func (s *Subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump answers client-initiated pings with a pong frame; this
// pipeline's subscribers are otherwise receive-only, so every other inbound
// frame is discarded. It disconnects the subscriber from the hub once the
// connection drops.
func (s *Subscriber) readPump(h *Hub) {
	defer h.Disconnect(s)

	s.conn.SetReadLimit(readLimit)
	s.conn.SetReadDeadline(time.Now().Add(readWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if isPingFrame(raw) {
			pong, err := json.Marshal(pongFrame{Type: "pong", Timestamp: time.Now().UTC()})
			if err != nil {
				continue
			}
			h.SendPersonal(s, pong)
		}
	}
}

// ServeSubscriber registers conn as a subscriber to sensorID and starts its
// read/write pumps. It blocks until the connection closes.
func (h *Hub) ServeSubscriber(ctx context.Context, id string, conn *websocket.Conn, sensorID int64) {
	sub := NewSubscriber(id, conn)
	h.Connect(ctx, sub, sensorID)
	h.EnsureBridgeSubscription(sensorID)

	done := make(chan struct{})
	go func() {
		sub.writePump()
		close(done)
	}()

	h.Log.Info().Str("subscriber_id", id).Int64("sensor_id", sensorID).Msg("subscriber connected")
	sub.readPump(h)
	<-done
}
