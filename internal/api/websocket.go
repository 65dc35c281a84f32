package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stelioszach03/nyc-subway-monitor/internal/eventbus"
	"github.com/stelioszach03/nyc-subway-monitor/internal/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessage is the envelope every frame on /ws uses in both directions.
type wsMessage struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp,omitempty"`
	Data      any    `json:"data,omitempty"`
	Filters   map[string]any `json:"filters,omitempty"`
}

const readDeadline = 60 * time.Second

func (h *handler) serveWS(w http.ResponseWriter, r *http.Request) {
	if h.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "ws_unavailable", "event bus not configured", true)
		return
	}
	if h.deps.WSMaxConnections > 0 && h.deps.Bus.SubscriberCount() >= h.deps.WSMaxConnections {
		writeError(w, http.StatusServiceUnavailable, "ws_capacity", "maximum subscribers reached", true)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: websocket upgrade failed: %v", err)
		return
	}

	clientID := "client_" + uuid.NewString()[:8]
	sub := h.deps.Bus.Subscribe(clientID, eventbus.Filter{})
	defer sub.Close()

	outbound := make(chan wsMessage, 32)
	stopHeartbeat := make(chan struct{})
	interval := h.deps.WSHeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopHeartbeat:
				return
			case t := <-ticker.C:
				select {
				case outbound <- wsMessage{
					Type:      "heartbeat",
					Timestamp: t.UTC().Format(time.RFC3339),
					Data:      map[string]any{"active_connections": h.deps.Bus.SubscriberCount()},
				}:
				default:
				}
			}
		}
	}()

	done := make(chan struct{})
	go readLoop(conn, sub, outbound, done)

	outbound <- wsMessage{Type: "connected", Timestamp: time.Now().UTC().Format(time.RFC3339), Data: map[string]string{"client_id": clientID}}

	writeLoop(conn, sub, outbound, done, stopHeartbeat)
}

// writeLoop is the single goroutine allowed to write to conn: it drains
// both the subscriber's matched anomalies and the control-message channel
// fed by the heartbeat ticker and the read loop, until either side signals
// the connection is over.
func writeLoop(conn *websocket.Conn, sub *eventbus.Subscriber, outbound chan wsMessage, done, stopHeartbeat chan struct{}) {
	defer close(stopHeartbeat)
	defer conn.Close()

	for {
		select {
		case <-done:
			return
		case a, ok := <-sub.Anomalies:
			if !ok {
				return
			}
			msg := wsMessage{Type: "anomaly", Timestamp: time.Now().UTC().Format(time.RFC3339), Data: a}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case reason, ok := <-sub.Disconnect:
			if ok {
				_ = conn.WriteJSON(wsMessage{Type: "error", Data: map[string]string{"reason": string(reason)}})
			}
			return
		case msg := <-outbound:
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

// readLoop handles client-initiated control messages (subscribe/ping) and
// feeds replies back through outbound. It closes done once the client
// disconnects, signaling writeLoop to tear down the connection too.
func readLoop(conn *websocket.Conn, sub *eventbus.Subscriber, outbound chan wsMessage, done chan struct{}) {
	defer close(done)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var in wsMessage
		if err := json.Unmarshal(raw, &in); err != nil {
			outbound <- wsMessage{Type: "error", Data: map[string]string{"message": "invalid JSON"}}
			continue
		}

		switch in.Type {
		case "subscribe":
			sub.SetFilter(filterFromMessage(in.Filters))
			outbound <- wsMessage{Type: "subscribed", Timestamp: time.Now().UTC().Format(time.RFC3339), Data: in.Filters}
		case "unsubscribe":
			sub.SetFilter(eventbus.Filter{})
			outbound <- wsMessage{Type: "unsubscribed"}
		case "ping":
			outbound <- wsMessage{Type: "pong", Timestamp: time.Now().UTC().Format(time.RFC3339)}
		}
	}
}

func filterFromMessage(raw map[string]any) eventbus.Filter {
	var f eventbus.Filter
	if line, ok := raw["line"].(string); ok {
		f.Line = line
	}
	if station, ok := raw["station"].(string); ok {
		f.Station = station
	}
	if min, ok := raw["severity_min"].(float64); ok {
		f.SeverityMin = min
	}
	if kinds, ok := raw["kinds"].([]any); ok {
		for _, k := range kinds {
			if s, ok := k.(string); ok {
				f.Kinds = append(f.Kinds, model.AnomalyKind(s))
			}
		}
	}
	return f
}
