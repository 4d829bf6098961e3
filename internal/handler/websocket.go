package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"transitfuse/internal/domain"
	"transitfuse/internal/hub"
	"transitfuse/internal/store"
)

type WSHandler struct {
	hub    *hub.Hub
	store  *store.Store
	logger *slog.Logger
}

func NewWSHandler(h *hub.Hub, s *store.Store, logger *slog.Logger) *WSHandler {
	return &WSHandler{hub: h, store: s, logger: logger.With("component", "websocket")}
}

type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload selects topics by stop, trip, map tile or bounding box.
// BBox is minLat,minLon,maxLat,maxLon and expands to tiles.
type SubscribePayload struct {
	Stops []string  `json:"stops,omitempty"`
	Trips []string  `json:"trips,omitempty"`
	Tiles []string  `json:"tiles,omitempty"`
	BBox  []float64 `json:"bbox,omitempty"`
}

type controlMessage struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}

	client := hub.NewClient(uuid.New().String(), 256)
	h.hub.Register(client)
	ServerStats.IncWSConnections()
	defer ServerStats.DecWSConnections()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writeLoop(ctx, conn, client)

	h.readLoop(ctx, conn, client)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	defer func() {
		h.hub.Unregister(client)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				h.logger.Debug("websocket read error", "client_id", client.ID, "error", err)
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		ServerStats.IncWSMessagesIn()

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("invalid message format", "client_id", client.ID, "error", err)
			h.sendControl(client, controlMessage{Type: "error", Error: "invalid message"})
			continue
		}

		switch msg.Type {
		case "subscribe", "unsubscribe":
			var payload SubscribePayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				h.sendControl(client, controlMessage{Type: "error", Error: "invalid payload"})
				continue
			}
			topics, err := payload.topics()
			if err != nil {
				h.sendControl(client, controlMessage{Type: "error", Error: err.Error()})
				continue
			}
			if len(topics) == 0 {
				continue
			}
			if msg.Type == "subscribe" {
				h.hub.Subscribe(client, topics)
				h.sendSnapshot(client, payload, topics)
			} else {
				h.hub.Unsubscribe(client, topics)
			}

		case "ping":
			h.sendControl(client, controlMessage{Type: "pong"})
		}
	}
}

func (p SubscribePayload) topics() ([]string, error) {
	var out []string
	for _, id := range p.Stops {
		out = append(out, hub.StopTopic(id))
	}
	for _, id := range p.Trips {
		out = append(out, hub.TripTopic(id))
	}
	for _, s := range p.Tiles {
		t, err := hub.ParseTile(s)
		if err != nil {
			return nil, err
		}
		out = append(out, hub.TileTopic(t))
	}
	if len(p.BBox) > 0 {
		if len(p.BBox) != 4 {
			return nil, errInvalidBBox
		}
		tiles, err := hub.TilesInBBox(p.BBox[0], p.BBox[1], p.BBox[2], p.BBox[3], hub.TileZoom)
		if err != nil {
			return nil, err
		}
		for _, t := range tiles {
			out = append(out, hub.TileTopic(t))
		}
	}
	return out, nil
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-client.Send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
			ServerStats.IncWSMessagesOut()

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// sendSnapshot replays the current store content for newly subscribed topics
func (h *WSHandler) sendSnapshot(client *hub.Client, p SubscribePayload, topics []string) {
	var entries []domain.ReconciledEntry
	for _, id := range p.Stops {
		entries = append(entries, h.store.ByStop(id)...)
	}
	for _, id := range p.Trips {
		entries = append(entries, h.store.ByTrip(id)...)
	}

	wanted := make(map[string]bool, len(topics))
	for _, t := range topics {
		wanted[t] = true
	}
	for _, v := range h.store.Vehicles() {
		if v.Vehicle != nil && wanted[hub.TileTopic(hub.TileAt(v.Vehicle.Lat, v.Vehicle.Lon, hub.TileZoom))] {
			entries = append(entries, v)
		}
	}

	data, err := hub.Encode("snapshot", entries)
	if err != nil {
		return
	}
	select {
	case client.Send <- data:
	default:
		h.logger.Debug("failed to send snapshot, buffer full", "client_id", client.ID)
	}
}

func (h *WSHandler) sendControl(client *hub.Client, msg controlMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}
