// Package hub fans reconciled real-time entries out to websocket clients.
// Clients subscribe to topics: a stop, a trip or a map tile of vehicle
// positions. The hub is a poller sink.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"transitfuse/internal/domain"
)

func StopTopic(stopID string) string  { return "stop:" + stopID }
func TripTopic(tripKey string) string { return "trip:" + tripKey }
func TileTopic(t Tile) string         { return "tile:" + t.String() }

// Topics lists the topics an entry is delivered on
func Topics(e *domain.ReconciledEntry) []string {
	switch e.Kind {
	case domain.KindVehiclePosition:
		var out []string
		if key := e.TripKey(); key != "" {
			out = append(out, TripTopic(key))
		}
		if e.Vehicle != nil {
			out = append(out, TileTopic(TileAt(e.Vehicle.Lat, e.Vehicle.Lon, TileZoom)))
		}
		return out
	case domain.KindAlert:
		if e.Alert == nil {
			return nil
		}
		out := make([]string, 0, len(e.Alert.StopIDs)+len(e.Alert.TripIDs))
		for _, id := range e.Alert.StopIDs {
			out = append(out, StopTopic(id))
		}
		for _, id := range e.Alert.TripIDs {
			out = append(out, TripTopic(id))
		}
		return out
	default:
		return []string{StopTopic(e.StopID), TripTopic(e.TripKey())}
	}
}

type Client struct {
	ID     string
	Send   chan []byte
	mu     sync.RWMutex
	topics map[string]struct{}
}

func NewClient(id string, bufferSize int) *Client {
	return &Client{
		ID:     id,
		Send:   make(chan []byte, bufferSize),
		topics: make(map[string]struct{}),
	}
}

func (c *Client) Topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}

type Hub struct {
	mu           sync.RWMutex
	clients      map[*Client]struct{}
	topicClients map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan []domain.ReconciledEntry

	onCount func(int)
	logger  *slog.Logger
}

// NewHub creates a hub; onCount, when set, observes the connected client count
func NewHub(logger *slog.Logger, onCount func(int)) *Hub {
	return &Hub{
		clients:      make(map[*Client]struct{}),
		topicClients: make(map[string]map[*Client]struct{}),
		register:     make(chan *Client, 16),
		unregister:   make(chan *Client, 16),
		broadcast:    make(chan []domain.ReconciledEntry, 256),
		onCount:      onCount,
		logger:       logger.With("component", "hub"),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.countChanged(n)
			h.logger.Debug("client registered", "client_id", client.ID, "total", n)

		case client := <-h.unregister:
			h.removeClient(client)

		case entries := <-h.broadcast:
			h.fanout(entries)
		}
	}
}

func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.mu.Lock()
	defer client.mu.Unlock()
	for _, t := range topics {
		client.topics[t] = struct{}{}
		if h.topicClients[t] == nil {
			h.topicClients[t] = make(map[*Client]struct{})
		}
		h.topicClients[t][client] = struct{}{}
	}
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.mu.Lock()
	defer client.mu.Unlock()
	for _, t := range topics {
		delete(client.topics, t)
		h.detach(client, t)
	}
}

func (h *Hub) detach(client *Client, topic string) {
	if subs := h.topicClients[topic]; subs != nil {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.topicClients, topic)
		}
	}
}

// Publish implements the poller's sink contract. A full broadcast queue drops
// the batch rather than stalling the poll cycle.
func (h *Hub) Publish(_ context.Context, entries []domain.ReconciledEntry) {
	if len(entries) == 0 {
		return
	}
	select {
	case h.broadcast <- entries:
	default:
		h.logger.Warn("broadcast channel full, dropping entries", "count", len(entries))
	}
}

func (h *Hub) Register(client *Client) {
	h.register <- client
}

func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type Message struct {
	Type    string  `json:"type"`
	Payload Payload `json:"payload"`
}

type Payload struct {
	Entries []domain.ReconciledEntry `json:"entries"`
}

// Encode builds a typed message carrying entries
func Encode(msgType string, entries []domain.ReconciledEntry) ([]byte, error) {
	if entries == nil {
		entries = []domain.ReconciledEntry{}
	}
	return json.Marshal(Message{Type: msgType, Payload: Payload{Entries: entries}})
}

func (h *Hub) fanout(entries []domain.ReconciledEntry) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	perClient := make(map[*Client][]domain.ReconciledEntry)
	for i := range entries {
		seen := make(map[*Client]bool)
		for _, topic := range Topics(&entries[i]) {
			for client := range h.topicClients[topic] {
				if seen[client] {
					continue
				}
				seen[client] = true
				perClient[client] = append(perClient[client], entries[i])
			}
		}
	}

	for client, es := range perClient {
		data, err := Encode("update", es)
		if err != nil {
			continue
		}
		select {
		case client.Send <- data:
		default:
			h.logger.Debug("client send buffer full", "client_id", client.ID)
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	for _, t := range client.Topics() {
		h.detach(client, t)
	}
	delete(h.clients, client)
	close(client.Send)
	n := len(h.clients)
	h.mu.Unlock()

	h.countChanged(n)
	h.logger.Debug("client unregistered", "client_id", client.ID, "total", n)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.Send)
	}
	h.clients = make(map[*Client]struct{})
	h.topicClients = make(map[string]map[*Client]struct{})
}

func (h *Hub) countChanged(n int) {
	if h.onCount != nil {
		h.onCount(n)
	}
}
