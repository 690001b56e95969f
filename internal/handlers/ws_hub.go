package handlers

import (
	"sync"

	"github.com/gorilla/websocket"
)

type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	roomKey   string
	clientID  string
	closeOnce sync.Once
}

func (c *wsClient) trySend(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *wsClient) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Hub indexes websocket clients by room. The room relay and the chat
// relay each run their own instance.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[string]*wsClient // roomKey -> clientID -> client
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[string]*wsClient),
	}
}

func (h *Hub) Add(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.rooms[client.roomKey]
	if !ok {
		clients = make(map[string]*wsClient)
		h.rooms[client.roomKey] = clients
	}

	// Replace an existing connection for the same client id.
	if old := clients[client.clientID]; old != nil {
		_ = old.conn.Close()
		old.closeSend()
	}

	clients[client.clientID] = client
}

func (h *Hub) Remove(roomKey, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.rooms[roomKey]
	if !ok {
		return
	}

	if client, exists := clients[clientID]; exists {
		client.closeSend()
	}
	delete(clients, clientID)
	if len(clients) == 0 {
		delete(h.rooms, roomKey)
	}
}

func (h *Hub) SendTo(roomKey, clientID string, payload []byte) bool {
	h.mu.Lock()
	var client *wsClient
	if clients, ok := h.rooms[roomKey]; ok {
		client = clients[clientID]
	}
	h.mu.Unlock()

	if client == nil {
		return false
	}

	if !client.trySend(payload) {
		_ = client.conn.Close()
		return false
	}
	return true
}

func (h *Hub) SendToOthers(roomKey, fromClientID string, payload []byte) (delivered int) {
	h.mu.Lock()
	var others []*wsClient
	if clients, ok := h.rooms[roomKey]; ok {
		for clientID, client := range clients {
			if clientID == fromClientID {
				continue
			}
			others = append(others, client)
		}
	}
	h.mu.Unlock()

	for _, client := range others {
		if client.trySend(payload) {
			delivered++
		} else {
			_ = client.conn.Close()
		}
	}
	return delivered
}

func (h *Hub) Broadcast(roomKey string, payload []byte) {
	h.mu.Lock()
	var clients []*wsClient
	if byID, ok := h.rooms[roomKey]; ok {
		clients = make([]*wsClient, 0, len(byID))
		for _, client := range byID {
			clients = append(clients, client)
		}
	}
	h.mu.Unlock()

	for _, client := range clients {
		if !client.trySend(payload) {
			_ = client.conn.Close()
		}
	}
}

func (h *Hub) CloseRoom(roomKey string) {
	h.mu.Lock()
	clients, ok := h.rooms[roomKey]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.rooms, roomKey)
	h.mu.Unlock()

	for _, client := range clients {
		_ = client.conn.Close()
		client.closeSend()
	}
}
