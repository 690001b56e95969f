package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/healthsync/healthsync/internal/models"
	"github.com/healthsync/healthsync/internal/store"
)

// RTT thresholds for the network-quality signal sent to peers.
const (
	rttLow     = 150 * time.Millisecond
	rttVeryLow = 400 * time.Millisecond
)

type wsEnvelope struct {
	Type string          `json:"type"`
	From string          `json:"from,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func mustEnvelope(msgType, from string, data any) []byte {
	env := wsEnvelope{Type: msgType, From: from}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			panic(err)
		}
		env.Data = raw
	}
	payload, err := json.Marshal(env)
	if err != nil {
		panic(err)
	}
	return payload
}

type joinData struct {
	DisplayName string `json:"display_name"`
}

type joinedData struct {
	PeerID string `json:"peer_id"`
	Role   string `json:"role"`
}

type qualityData struct {
	Threshold string `json:"threshold"`
}

// RoomWS upgrades a peer's room connection and relays envelopes between
// the two participants of a consultation.
func (h *Handlers) RoomWS(c *gin.Context) {
	identity, err := h.identityFromRequest(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	key := c.Query("key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}

	now := h.nowFn()
	peerID := c.Query("peer_id")

	var role models.ParticipantRole
	if peerID == "" {
		// First contact over the socket: allocate a peer slot.
		if identity.Role == string(models.RoleClinician) {
			peerID, _, err = h.consults.EnsureClinicianPeer(key, now)
			role = models.RoleClinician
		} else {
			peerID, _, err = h.consults.JoinPatient(key, identity.Name, now)
			role = models.RolePatient
		}
	} else {
		role, _, _, err = h.consults.ValidatePeer(key, peerID, now)
	}
	if err != nil {
		switch err {
		case store.ErrConsultNotFound:
			c.JSON(http.StatusNotFound, gin.H{"error": "consultation not found"})
		case store.ErrConsultEnded:
			c.JSON(http.StatusConflict, gin.H{"error": "consultation ended"})
		case store.ErrConsultFull:
			c.JSON(http.StatusConflict, gin.H{"error": "consultation is full"})
		case store.ErrInvalidPeer:
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid peer_id"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("room ws upgrade failed", "key", key, "error", err)
		return
	}

	client := &wsClient{
		conn:     conn,
		send:     make(chan []byte, 32),
		roomKey:  key,
		clientID: peerID,
	}
	h.roomHub.Add(client)

	peer := &roomPeer{
		handlers: h,
		client:   client,
		key:      key,
		peerID:   peerID,
		role:     role,
		name:     identity.Name,
	}

	go peer.writePump()
	peer.readPump()
}

type roomPeer struct {
	handlers *Handlers
	client   *wsClient
	key      string
	peerID   string
	role     models.ParticipantRole
	name     string

	mu            sync.Mutex
	lastPingAt    time.Time
	lastThreshold string
}

func (p *roomPeer) readPump() {
	h := p.handlers
	conn := p.client.conn

	defer func() {
		_ = conn.Close()
		h.roomHub.Remove(p.key, p.peerID)
		h.consults.MarkPeerDisconnected(p.key, p.peerID, h.nowFn())
		h.roomHub.SendToOthers(p.key, p.peerID, mustEnvelope("peer-left", p.peerID, nil))
	}()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		p.observePong()
		return nil
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			h.logger.Debug("room ws bad json", "key", p.key, "error", err)
			continue
		}

		switch env.Type {
		case "join":
			var data joinData
			_ = json.Unmarshal(env.Data, &data)
			if data.DisplayName != "" {
				p.name = data.DisplayName
			}
			h.roomHub.SendTo(p.key, p.peerID, mustEnvelope("joined", "", joinedData{
				PeerID: p.peerID,
				Role:   string(p.role),
			}))
			h.roomHub.SendToOthers(p.key, p.peerID, mustEnvelope("peer-joined", p.peerID, joinData{
				DisplayName: p.name,
			}))

		case "leave":
			return

		case "media-state":
			// Echoed to everyone; each client reconciles its own state.
			h.roomHub.Broadcast(p.key, mustEnvelope("participant-updated", p.peerID, env.Data))

		case "app-message":
			h.roomHub.Broadcast(p.key, mustEnvelope("app-message", p.peerID, env.Data))

		default:
			// Unknown envelopes pass through to the other peer untouched.
			h.roomHub.SendToOthers(p.key, p.peerID, mustEnvelope(env.Type, p.peerID, env.Data))
		}
	}
}

func (p *roomPeer) writePump() {
	conn := p.client.conn
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg, ok := <-p.client.send:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			p.mu.Lock()
			p.lastPingAt = time.Now()
			p.mu.Unlock()
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// observePong turns ping round-trip time into the coarse threshold the
// client maps onto its quality indicator. Only changes are sent.
func (p *roomPeer) observePong() {
	p.mu.Lock()
	if p.lastPingAt.IsZero() {
		p.mu.Unlock()
		return
	}
	rtt := time.Since(p.lastPingAt)

	threshold := "good"
	switch {
	case rtt >= rttVeryLow:
		threshold = "very-low"
	case rtt >= rttLow:
		threshold = "low"
	}

	changed := threshold != p.lastThreshold
	p.lastThreshold = threshold
	p.mu.Unlock()

	if changed {
		p.handlers.roomHub.SendTo(p.key, p.peerID, mustEnvelope("network-quality", "", qualityData{
			Threshold: threshold,
		}))
	}
}
