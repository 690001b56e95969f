package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/healthsync/healthsync/internal/models"
	"github.com/healthsync/healthsync/internal/store"
)

// ChatWS relays room-scoped chat between participants. Messages are
// echoed back to the sender as well; clients deduplicate by message ID.
func (h *Handlers) ChatWS(c *gin.Context) {
	if _, err := h.identityFromRequest(c); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	key := c.Query("room")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room is required"})
		return
	}

	if _, err := h.consults.GetByKey(key, h.nowFn()); err != nil {
		switch err {
		case store.ErrConsultNotFound:
			c.JSON(http.StatusNotFound, gin.H{"error": "consultation not found"})
		case store.ErrConsultEnded:
			c.JSON(http.StatusConflict, gin.H{"error": "consultation ended"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("chat ws upgrade failed", "room", key, "error", err)
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		_ = conn.Close()
		return
	}

	client := &wsClient{
		conn:     conn,
		send:     make(chan []byte, 32),
		roomKey:  key,
		clientID: clientID,
	}
	h.chatHub.Add(client)

	go h.chatWritePump(client)
	h.chatReadPump(client)
}

func (h *Handlers) chatReadPump(client *wsClient) {
	conn := client.conn
	defer func() {
		_ = conn.Close()
		h.chatHub.Remove(client.roomKey, client.clientID)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			h.logger.Debug("chat ws bad json", "room", client.roomKey, "error", err)
			continue
		}

		switch env.Type {
		case "message":
			var msg models.ChatMessage
			if err := json.Unmarshal(env.Data, &msg); err != nil || msg.Text == "" {
				continue
			}
			msg.RoomKey = client.roomKey
			h.chatHub.Broadcast(client.roomKey, mustEnvelope("new-message", "", msg))

		case "user-typing", "user-stopped-typing":
			// Passed through verbatim; clients ignore their own sender.
			h.chatHub.Broadcast(client.roomKey, mustEnvelope(env.Type, "", env.Data))
		}
	}
}

func (h *Handlers) chatWritePump(client *wsClient) {
	conn := client.conn
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
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
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
