package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// GetTURNConfig returns the ICE server list for peer connections. The
// TURN server is UDP-only, so only turn: and stun: schemes appear here;
// media encryption comes from DTLS-SRTP, not TURNS.
func (h *Handlers) GetTURNConfig(c *gin.Context) {
	if h.turnServer == nil {
		c.JSON(http.StatusOK, gin.H{"iceServers": []any{}})
		return
	}

	host := c.Request.Host
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}

	creds := h.turnServer.Credentials()
	turnURL := fmt.Sprintf("turn:%s:%d", host, h.cfg.TURNPort)
	stunURL := fmt.Sprintf("stun:%s:%d", host, h.cfg.TURNPort)

	iceServers := []map[string]any{
		{
			"urls": stunURL,
		},
		{
			"urls":       turnURL,
			"username":   creds.Username,
			"credential": creds.Password,
		},
	}

	c.JSON(http.StatusOK, gin.H{"iceServers": iceServers})
}
