package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type subscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	Keys     struct {
		P256DH string `json:"p256dh" binding:"required"`
		Auth   string `json:"auth" binding:"required"`
	} `json:"keys" binding:"required"`
}

// Subscribe stores a browser push subscription for the authenticated
// user. One subscription per user; re-subscribing replaces it.
func (h *Handlers) Subscribe(c *gin.Context) {
	identity, err := h.identityFromRequest(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subscription payload"})
		return
	}

	sub, err := h.records.ReplaceSubscription(identity.Name, req.Endpoint, req.Keys.P256DH, req.Keys.Auth)
	if err != nil {
		h.logger.Error("store push subscription", "user", identity.Name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not store subscription"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": sub.ID})
}

// Unsubscribe removes a stored subscription. Removing one that is
// already gone succeeds.
func (h *Handlers) Unsubscribe(c *gin.Context) {
	identity, err := h.identityFromRequest(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	var req struct {
		Endpoint string `json:"endpoint" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint is required"})
		return
	}

	err = h.records.DeleteSubscription(identity.Name, req.Endpoint)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		h.logger.Error("delete push subscription", "user", identity.Name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not delete subscription"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// VAPIDPublicKey exposes the server's push public key so clients can
// subscribe.
func (h *Handlers) VAPIDPublicKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"public_key": h.cfg.VAPIDKeys.PublicKey})
}
