package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/healthsync/healthsync/internal/models"
	"github.com/healthsync/healthsync/internal/store"
)

type createConsultResponse struct {
	Key    string               `json:"key"`
	Status models.ConsultStatus `json:"status"`
}

type consultParticipants struct {
	Count int `json:"count"`
}

type getConsultResponse struct {
	Key          string               `json:"key"`
	Status       models.ConsultStatus `json:"status"`
	Participants consultParticipants  `json:"participants"`
}

type joinConsultResponse struct {
	Key    string `json:"key"`
	PeerID string `json:"peer_id"`
}

type provisionRoomResponse struct {
	Key     string `json:"key"`
	RoomURL string `json:"room_url,omitempty"`
	Demo    bool   `json:"demo,omitempty"`
}

type summaryRequest struct {
	DurationSeconds int  `json:"duration_seconds"`
	EmergencyFlag   bool `json:"emergency_flag"`
}

func (h *Handlers) CreateConsultation(c *gin.Context) {
	identity, err := h.identityFromRequest(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	if identity.Role != string(models.RoleClinician) {
		c.JSON(http.StatusForbidden, gin.H{"error": "only clinicians can open consultations"})
		return
	}

	now := h.nowFn()
	consult, err := h.consults.Create(identity.Name, now)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if _, err := h.records.CreateConsultation(consult.Key, identity.Name, now); err != nil {
		h.logger.Error("create consultation record", "key", consult.Key, "error", err)
	}

	c.JSON(http.StatusOK, createConsultResponse{Key: consult.Key, Status: consult.Status})
}

func (h *Handlers) GetConsultation(c *gin.Context) {
	key := c.Param("key")
	consult, err := h.consults.GetByKey(key, h.nowFn())
	if err != nil {
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

	c.JSON(http.StatusOK, getConsultResponse{
		Key:    consult.Key,
		Status: consult.Status,
		Participants: consultParticipants{
			Count: consult.ParticipantsCount(),
		},
	})
}

func (h *Handlers) JoinConsultation(c *gin.Context) {
	identity, err := h.identityFromRequest(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	key := c.Param("key")
	now := h.nowFn()

	var peerID string
	var consult *models.Consultation
	if identity.Role == string(models.RoleClinician) {
		peerID, consult, err = h.consults.EnsureClinicianPeer(key, now)
	} else {
		peerID, consult, err = h.consults.JoinPatient(key, identity.Name, now)
	}
	if err != nil {
		switch err {
		case store.ErrConsultNotFound:
			c.JSON(http.StatusNotFound, gin.H{"error": "consultation not found"})
			return
		case store.ErrConsultFull:
			c.JSON(http.StatusConflict, gin.H{"error": "consultation is full"})
			return
		case store.ErrConsultEnded:
			c.JSON(http.StatusConflict, gin.H{"error": "consultation ended"})
			return
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	if identity.Role == string(models.RolePatient) {
		if err := h.records.SetPatient(key, identity.Name); err != nil {
			h.logger.Error("record patient join", "key", key, "error", err)
		}
	}

	c.JSON(http.StatusOK, joinConsultResponse{Key: consult.Key, PeerID: peerID})
}

// ProvisionRoom hands out the realtime room endpoint for a live
// consultation. When the room service is disabled the response carries
// demo=true and no URL, which tells clients to run in local fallback.
func (h *Handlers) ProvisionRoom(c *gin.Context) {
	if _, err := h.identityFromRequest(c); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	key := c.Param("key")
	consult, err := h.consults.GetByKey(key, h.nowFn())
	if err != nil {
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

	if !h.cfg.RoomServiceEnabled {
		c.JSON(http.StatusOK, provisionRoomResponse{Key: consult.Key, Demo: true})
		return
	}

	c.JSON(http.StatusOK, provisionRoomResponse{
		Key:     consult.Key,
		RoomURL: h.wsBase(c) + "/ws/room?key=" + consult.Key,
	})
}

func (h *Handlers) EndConsultation(c *gin.Context) {
	if _, err := h.identityFromRequest(c); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	key := c.Param("key")
	consult, err := h.consults.End(key, h.nowFn())
	if err != nil {
		if err == store.ErrConsultNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "consultation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Tell connected peers the room is gone before dropping sockets.
	h.roomHub.Broadcast(key, mustEnvelope("left", "", nil))
	h.roomHub.CloseRoom(key)
	h.chatHub.CloseRoom(key)

	c.JSON(http.StatusOK, createConsultResponse{Key: consult.Key, Status: consult.Status})
}

// SaveSummary records the final duration for a finished consultation.
func (h *Handlers) SaveSummary(c *gin.Context) {
	if _, err := h.identityFromRequest(c); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	key := c.Param("key")
	var req summaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid summary payload"})
		return
	}
	if req.DurationSeconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "duration_seconds must not be negative"})
		return
	}

	if err := h.records.SaveSummary(key, req.DurationSeconds, h.nowFn()); err != nil {
		if err == store.ErrConsultNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "consultation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if req.EmergencyFlag {
		if err := h.records.FlagEmergency(key); err != nil {
			h.logger.Error("flag emergency", "key", key, "error", err)
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// wsBase derives the websocket origin for this server, preferring the
// configured public URL over the incoming request host.
func (h *Handlers) wsBase(c *gin.Context) string {
	if h.cfg.PublicURL != "" {
		base := h.cfg.PublicURL
		base = strings.Replace(base, "https://", "wss://", 1)
		base = strings.Replace(base, "http://", "ws://", 1)
		return strings.TrimSuffix(base, "/")
	}

	scheme := "ws"
	if c.Request.TLS != nil {
		scheme = "wss"
	}
	return scheme + "://" + c.Request.Host
}
