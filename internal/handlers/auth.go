package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/healthsync/healthsync/internal/models"
)

const sessionTTL = 24 * time.Hour

var errNoIdentity = errors.New("missing or invalid session token")

type identityClaims struct {
	Name string `json:"name"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type createSessionRequest struct {
	DisplayName string `json:"display_name" binding:"required"`
	Role        string `json:"role" binding:"required"`
}

// CreateSession issues a signed identity token for a display name and
// role. Every consultation endpoint and websocket expects one.
func (h *Handlers) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "display_name and role are required"})
		return
	}

	role := models.ParticipantRole(req.Role)
	if role != models.RoleClinician && role != models.RolePatient {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be clinician or patient"})
		return
	}

	now := h.nowFn()
	claims := identityClaims{
		Name: req.DisplayName,
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(h.cfg.JWTSecret))
	if err != nil {
		h.logger.Error("sign session token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      signed,
		"expires_at": claims.ExpiresAt.Unix(),
	})
}

// identityFromRequest reads the bearer token from the Authorization
// header, falling back to the token query parameter for websocket
// connects where headers are awkward to set.
func (h *Handlers) identityFromRequest(c *gin.Context) (*identityClaims, error) {
	raw := ""
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		raw = strings.TrimPrefix(header, "Bearer ")
	}
	if raw == "" {
		raw = c.Query("token")
	}
	if raw == "" {
		return nil, errNoIdentity
	}

	claims := &identityClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(h.cfg.JWTSecret), nil
	}, jwt.WithTimeFunc(h.nowFn))
	if err != nil || !token.Valid {
		return nil, errNoIdentity
	}
	return claims, nil
}
