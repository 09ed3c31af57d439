package http

import (
	"net/http"
	"strings"
	"time"

	"peerlink/pkg/errors"
	"peerlink/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// TokenIssuer mints room tokens. signal.TokenAuthority implements it.
type TokenIssuer interface {
	Issue(roomID, subject string) (string, error)
	TTL() time.Duration
}

// RoomStats reports relay occupancy. signal.Server implements it.
type RoomStats interface {
	RoomCount() int
	PeerCount() int
}

type RoomHandler struct {
	issuer TokenIssuer
	stats  RoomStats
}

// NewRoomHandler wires the room API. A nil issuer disables token issuing.
func NewRoomHandler(issuer TokenIssuer, stats RoomStats) *RoomHandler {
	return &RoomHandler{issuer: issuer, stats: stats}
}

func (h *RoomHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/rooms")
	{
		api.GET("/stats", h.Stats)
		api.POST("/:room/tokens", h.IssueToken)
	}
}

type IssueTokenRequest struct {
	PeerID string `json:"peer_id" binding:"max=100"`
}

type IssueTokenResponse struct {
	Token     string `json:"token"`
	RoomID    string `json:"room_id"`
	PeerID    string `json:"peer_id"`
	ExpiresIn int    `json:"expires_in"`
}

func (h *RoomHandler) IssueToken(c *gin.Context) {
	if h.issuer == nil {
		c.Error(errors.NewNotFoundError("token endpoint"))
		return
	}

	roomID := c.Param("room")
	if err := validation.ValidateRoomID(roomID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	var req IssueTokenRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(errors.NewInvalidInputError("invalid request format"))
			return
		}
	}

	req.PeerID = strings.TrimSpace(req.PeerID)
	if req.PeerID == "" {
		req.PeerID = uuid.NewString()
	} else if err := validation.ValidatePeerID(req.PeerID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	token, err := h.issuer.Issue(roomID, req.PeerID)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to issue token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusCreated, IssueTokenResponse{
		Token:     token,
		RoomID:    roomID,
		PeerID:    req.PeerID,
		ExpiresIn: int(h.issuer.TTL().Seconds()),
	})
}

func (h *RoomHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"rooms": h.stats.RoomCount(),
		"peers": h.stats.PeerCount(),
	})
}
