package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"call-signaling/internal/auth"
	"call-signaling/internal/calls"
	"call-signaling/internal/media"
	"call-signaling/internal/signaling"
	"call-signaling/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CallService is the slice of signaling.Manager the control API drives.
type CallService interface {
	StartCall(ctx context.Context, receiverID string, kind calls.MediaKind) (calls.CallRecord, error)
	AnswerCall(ctx context.Context, callID string) error
	RejectCall(ctx context.Context, callID string) error
	EndCall(ctx context.Context) error
	SetTrackEnabled(ctx context.Context, kind media.TrackKind, enabled bool) error
	Snapshot() signaling.Snapshot
	OnStateChange(fn func(signaling.Snapshot)) (cancel func())
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call the signaling layer, return JSON.
type Handlers struct {
	Auth  *auth.Manager
	Calls CallService

	// Now defaults to time.Now.
	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// --- Auth ---

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h Handlers) Refresh(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	pair, err := h.Auth.Refresh(req.RefreshToken, h.now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// --- Calls ---

type startCallRequest struct {
	ReceiverID string          `json:"receiver_id"`
	MediaKind  calls.MediaKind `json:"media_kind"`
}

func (h Handlers) GetCall(c *gin.Context) {
	c.JSON(http.StatusOK, h.Calls.Snapshot())
}

func (h Handlers) StartCall(c *gin.Context) {
	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.ReceiverID == "" || !req.MediaKind.Valid() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "receiver_id and media_kind (voice or video) required"})
		return
	}
	rec, err := h.Calls.StartCall(c.Request.Context(), req.ReceiverID, req.MediaKind)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h Handlers) AnswerCall(c *gin.Context) {
	if err := h.Calls.AnswerCall(c.Request.Context(), c.Param("call_id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.Calls.Snapshot())
}

func (h Handlers) RejectCall(c *gin.Context) {
	if err := h.Calls.RejectCall(c.Request.Context(), c.Param("call_id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.Calls.Snapshot())
}

func (h Handlers) EndCall(c *gin.Context) {
	if err := h.Calls.EndCall(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.Calls.Snapshot())
}

type trackRequest struct {
	Track   media.TrackKind `json:"track"`
	Enabled *bool           `json:"enabled"`
}

// SetTrack mutes or unmutes a local input of the current call.
func (h Handlers) SetTrack(c *gin.Context) {
	var req trackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Track == "" || req.Enabled == nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "track and enabled required"})
		return
	}
	if err := h.Calls.SetTrackEnabled(c.Request.Context(), req.Track, *req.Enabled); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.Calls.Snapshot())
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.FromGin(c).Error("call operation failed", "err", err, "status", status)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, signaling.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, signaling.ErrNoSuchCall):
		return http.StatusNotFound
	case errors.Is(err, signaling.ErrBusy),
		errors.Is(err, signaling.ErrInvalidState),
		errors.Is(err, signaling.ErrCallEnded):
		return http.StatusConflict
	case errors.Is(err, signaling.ErrMediaUnavailable),
		errors.Is(err, signaling.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, signaling.ErrOfferTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, signaling.ErrPersistence),
		errors.Is(err, signaling.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
