package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-companion/internal/core"
	"github.com/vovakirdan/wirechat-companion/internal/store"
)

// CacheReader is the read side of the session store used by the REST API.
type CacheReader interface {
	GetSession(ctx context.Context, userID string) (store.CacheHint[store.SessionRecord], error)
	GetRoom(ctx context.Context, roomID string) (store.CacheHint[store.RoomSnapshot], error)
	Ping(ctx context.Context) error
}

// RoomHandlers provides HTTP handlers for history and cached state.
type RoomHandlers struct {
	pipeline *core.Pipeline
	cache    CacheReader
	log      *zerolog.Logger
}

// NewRoomHandlers creates a new room handlers instance.
func NewRoomHandlers(pipeline *core.Pipeline, cache CacheReader, logger *zerolog.Logger) *RoomHandlers {
	return &RoomHandlers{
		pipeline: pipeline,
		cache:    cache,
		log:      logger,
	}
}

// SessionResponse is the cached session of the caller.
type SessionResponse struct {
	UserID       string `json:"user_id"`
	Username     string `json:"username"`
	ConnectionID string `json:"connection_id"`
	ConnectedAt  string `json:"connected_at"`
}

// SnapshotResponse is the cached room snapshot.
type SnapshotResponse struct {
	RoomID        string `json:"room_id"`
	CompanionID   string `json:"companion_id"`
	CompanionName string `json:"companion_name,omitempty"`
	Room          any    `json:"room,omitempty"`
	CachedAt      string `json:"cached_at"`
}

// GetHistory returns one page of room history.
// GET /api/rooms/:room_id/messages?page=&limit=
func (h *RoomHandlers) GetHistory(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	page, err := queryInt(c, "page")
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: core.ErrCodeBadRequest, Message: "page must be a number"})
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: core.ErrCodeBadRequest, Message: "limit must be a number"})
		return
	}

	result, err := h.pipeline.History(c.Request.Context(), identity, core.HistoryRequest{
		RoomID: c.Param("room_id"),
		Page:   page,
		Limit:  limit,
	})
	if err != nil {
		ce := core.AsCoreError(err)
		c.JSON(statusForError(ce), ErrorResponse{Error: ce.Code, Message: ce.Message})
		return
	}

	c.JSON(http.StatusOK, historyToWire(result))
}

// GetSession returns the caller's cached session record.
// GET /api/session
func (h *RoomHandlers) GetSession(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	hint, err := h.cache.GetSession(c.Request.Context(), identity.UserID)
	if err != nil {
		h.log.Warn().Err(err).Str("user_id", identity.UserID).Msg("failed to read session")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "cache_unavailable"})
		return
	}
	if !hint.Found {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "session_not_found"})
		return
	}

	rec := hint.Value
	c.JSON(http.StatusOK, SessionResponse{
		UserID:       rec.UserID,
		Username:     rec.Username,
		ConnectionID: rec.ConnectionID,
		ConnectedAt:  rec.ConnectedAt.UTC().Format(time.RFC3339),
	})
}

// GetSnapshot returns the cached snapshot of a room the caller owns.
// GET /api/rooms/:room_id/snapshot
func (h *RoomHandlers) GetSnapshot(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	roomID := c.Param("room_id")
	hint, err := h.cache.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		h.log.Warn().Err(err).Str("room_id", roomID).Msg("failed to read room snapshot")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "cache_unavailable"})
		return
	}
	// Someone else's room looks the same as a missing one.
	if !hint.Found || hint.Value.OwnerUserID != identity.UserID {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: core.ErrCodeRoomNotFound})
		return
	}

	snap := hint.Value
	resp := SnapshotResponse{
		RoomID:        snap.RoomID,
		CompanionID:   snap.CompanionID,
		CompanionName: snap.CompanionName,
		CachedAt:      snap.CachedAt.UTC().Format(time.RFC3339),
	}
	if len(snap.Raw) > 0 {
		resp.Room = snap.Raw
	}
	c.JSON(http.StatusOK, resp)
}

func queryInt(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func statusForError(ce *core.CoreError) int {
	switch ce.Kind {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindAuth:
		return http.StatusUnauthorized
	case core.KindRateLimit:
		return http.StatusTooManyRequests
	case core.KindAuthorization:
		if ce.Code == core.ErrCodeRoomNotFound {
			return http.StatusNotFound
		}
		return http.StatusForbidden
	case core.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
