package core

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-companion/internal/metrics"
	"github.com/vovakirdan/wirechat-companion/internal/store"
	"github.com/vovakirdan/wirechat-companion/internal/upstream"
)

const cacheWriteTimeout = 2 * time.Second

// RoomLookup fetches the authoritative room record.
type RoomLookup interface {
	Room(ctx context.Context, token, roomID string) (*upstream.Room, error)
}

// RoomCache receives write-through room snapshots.
type RoomCache interface {
	SaveRoom(ctx context.Context, snap store.RoomSnapshot) error
}

// Router implements join and leave on top of the registry.
type Router struct {
	registry *Registry
	rooms    RoomLookup
	cache    RoomCache
	log      zerolog.Logger
}

// NewRouter builds a Router. cache may be nil.
func NewRouter(registry *Registry, rooms RoomLookup, cache RoomCache, logger *zerolog.Logger) *Router {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "router").Logger()
	}
	return &Router{registry: registry, rooms: rooms, cache: cache, log: l}
}

// Join verifies that the caller owns roomID, subscribes c and confirms the
// join to c only. Ownership is checked against the room service every time.
func (r *Router) Join(ctx context.Context, c *Client, roomID string) error {
	if roomID == "" {
		return coreError(KindValidation, ErrCodeMissingRoomID, "room_id is required")
	}

	room, err := r.rooms.Room(ctx, c.Identity.Credential, roomID)
	if err != nil {
		return r.lookupError(roomID, err)
	}
	if room.UserID.String() != c.UserID() {
		r.log.Info().Str("room_id", roomID).Object("identity", c.Identity).Msg("join refused: not the room owner")
		return coreError(KindAuthorization, ErrCodeForbiddenRoom, "you do not have access to this room")
	}

	entry := ActiveRoom{
		RoomID:        roomID,
		OwnerUserID:   room.UserID.String(),
		CompanionID:   room.CharacterID.String(),
		CompanionName: room.CompanionName(),
		JoinedAt:      time.Now().UTC(),
		Raw:           room.Raw,
	}
	if prev := r.registry.Subscribe(c, entry); prev != "" {
		r.log.Debug().Str("client_id", c.ID).Str("from", prev).Str("to", roomID).Msg("switched room")
	}
	r.writeThrough(ctx, entry)

	c.reply(&Event{
		Kind:     EventRoomJoined,
		Room:     roomID,
		Snapshot: room.Raw,
		At:       entry.JoinedAt,
	})
	return nil
}

// Leave unsubscribes c and confirms. Leaving a room c is not in is not an error.
func (r *Router) Leave(c *Client, roomID string) error {
	if roomID == "" {
		return coreError(KindValidation, ErrCodeMissingRoomID, "room_id is required")
	}
	r.registry.Unsubscribe(c, roomID)
	c.reply(&Event{Kind: EventRoomLeft, Room: roomID, At: time.Now().UTC()})
	return nil
}

func (r *Router) lookupError(roomID string, err error) *CoreError {
	if errors.Is(err, upstream.ErrNotFound) {
		return coreError(KindAuthorization, ErrCodeRoomNotFound, "room not found")
	}
	switch upstream.StatusCode(err) {
	case 401, 403:
		return coreError(KindAuthorization, ErrCodeForbiddenRoom, "you do not have access to this room")
	}
	r.log.Warn().Err(err).Str("room_id", roomID).Msg("room lookup failed")
	ce := coreError(KindUpstream, ErrCodeRoomUnavailable, "could not load the room, try again")
	ce.Status = upstream.StatusCode(err)
	return ce
}

// writeThrough stores the snapshot without blocking or failing the join.
func (r *Router) writeThrough(ctx context.Context, entry ActiveRoom) {
	if r.cache == nil {
		return
	}
	snap := store.RoomSnapshot{
		RoomID:        entry.RoomID,
		OwnerUserID:   entry.OwnerUserID,
		CompanionID:   entry.CompanionID,
		CompanionName: entry.CompanionName,
		Raw:           entry.Raw,
		CachedAt:      entry.JoinedAt,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheWriteTimeout)
		defer cancel()
		if err := r.cache.SaveRoom(ctx, snap); err != nil {
			metrics.CacheErrors.WithLabelValues("save_room").Inc()
			r.log.Warn().Err(err).Str("room_id", snap.RoomID).Msg("room cache write failed")
		}
	}()
}
