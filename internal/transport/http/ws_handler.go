package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	stdhttp "net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/wirechat-companion/internal/auth"
	"github.com/vovakirdan/wirechat-companion/internal/config"
	"github.com/vovakirdan/wirechat-companion/internal/core"
	"github.com/vovakirdan/wirechat-companion/internal/metrics"
	"github.com/vovakirdan/wirechat-companion/internal/proto"
)

// errEventsClosed ends a connection whose event stream was closed by the hub.
var errEventsClosed = errors.New("event stream closed")

// WSHandler authenticates upgrade requests and bridges them to core.Client.
type WSHandler struct {
	hub  *core.Hub
	gate *auth.Gate
	cfg  *config.Config
	log  *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(hub *core.Hub, gate *auth.Gate, cfg *config.Config, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{hub: hub, gate: gate, cfg: cfg, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	if v := r.URL.Query().Get("v"); v != "" && v != strconv.Itoa(proto.ProtocolVersion) {
		writeJSON(w, stdhttp.StatusBadRequest, ErrorResponse{
			Error:   "unsupported_version",
			Message: fmt.Sprintf("protocol version %d is required", proto.ProtocolVersion),
		})
		return
	}

	connID := uuid.NewString()
	identity, err := h.gate.Authenticate(r.Context(), auth.Attempt{
		Credential:   auth.CredentialFromRequest(r),
		ConnectionID: connID,
		RemoteAddr:   r.RemoteAddr,
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		var gateErr *auth.GateError
		if errors.As(err, &gateErr) {
			metrics.GateRejections.WithLabelValues(gateErr.Reason).Inc()
			writeJSON(w, gateErr.HTTPStatus(), ErrorResponse{Error: gateErr.Reason, Message: gateErr.Summary()})
			return
		}
		h.log.Error().Err(err).Msg("authenticate connection")
		writeJSON(w, stdhttp.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     h.cfg.AllowedOrigins,
		InsecureSkipVerify: len(h.cfg.AllowedOrigins) == 0,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.CloseNow()
	if h.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageBytes)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := core.NewClient(connID, *identity)
	h.hub.Connect(ctx, client)
	defer h.hub.Disconnect(client)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.readLoop(gctx, conn, client) })
	g.Go(func() error { return h.writeLoop(gctx, conn, client) })
	g.Go(func() error { return h.pingLoop(gctx, conn) })

	status, reason := closeStatus(g.Wait())
	if status == websocket.StatusInternalError {
		h.log.Warn().Str("client_id", client.ID).Object("identity", client.Identity).Str("reason", reason).Msg("ws connection closed with error")
	}
	conn.Close(status, reason)
}

func closeStatus(err error) (websocket.StatusCode, string) {
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, io.EOF):
		return websocket.StatusNormalClosure, "closing"
	case errors.Is(err, errEventsClosed):
		return websocket.StatusGoingAway, "server shutting down"
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return websocket.StatusNormalClosure, "closing"
	case websocket.StatusMessageTooBig:
		return websocket.StatusMessageTooBig, "message too big"
	}
	return websocket.StatusInternalError, "internal error"
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *core.Client) error {
	limiter := newRateLimiter(h.cfg.WSEventsPerMinute)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			h.log.Debug().Err(err).Str("client_id", client.ID).Msg("read ws inbound")
			return err
		}

		var inbound proto.Inbound
		if typ != websocket.MessageText || json.Unmarshal(data, &inbound) != nil {
			if err := h.writeError(ctx, conn, "", badRequest("message must be a JSON object")); err != nil {
				return err
			}
			continue
		}

		if !limiter.allow() {
			metrics.FloodDrops.Inc()
			if err := h.writeFlood(ctx, conn, inbound); err != nil {
				return err
			}
			continue
		}

		cmd, protoErr := inboundToCommand(inbound)
		if protoErr != nil {
			if err := h.writeError(ctx, conn, inbound.ID, protoErr); err != nil {
				return err
			}
			continue
		}
		if err := client.Submit(ctx, cmd); err != nil {
			return err
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *core.Client) error {
	for {
		select {
		case event, ok := <-client.Events:
			if !ok {
				return errEventsClosed
			}
			if err := wsjson.Write(ctx, conn, outboundFromEvent(event)); err != nil {
				h.log.Debug().Err(err).Str("client_id", client.ID).Msg("write ws event")
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *WSHandler) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	if h.cfg.PingInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.cfg.PingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// writeFlood answers a dropped event. Acknowledged operations also get a
// failed ack so the client stops waiting.
func (h *WSHandler) writeFlood(ctx context.Context, conn *websocket.Conn, inbound proto.Inbound) error {
	if inbound.ID != "" && (inbound.Type == proto.InboundTypeSend || inbound.Type == proto.InboundTypeContinue) {
		ack := proto.Outbound{
			Type: proto.OutboundTypeAck,
			ID:   inbound.ID,
			Data: proto.AckData{OK: false, Error: core.ErrCodeTooManyEvents},
		}
		if err := wsjson.Write(ctx, conn, ack); err != nil {
			return err
		}
	}
	return h.writeError(ctx, conn, inbound.ID, &proto.Error{
		Code:    core.ErrCodeTooManyEvents,
		Message: "too many events, slow down",
	})
}

func (h *WSHandler) writeError(ctx context.Context, conn *websocket.Conn, id string, protoErr *proto.Error) error {
	return wsjson.Write(ctx, conn, proto.Outbound{
		Type:  proto.OutboundTypeError,
		Event: proto.EventError,
		ID:    id,
		Error: protoErr,
	})
}

func writeJSON(w stdhttp.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
