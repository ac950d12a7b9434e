// Package ws is the duplex transport: it accepts websocket connections,
// decodes the session message vocabulary and drives the registry. It owns
// no session state beyond which session a connection has joined.
package ws

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/PRATHAMU200/knightfight/internal/obslog"
	"github.com/PRATHAMU200/knightfight/internal/session"
	"github.com/PRATHAMU200/knightfight/pkg/wire"
)

type Handler struct {
	reg        *session.Registry
	origins    []string
	sendBuffer int
}

func NewHandler(reg *session.Registry, origins []string, sendBuffer int) *Handler {
	return &Handler{reg: reg, origins: origins, sendBuffer: sendBuffer}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	}
	if len(h.origins) > 0 {
		opts.OriginPatterns = h.origins
	} else {
		opts.InsecureSkipVerify = true
	}
	sock, err := websocket.Accept(w, r, opts)
	if err != nil {
		obslog.L().Warn("ws_accept_error", zap.Error(err))
		return
	}

	c := newConn(sock, h.sendBuffer)
	obslog.L().Info("ws_connect", zap.String("conn_id", c.ID()))

	ctx := r.Context()
	go c.writePump(ctx)
	h.readLoop(ctx, c)

	c.stop()
	h.reg.Leave(c.ID())
	_ = sock.Close(websocket.StatusNormalClosure, "bye")
	obslog.L().Info("ws_disconnect", zap.String("conn_id", c.ID()))
}

// readLoop decodes frames until the socket breaks or the client leaves.
// An abrupt disconnect falls through to the same Leave path as an explicit
// leave frame.
func (h *Handler) readLoop(ctx context.Context, c *conn) {
	var joined string // session id this connection is a member of
	for {
		var env wire.Envelope
		if err := wsjson.Read(ctx, c.ws, &env); err != nil {
			return
		}
		switch env.Type {
		case wire.TypeJoin:
			var p wire.Join
			if err := env.Decode(&p); err != nil {
				c.Send(notice("badPayload", err.Error()))
				continue
			}
			if joined != "" && joined != p.SessionID {
				// one session per connection; switching leaves the old one
				h.reg.Leave(c.ID())
				joined = ""
			}
			requested := session.RequestPlayer
			if p.Role == string(session.RequestSpectator) {
				requested = session.RequestSpectator
			}
			_, err := h.reg.Join(ctx, p.SessionID, p.Principal, c, requested)
			switch {
			case errors.Is(err, session.ErrSessionFull):
				c.Send(wire.Enclose(wire.TypeSessionFull, nil))
			case err != nil:
				c.Send(noticeFor(err))
			default:
				joined = p.SessionID
			}

		case wire.TypeMove:
			var p wire.Move
			if err := env.Decode(&p); err != nil {
				c.Send(notice("badPayload", err.Error()))
				continue
			}
			if err := h.reg.SubmitMove(ctx, joined, c.ID(), p); err != nil {
				c.Send(noticeFor(err))
			}

		case wire.TypeChat:
			var p wire.Chat
			if err := env.Decode(&p); err != nil {
				c.Send(notice("badPayload", err.Error()))
				continue
			}
			if err := h.reg.PostMessage(ctx, joined, c.ID(), p.Sender, p.Text); err != nil {
				c.Send(noticeFor(err))
			}

		case wire.TypeOfferDraw:
			if err := h.reg.OfferDraw(joined, c.ID()); err != nil {
				c.Send(noticeFor(err))
			}

		case wire.TypeRespondDraw:
			var p wire.RespondDraw
			if err := env.Decode(&p); err != nil {
				c.Send(notice("badPayload", err.Error()))
				continue
			}
			if err := h.reg.RespondDraw(ctx, joined, c.ID(), p.Accepted); err != nil {
				c.Send(noticeFor(err))
			}

		case wire.TypeLeave:
			h.reg.Leave(c.ID())
			joined = ""

		default:
			c.Send(notice("unknownType", env.Type))
		}
	}
}

func notice(code, msg string) wire.Envelope {
	return wire.Enclose(wire.TypeError, wire.ErrorNotice{Code: code, Message: msg})
}

// noticeFor maps the coordinator error taxonomy onto wire error codes.
func noticeFor(err error) wire.Envelope {
	code := "internal"
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		code = "unknownSession"
	case errors.Is(err, session.ErrSessionEnded):
		code = "sessionEnded"
	case errors.Is(err, session.ErrNotAPlayer):
		code = "notAPlayer"
	case errors.Is(err, session.ErrSessionFull):
		code = "sessionFull"
	case errors.Is(err, session.ErrStoreUnavailable):
		code = "storeUnavailable"
	case errors.Is(err, session.ErrIllegalMove):
		code = "illegalMove"
	}
	return notice(code, err.Error())
}
