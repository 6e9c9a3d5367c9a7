package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"telecrm/internal/auth"
	"telecrm/internal/calls"
	"telecrm/internal/session"
	"telecrm/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxFrameSize = 64 << 10
)

// CallControl is the slice of calls.Manager the signaling channel drives.
type CallControl interface {
	Get(ctx context.Context, callID string) (calls.CallRecord, error)
	Answer(ctx context.Context, callID, answeredBy string, payload json.RawMessage) (calls.CallRecord, error)
	End(ctx context.Context, callID, endedBy, source string) (calls.CallRecord, error)
}

// Handler upgrades authenticated requests to websockets and bridges them to
// the Relay. Each connection has one reader (this handler's goroutine) and
// one writer goroutine.
type Handler struct {
	relay    *Relay
	calls    CallControl
	sessions session.Registry
	upgrader websocket.Upgrader
}

func NewHandler(relay *Relay, cc CallControl, sessions session.Registry) *Handler {
	return &Handler{
		relay:    relay,
		calls:    cc,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers connect from the CRM origin; the access token is what authenticates.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Serve handles GET /v1/signaling/ws. Identity comes from auth middleware.
func (h *Handler) Serve(c *gin.Context) {
	log := logger.FromGin(c)
	identity, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "err", err)
		return
	}
	log = log.With("identity", identity)
	log.Info("signaling connected")

	sub := h.relay.Subscribe(identity)
	done := make(chan struct{})
	var closeOnce sync.Once
	shutdown := func() {
		closeOnce.Do(func() {
			close(done)
			_ = conn.Close()
		})
	}

	go h.writePump(conn, sub, done, shutdown)
	h.readPump(c.Request.Context(), log, conn, sub, identity)

	shutdown()
	sub.Unsubscribe()
	log.Info("signaling disconnected")
}

func (h *Handler) readPump(ctx context.Context, log *slog.Logger, conn *websocket.Conn, sub *Subscription, identity string) {
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("signaling read failed", "err", err)
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			sub.Offer(errorFrame("", "malformed frame"))
			continue
		}
		msg.From = identity
		if err := h.handle(ctx, msg); err != nil {
			log.Info("signaling frame rejected", "type", msg.Type, "call_id", msg.CallID, "err", err)
			sub.Offer(errorFrame(msg.CallID, err.Error()))
		}
	}
}

func (h *Handler) writePump(conn *websocket.Conn, sub *Subscription, done <-chan struct{}, shutdown func()) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer shutdown()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var (
	errUnknownType = errors.New("unknown frame type")
	errNoCall      = errors.New("unknown call")
	errNotParty    = errors.New("not a party to this call")
	errCallEnded   = errors.New("call already ended")
	errNoPeer      = errors.New("no peer for this call yet")
	errWrongPeer   = errors.New("recipient is not the peer on this call")
)

// handle applies msg to the call and forwards it to the peer. Delivery to
// the peer is best-effort; a missed delivery is not an error for the sender.
func (h *Handler) handle(ctx context.Context, msg Message) error {
	switch msg.Type {
	case TypeAnswer, TypeCandidate, TypeEnd:
	default:
		return errUnknownType
	}
	if msg.CallID == "" {
		return errNoCall
	}
	rec, err := h.calls.Get(ctx, msg.CallID)
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			return errNoCall
		}
		return err
	}
	entry, err := h.sessions.Get(ctx, msg.CallID)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return err
	}

	// Frames only ever go to the other party; a client-supplied To must agree.
	if msg.To != "" {
		want := peerOf(msg.From, rec.CallerID, entry.RecipientID)
		if msg.Type == TypeAnswer {
			want = rec.CallerID
		}
		if msg.To != want {
			return errWrongPeer
		}
	}

	switch msg.Type {
	case TypeAnswer:
		if msg.From == rec.CallerID {
			return errNotParty
		}
		if _, err := h.calls.Answer(ctx, msg.CallID, msg.From, msg.Payload); err != nil {
			switch {
			case errors.Is(err, calls.ErrStaleEvent):
				return errCallEnded
			case errors.Is(err, calls.ErrAlreadyAnswered), errors.Is(err, calls.ErrValidation):
				return errNotParty
			}
			return err
		}
		entry.RecipientID = msg.From

	case TypeCandidate:
		if !isParty(msg.From, rec.CallerID, entry.RecipientID) {
			return errNotParty
		}
		if rec.Status.IsTerminal() {
			return errCallEnded
		}
		_, err := h.sessions.Update(ctx, msg.CallID, func(e *session.Entry) error {
			e.Negotiating = true
			return nil
		})
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			return err
		}

	case TypeEnd:
		if !isParty(msg.From, rec.CallerID, entry.RecipientID) {
			return errNotParty
		}
		if _, err := h.calls.End(ctx, msg.CallID, msg.From, "signaling"); err != nil {
			return err
		}
	}

	to := peerOf(msg.From, rec.CallerID, entry.RecipientID)
	if to == "" {
		if msg.Type == TypeEnd {
			return nil
		}
		return errNoPeer
	}
	msg.To = to
	h.relay.Forward(msg)
	return nil
}

func isParty(who, callerID, recipientID string) bool {
	return who != "" && (who == callerID || who == recipientID)
}

func peerOf(who, callerID, recipientID string) string {
	if who == callerID {
		return recipientID
	}
	return callerID
}

func errorFrame(callID, reason string) Message {
	payload, _ := json.Marshal(map[string]string{"error": reason})
	return Message{Type: TypeError, CallID: callID, Payload: payload}
}
