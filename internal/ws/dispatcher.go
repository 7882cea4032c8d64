package ws

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loanchat/chat-app/internal/protocol"
)

// Error codes for frames that never reach a handler.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
)

// MessageHandler handles one parsed client command. msg is the value struct
// returned by protocol.ParseClientMessage (e.g. protocol.SendMsg). ctx is
// bounded by the dispatcher's handler timeout.
type MessageHandler func(ctx context.Context, conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers ping itself and sends structured
// error responses for malformed or unsupported messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
	timeout  time.Duration
}

// NewMessageDispatcher creates a MessageDispatcher. Each handler call gets a
// context that expires after timeout; zero means no deadline.
func NewMessageDispatcher(server *Server, timeout time.Duration) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
		timeout:  timeout,
	}
}

// SetServer assigns the Server reference on the dispatcher. This supports the
// initialization pattern where the dispatcher is created before the server
// (since NewServer requires the Dispatch callback).
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.rejectFrame(conn, data, err)
		return
	}

	if msgType == protocol.TypePing {
		d.reply(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Debug().Str("type", msgType).Str("session", conn.ID).Msg("ws: no handler registered")
		d.reply(conn, protocol.TypeError, protocol.ErrorMsg{
			Code:    CodeUnsupportedType,
			Message: "unsupported message type",
		})
		return
	}

	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	handler(ctx, conn, msg)
}

func (d *MessageDispatcher) rejectFrame(conn *Connection, data []byte, err error) {
	loanID, clientRef := protocol.Correlate(data)
	var ve *protocol.ValidationError
	switch {
	case errors.As(err, &ve):
		d.reply(conn, protocol.TypeError, protocol.NewErrorMsg(ve, loanID, clientRef))
	case errors.Is(err, protocol.ErrUnknownType):
		log.Debug().Err(err).Str("session", conn.ID).Msg("ws: unsupported message type")
		d.reply(conn, protocol.TypeError, protocol.ErrorMsg{
			Code:    CodeUnsupportedType,
			Message: "unsupported message type",
		})
	default:
		log.Debug().Err(err).Str("session", conn.ID).Msg("ws: dispatch parse error")
		d.reply(conn, protocol.TypeError, protocol.ErrorMsg{
			Code:      CodeParseError,
			Message:   "invalid message format",
			LoanID:    loanID,
			ClientRef: clientRef,
		})
	}
}

// reply sends a server message back to the client. Failures are logged but
// not propagated.
func (d *MessageDispatcher) reply(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Str("session", conn.ID).Msg("ws: failed to build reply")
		return
	}

	if d.server != nil {
		err = d.server.SendMessage(conn.ID, data)
	} else {
		err = conn.WriteMessage(data)
	}
	if err != nil {
		log.Debug().Err(err).Str("type", msgType).Str("session", conn.ID).Msg("ws: failed to send reply")
	}
}
