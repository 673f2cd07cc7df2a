package ws

import (
	"github.com/rs/zerolog"

	"github.com/counselly/edge/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg any)

// MessageDispatcher routes client frames to handlers by type. Pings are
// answered internally; malformed or unregistered frames get an error frame.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	log      zerolog.Logger
	rec      Recorder
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher(log zerolog.Logger, rec Recorder) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      log,
		rec:      rec,
	}
}

// Register sets the handler for msgType, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses data and routes it.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug().Err(err).Str("conn", conn.ID).Msg("bad frame")
		d.rec.Frame(FrameRejected)
		sendError(conn, d.log, protocol.CodeBadFrame, "invalid message format", "")
		return
	}

	if msgType == protocol.TypePing {
		sendJSON(conn, d.log, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.rec.Frame(FrameRejected)
		sendError(conn, d.log, protocol.CodeBadFrame, "unsupported message type", "")
		return
	}
	handler(conn, msg)
}

func sendError(conn *Connection, log zerolog.Logger, code, message, clientID string) {
	sendJSON(conn, log, protocol.TypeError, protocol.ErrorMsg{
		Code:     code,
		Message:  message,
		ClientID: clientID,
	})
}

func sendJSON(conn *Connection, log zerolog.Logger, msgType string, payload any) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("build frame failed")
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Debug().Err(err).Str("conn", conn.ID).Str("type", msgType).Msg("write failed")
	}
}
