package ws

import (
	"time"

	"go.uber.org/zap"

	"github.com/guptmilan/chat-server/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.FindPartnerMsg, protocol.SignalMsg, etc.).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. Application-level ping is answered here; malformed
// or unsupported messages get an error frame.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	log      *zap.SugaredLogger
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher(log *zap.SugaredLogger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      log,
	}
}

// Register associates a MessageHandler with a message type, replacing any
// earlier one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the OnMessage hook. Registration must finish before the
// server starts, since handlers are read without locking.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debugw("dispatch parse error", "conn", conn.ID, "type", msgType, "error", err)
		if msgType != "" && !isClientType(msgType) {
			d.sendError(conn, "unsupported_type", "unsupported message type")
			return
		}
		d.sendError(conn, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debugw("no handler", "conn", conn.ID, "type", msgType)
		d.sendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	handler(conn, msg)
}

func isClientType(t string) bool {
	switch t {
	case protocol.TypeFindPartner, protocol.TypeSignalOffer, protocol.TypeSignalAnswer,
		protocol.TypeSignalICECandidate, protocol.TypeSendMessage, protocol.TypeTyping,
		protocol.TypeReportUser, protocol.TypeNextPartner, protocol.TypePing:
		return true
	}
	return false
}

func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		d.log.Errorw("failed to build error frame", "conn", conn.ID, "error", err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		d.log.Debugw("failed to send error frame", "conn", conn.ID, "error", err)
	}
}

// sendPong answers an application ping and counts it as activity.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.touch(time.Now())

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		d.log.Errorw("failed to build pong frame", "conn", conn.ID, "error", err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		d.log.Debugw("failed to send pong frame", "conn", conn.ID, "error", err)
	}
}
