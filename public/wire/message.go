package wire

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates the four message kinds a peer may send.
type MessageType string

const (
	MessageInit       MessageType = "init"       // one-time delivery of the exported API shape
	MessageInvocation MessageType = "invocation" // call on an exported method
	MessageReturn     MessageType = "return"     // successful settlement of an invocation
	MessageError      MessageType = "error"      // failed settlement of an invocation
)

// Message is one unit of peer-to-peer traffic. The Value payload stays raw
// until the type tag selects a decoder: init and return carry a Shape,
// error carries an ErrorPayload.
//
// A return or error answers the invocation whose ReplyID equals this
// message's MethodID; the responder echoes the reply handle in the
// methodId field.
type Message struct {
	Type      MessageType     `json:"type"`                // message kind
	MethodID  Handle          `json:"methodId,omitempty"`  // target method, or echoed reply handle
	ReplyID   Handle          `json:"replyId,omitempty"`   // settlement handle (invocation only)
	Arguments []*Shape        `json:"arguments,omitempty"` // serialized call arguments (invocation only)
	Value     json.RawMessage `json:"value,omitempty"`     // Shape (init, return) or ErrorPayload (error)
}

// ErrorPayload is the value carried by an error message: the remote
// failure's description and its stack trace, both plain text.
type ErrorPayload struct {
	Message string `json:"message"` // human-readable failure description
	Stack   string `json:"stack"`   // remote stack trace (may be truncated)
}

// NewInit builds the one-time message announcing the sender's exported API.
func NewInit(shape *Shape) (*Message, error) {
	raw, err := json.Marshal(shape)
	if err != nil {
		return nil, err
	}
	return &Message{Type: MessageInit, Value: raw}, nil
}

// NewInvocation builds a call on the exported method methodID. The reply
// handle must be fresh; the responder echoes it so the caller can settle
// the matching pending future.
func NewInvocation(methodID Handle, args []*Shape, replyID Handle) *Message {
	if args == nil {
		args = []*Shape{}
	}
	return &Message{
		Type:      MessageInvocation,
		MethodID:  methodID,
		ReplyID:   replyID,
		Arguments: args,
	}
}

// NewReturn builds the successful settlement of the invocation that carried
// replyID.
func NewReturn(replyID Handle, result *Shape) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Message{Type: MessageReturn, MethodID: replyID, Value: raw}, nil
}

// NewError builds the failed settlement of the invocation that carried
// replyID.
func NewError(replyID Handle, message, stack string) *Message {
	raw, _ := json.Marshal(ErrorPayload{Message: message, Stack: stack})
	return &Message{Type: MessageError, MethodID: replyID, Value: raw}
}

// ShapeValue decodes the payload of an init or return message.
func (m *Message) ShapeValue() (*Shape, error) {
	var shape Shape
	if err := json.Unmarshal(m.Value, &shape); err != nil {
		return nil, err
	}
	return &shape, nil
}

// ErrorValue decodes the payload of an error message.
func (m *Message) ErrorValue() (*ErrorPayload, error) {
	var payload ErrorPayload
	if err := json.Unmarshal(m.Value, &payload); err != nil {
		return nil, &ProtocolError{Reason: "malformed error payload: " + err.Error()}
	}
	return &payload, nil
}

// Validate checks that the message carries the fields its kind requires.
// Inbound messages are validated before dispatch.
func (m *Message) Validate() error {
	if m == nil {
		return &ProtocolError{Reason: "nil message"}
	}
	switch m.Type {
	case MessageInit:
		if m.Value == nil {
			return &ProtocolError{Reason: "init without value"}
		}
	case MessageInvocation:
		if !m.MethodID.Valid() {
			return &ProtocolError{Reason: fmt.Sprintf("invocation with invalid methodId %q", m.MethodID)}
		}
		if !m.ReplyID.Valid() {
			return &ProtocolError{Reason: fmt.Sprintf("invocation with invalid replyId %q", m.ReplyID)}
		}
	case MessageReturn, MessageError:
		if !m.MethodID.Valid() {
			return &ProtocolError{Reason: fmt.Sprintf("%s with invalid methodId %q", m.Type, m.MethodID)}
		}
		if m.Value == nil {
			return &ProtocolError{Reason: fmt.Sprintf("%s without value", m.Type)}
		}
	default:
		return &ProtocolError{Reason: fmt.Sprintf("unknown message type %q", m.Type)}
	}
	return nil
}

// ToJSON serializes the message for transports that frame JSON objects.
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON deserializes a message received off the wire.
func FromJSON(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &ProtocolError{Reason: "malformed message: " + err.Error()}
	}
	return &msg, nil
}
