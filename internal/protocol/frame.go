package protocol

import (
	"bytes"
	"encoding/json"
)

// Handshake frame ids and the join method number expected by the server
const (
	IdentifyFrameID = 1
	JoinFrameID     = 2
	MethodJoin      = 1
)

// EventType names a realtime event delivered on a channel
type EventType string

const (
	EventCreateRecord EventType = "CREATE_RECORD"
	EventUpdateRecord EventType = "UPDATE_RECORD"
	EventDeleteRecord EventType = "DELETE_RECORD"
	EventLinkRecord   EventType = "LINK_RECORD"
	EventUnlinkRecord EventType = "UNLINK_RECORD"
	EventLogin        EventType = "LOGIN"
	EventLogout       EventType = "LOGOUT"
	EventError        EventType = "ERROR"
)

// Known reports whether the event type is one this client version understands.
// Unknown types are still delivered.
func (t EventType) Known() bool {
	switch t {
	case EventCreateRecord, EventUpdateRecord, EventDeleteRecord,
		EventLinkRecord, EventUnlinkRecord, EventLogin, EventLogout, EventError:
		return true
	}
	return false
}

// ErrorDetail carries the message of an ERROR event
type ErrorDetail struct {
	Message string `json:"message"`
}

// Event is a decoded realtime event
type Event struct {
	Type    EventType       `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
	Key     string          `json:"key,omitempty"`
}

// NewErrorEvent creates an ERROR event with the given message
func NewErrorEvent(message string) Event {
	return Event{
		Type:  EventError,
		Error: &ErrorDetail{Message: message},
	}
}

// IdentifyParams names the connecting client
type IdentifyParams struct {
	Name string `json:"name"`
}

// IdentifyFrame is the first control frame sent on every connection
type IdentifyFrame struct {
	Params IdentifyParams `json:"params"`
	ID     int            `json:"id"`
}

// JoinParams names the channel to join
type JoinParams struct {
	Channel string `json:"channel"`
}

// JoinFrame subscribes the identified client to a channel
type JoinFrame struct {
	Method int        `json:"method"`
	Params JoinParams `json:"params"`
	ID     int        `json:"id"`
}

// NewIdentifyFrame encodes {"params":{"name":<clientName>},"id":1}
func NewIdentifyFrame(clientName string) ([]byte, error) {
	return marshalFrame(IdentifyFrame{
		Params: IdentifyParams{Name: clientName},
		ID:     IdentifyFrameID,
	})
}

// NewJoinFrame encodes {"method":1,"params":{"channel":<channel>},"id":2}
func NewJoinFrame(channel string) ([]byte, error) {
	return marshalFrame(JoinFrame{
		Method: MethodJoin,
		Params: JoinParams{Channel: channel},
		ID:     JoinFrameID,
	})
}

// HandshakeFrames returns the identify and join frames in the order they must be sent
func HandshakeFrames(clientName, channel string) ([][]byte, error) {
	identify, err := NewIdentifyFrame(clientName)
	if err != nil {
		return nil, err
	}
	join, err := NewJoinFrame(channel)
	if err != nil {
		return nil, err
	}
	return [][]byte{identify, join}, nil
}

// marshalFrame encodes without HTML escaping so '&' in filters stays literal
func marshalFrame(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// eventEnvelope mirrors {"result":{"data":{"data":{"eventType":..,"payload":..}}}}
type eventEnvelope struct {
	Result *struct {
		Data *struct {
			Data *struct {
				EventType json.RawMessage `json:"eventType"`
				Payload   json.RawMessage `json:"payload"`
			} `json:"data"`
		} `json:"data"`
	} `json:"result"`
}

// DecodeFrame parses an inbound text frame. It returns false for anything that is
// not an event envelope with a non-empty string eventType; such frames are ignored.
func DecodeFrame(raw []byte) (Event, bool) {
	var env eventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, false
	}
	if env.Result == nil || env.Result.Data == nil || env.Result.Data.Data == nil {
		return Event{}, false
	}

	inner := env.Result.Data.Data
	var eventType string
	if err := json.Unmarshal(inner.EventType, &eventType); err != nil || eventType == "" {
		return Event{}, false
	}

	event := Event{Type: EventType(eventType)}
	if len(inner.Payload) > 0 && !bytes.Equal(inner.Payload, []byte("null")) {
		event.Payload = inner.Payload
	}
	return event, true
}
