// Package msg defines the message vocabulary shared by the broker, the
// in-process bus and the websocket gateway, together with the JSON codec
// and the per-type routing metadata.
package msg

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind tells the broker which exchange a message belongs on.
type Kind int

const (
	// KindCommand messages are routed to exactly one consumer queue.
	KindCommand Kind = iota + 1
	// KindEvent messages fan out to every bound instance queue.
	KindEvent
)

// Message is implemented by every type that travels over the broker,
// the in-process bus or the gateway websocket.
type Message interface {
	// MessageName is the routing key and the registry key for the type.
	MessageName() string
	// MessageKind reports whether the message is a command or an event.
	MessageKind() Kind
}

// Correlated is implemented by messages that participate in queue
// position tracking. The returned id groups a command with the
// success, failure and dead-letter messages that settle it.
type Correlated interface {
	CorrelationID() string
}

// ErrUnknownType is wrapped by Decode when no factory is registered
// for the received routing key.
var ErrUnknownType = errors.New("unknown message type")

var factories = map[string]func() Message{}

// Register adds a message factory to the decode registry. It panics on
// duplicate names so wiring mistakes surface at startup.
func Register(name string, factory func() Message) {
	if _, ok := factories[name]; ok {
		panic(fmt.Sprintf("msg: duplicate registration for %q", name))
	}
	factories[name] = factory
}

// Registered reports whether a factory exists for the given name.
func Registered(name string) bool {
	_, ok := factories[name]
	return ok
}

// Decode constructs the registered type for name and unmarshals body
// into it.
func Decode(name string, body []byte) (Message, error) {
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}

	m := factory()
	if err := json.Unmarshal(body, m); err != nil {
		return nil, fmt.Errorf("decoding %s body: %w", name, err)
	}

	return m, nil
}

// Encode marshals a message body for publishing. The routing key is
// carried out of band, so the body is just the fields.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s body: %w", m.MessageName(), err)
	}

	return body, nil
}

// EncodeFrame marshals a message as the two element websocket frame
// used between the gateway server and its clients: [name, body].
func EncodeFrame(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", m.MessageName(), err)
	}

	frame, err := json.Marshal([2]json.RawMessage{mustJSONString(m.MessageName()), body})
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", m.MessageName(), err)
	}

	return frame, nil
}

// DecodeFrame unpacks a [name, body] websocket frame into the
// registered message type.
func DecodeFrame(frame []byte) (Message, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(frame, &parts); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	if len(parts) != 2 {
		return nil, fmt.Errorf("decoding frame: want 2 elements, got %d", len(parts))
	}

	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return nil, fmt.Errorf("decoding frame name: %w", err)
	}

	return Decode(name, parts[1])
}

func mustJSONString(s string) json.RawMessage {
	raw, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	return raw
}
