package change

import (
	"encoding/gob"
	"errors"
	"fmt"
)

// ErrMalformedEvent is returned by Decode for payloads that do not have the
// (kind, device, details) shape.
var ErrMalformedEvent = errors.New("malformed network change event")

// WireSignature is the D-Bus signature of a WireMessage.
const WireSignature = "usa{ss}"

// WireMessage is the positional wire form of an Event:
// uint32 kind, string device, map[string]string details.
type WireMessage []any

func init() {
	// WireMessage elements travel as interface values over gob.
	gob.Register(map[string]string{})
}

// Encode returns the wire form of e.
func Encode(e Event) WireMessage {
	return WireMessage{uint32(e.Kind), e.Device, e.Details.Map()}
}

// Decode parses a wire form produced by Encode.
func Decode(msg WireMessage) (Event, error) {
	if len(msg) != 3 {
		return Event{}, fmt.Errorf("%w: %d fields, want 3", ErrMalformedEvent, len(msg))
	}
	raw, ok := msg[0].(uint32)
	if !ok {
		return Event{}, fmt.Errorf("%w: kind is %T, want uint32", ErrMalformedEvent, msg[0])
	}
	kind, err := ParseKind(raw)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %s", ErrMalformedEvent, err)
	}
	device, ok := msg[1].(string)
	if !ok {
		return Event{}, fmt.Errorf("%w: device is %T, want string", ErrMalformedEvent, msg[1])
	}
	details, ok := msg[2].(map[string]string)
	if !ok {
		return Event{}, fmt.Errorf("%w: details is %T, want map[string]string", ErrMalformedEvent, msg[2])
	}
	return Event{Kind: kind, Device: device, Details: DetailsFromMap(details)}, nil
}
