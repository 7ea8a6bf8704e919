package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrameSize bounds a single encoded packet.
const MaxFrameSize = 4 << 10

// ErrMalformedFrame is returned for any frame that cannot be decoded into a
// valid packet. Such frames are dropped and never recorded.
var ErrMalformedFrame = errors.New("malformed frame")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		MaxArrayElements:  64,
		MaxMapPairs:       32,
		MaxNestedLevels:   4,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor decoder: %v", err))
	}
}

// EncodeEnvelope wraps env in an alert packet.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	payload, err := encMode.Marshal(wireEnvelope{
		ID:        env.ID,
		Origin:    string(env.Origin),
		Lat:       env.Location.Lat,
		Lon:       env.Location.Lon,
		CreatedAt: env.CreatedAt.UnixMilli(),
		Type:      string(env.Type),
		Message:   env.Message,
		HopCount:  env.HopCount,
		TTLHops:   env.TTLHops,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return encodePacket(TypeAlert, payload)
}

// EncodeBeacon wraps b in a beacon packet.
func EncodeBeacon(b Beacon) ([]byte, error) {
	payload, err := encMode.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to encode beacon: %w", err)
	}
	return encodePacket(TypeBeacon, payload)
}

func encodePacket(typ uint8, payload []byte) ([]byte, error) {
	data, err := encMode.Marshal(Packet{Type: typ, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode packet: %w", err)
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("packet size %d exceeds limit %d", len(data), MaxFrameSize)
	}
	return data, nil
}

// DecodePacket parses the outer container only.
func DecodePacket(data []byte) (Packet, error) {
	var p Packet
	if len(data) == 0 || len(data) > MaxFrameSize {
		return p, fmt.Errorf("%w: size %d", ErrMalformedFrame, len(data))
	}
	if err := decMode.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return p, nil
}

// DecodeEnvelope parses and validates an alert payload.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var w wireEnvelope
	if err := decMode.Unmarshal(payload, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	env := Envelope{
		ID:        w.ID,
		Origin:    PeerID(w.Origin),
		Location:  Location{Lat: w.Lat, Lon: w.Lon},
		CreatedAt: time.UnixMilli(w.CreatedAt).UTC(),
		Type:      AlertType(w.Type),
		Message:   w.Message,
		HopCount:  w.HopCount,
		TTLHops:   w.TTLHops,
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return env, nil
}

// DecodeBeacon parses a beacon payload.
func DecodeBeacon(payload []byte) (Beacon, error) {
	var b Beacon
	if err := decMode.Unmarshal(payload, &b); err != nil {
		return b, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if b.PeerID == "" {
		return b, fmt.Errorf("%w: beacon without peer id", ErrMalformedFrame)
	}
	return b, nil
}
