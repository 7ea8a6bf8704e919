package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"
)

// PeerID identifies a mesh participant.
type PeerID string

// Packet types
const (
	TypeAlert  uint8 = 1
	TypeBeacon uint8 = 2
)

// AlertType classifies what triggered an alert.
type AlertType string

const (
	AlertManual         AlertType = "manual"
	AlertMotionDetected AlertType = "motion_detected"
	AlertOther          AlertType = "other"
)

// Valid reports whether t is one of the known alert types.
func (t AlertType) Valid() bool {
	switch t {
	case AlertManual, AlertMotionDetected, AlertOther:
		return true
	}
	return false
}

const (
	MaxTTLHops       = 16
	MaxMessageLength = 512
)

var (
	ErrInvalidLocation  = errors.New("invalid location")
	ErrInvalidAlertType = errors.New("invalid alert type")
	ErrMessageTooLong   = errors.New("message too long")
	ErrInvalidMessage   = errors.New("message is not valid UTF-8")
)

// ValidateMessage checks an optional alert message.
func ValidateMessage(msg string) error {
	if len(msg) > MaxMessageLength {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLong, len(msg))
	}
	if !utf8.ValidString(msg) {
		return ErrInvalidMessage
	}
	return nil
}

// Location is a WGS84 coordinate pair.
type Location struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Validate rejects NaN and out-of-range coordinates.
func (l Location) Validate() error {
	if math.IsNaN(l.Lat) || math.IsNaN(l.Lon) || l.Lat < -90 || l.Lat > 90 || l.Lon < -180 || l.Lon > 180 {
		return fmt.Errorf("%w: (%v, %v)", ErrInvalidLocation, l.Lat, l.Lon)
	}
	return nil
}

// Envelope is a single alert relayed through the mesh. Only HopCount changes
// after creation.
type Envelope struct {
	ID        string    `json:"id"`
	Origin    PeerID    `json:"originPeer"`
	Location  Location  `json:"location"`
	CreatedAt time.Time `json:"createdAt"`
	Type      AlertType `json:"type"`
	Message   string    `json:"message,omitempty"`
	HopCount  int       `json:"hopCount"`
	TTLHops   int       `json:"ttlHops"`
}

// Validate checks the fields a relay must be able to trust.
func (e Envelope) Validate() error {
	if e.ID == "" || e.Origin == "" {
		return errors.New("envelope id and origin are required")
	}
	if err := e.Location.Validate(); err != nil {
		return err
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidAlertType, e.Type)
	}
	if err := ValidateMessage(e.Message); err != nil {
		return err
	}
	if e.TTLHops < 1 || e.TTLHops > MaxTTLHops || e.HopCount < 0 || e.HopCount > e.TTLHops {
		return fmt.Errorf("hop count %d / ttl %d out of range", e.HopCount, e.TTLHops)
	}
	return nil
}

// Terminal reports whether the envelope has reached its hop limit.
func (e Envelope) Terminal() bool {
	return e.HopCount >= e.TTLHops
}

// Digest hashes the immutable fields. Two envelopes with the same ID but a
// different digest are conflicting copies.
func (e Envelope) Digest() [32]byte {
	h, _ := blake2b.New256(nil)
	var num [8]byte
	writeString := func(s string) {
		binary.BigEndian.PutUint64(num[:], uint64(len(s)))
		h.Write(num[:])
		h.Write([]byte(s))
	}
	writeString(e.ID)
	writeString(string(e.Origin))
	binary.BigEndian.PutUint64(num[:], math.Float64bits(e.Location.Lat))
	h.Write(num[:])
	binary.BigEndian.PutUint64(num[:], math.Float64bits(e.Location.Lon))
	h.Write(num[:])
	binary.BigEndian.PutUint64(num[:], uint64(e.CreatedAt.UnixMilli()))
	h.Write(num[:])
	writeString(string(e.Type))
	writeString(e.Message)
	binary.BigEndian.PutUint64(num[:], uint64(e.TTLHops))
	h.Write(num[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Beacon announces a peer to its radio neighbours.
type Beacon struct {
	PeerID       PeerID   `cbor:"1,keyasint"`
	Nick         string   `cbor:"2,keyasint,omitempty"`
	RelayCapable bool     `cbor:"3,keyasint,omitempty"`
	Distance     *float64 `cbor:"4,keyasint,omitempty"`
	Port         int      `cbor:"5,keyasint,omitempty"`
	SentAt       int64    `cbor:"6,keyasint"`
}

// Packet is the generic container for every frame on the wire.
type Packet struct {
	Type    uint8  `cbor:"1,keyasint"`
	Payload []byte `cbor:"2,keyasint"`
}

type wireEnvelope struct {
	ID        string  `cbor:"1,keyasint"`
	Origin    string  `cbor:"2,keyasint"`
	Lat       float64 `cbor:"3,keyasint"`
	Lon       float64 `cbor:"4,keyasint"`
	CreatedAt int64   `cbor:"5,keyasint"`
	Type      string  `cbor:"6,keyasint"`
	Message   string  `cbor:"7,keyasint,omitempty"`
	HopCount  int     `cbor:"8,keyasint"`
	TTLHops   int     `cbor:"9,keyasint"`
}
