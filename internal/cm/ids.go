package cm

import (
	"fmt"
)

// VdevID is the index of a managed station interface.
type VdevID uint8

// Prefix is the operation class carried in the top byte of an ID.
type Prefix uint8

const (
	PrefixConnect    Prefix = 0x0C
	PrefixDisconnect Prefix = 0x0D
	PrefixRoam       Prefix = 0x0F
)

// ID identifies one request for as long as it is outstanding:
// prefix<<24 | vdev<<16 | sequence.
type ID uint32

// InvalidID marks "no request".
const InvalidID ID = 0xFFFFFFFF

func makeID(p Prefix, vdev VdevID, seq uint16) ID {
	return ID(uint32(p)<<24 | uint32(vdev)<<16 | uint32(seq))
}

// NewID builds the id of a k request; consumers use it to refer to
// journaled requests.
func NewID(k Kind, vdev VdevID, seq uint16) ID {
	return makeID(k.prefix(), vdev, seq)
}

// Prefix returns the operation class of the id.
func (id ID) Prefix() Prefix { return Prefix(id >> 24) }

// Vdev returns the owning interface.
func (id ID) Vdev() VdevID { return VdevID(id >> 16) }

// Seq returns the sequence number.
func (id ID) Seq() uint16 { return uint16(id) }

// Valid reports whether id is a real request id.
func (id ID) Valid() bool { return id != InvalidID }

// Kind returns the request kind implied by the prefix.
func (id ID) Kind() Kind {
	switch id.Prefix() {
	case PrefixConnect:
		return KindConnect
	case PrefixDisconnect:
		return KindDisconnect
	case PrefixRoam:
		return KindRoam
	}
	return KindNone
}

func (id ID) String() string {
	if id == InvalidID {
		return "CM-invalid"
	}
	return fmt.Sprintf("CM-%02X-%d-%d", uint8(id.Prefix()), id.Vdev(), id.Seq())
}

// MarshalText renders the id in its log form so API payloads match logs.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// Kind is the request variant.
type Kind int

const (
	KindNone Kind = iota
	KindConnect
	KindDisconnect
	KindRoam
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindDisconnect:
		return "disconnect"
	case KindRoam:
		return "roam"
	}
	return "none"
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k Kind) prefix() Prefix {
	switch k {
	case KindConnect:
		return PrefixConnect
	case KindDisconnect:
		return PrefixDisconnect
	}
	return PrefixRoam
}
