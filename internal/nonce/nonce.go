// Package nonce implements the 24-byte SaltyRTC nonce and the per-relationship
// bookkeeping (cookies and combined sequence numbers) that rejects replayed,
// reordered or spoofed messages.
//
// Wire layout:
//
//	cookie(16) | source(1) | destination(1) | overflow(2, BE) | sequence(4, BE)
package nonce

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	Size       = 24
	CookieSize = 16
)

var ErrInvalidLength = errors.New("nonce: invalid length")

// Address identifies a participant of a path. 0x00 is the server, 0x01 the
// initiator and 0x02..0xff are responders.
type Address uint8

const (
	AddressServer    Address = 0x00
	AddressInitiator Address = 0x01
)

func (a Address) IsServer() bool    { return a == AddressServer }
func (a Address) IsInitiator() bool { return a == AddressInitiator }
func (a Address) IsResponder() bool { return a >= 0x02 }

func (a Address) String() string {
	switch {
	case a.IsServer():
		return "server"
	case a.IsInitiator():
		return "initiator"
	default:
		return fmt.Sprintf("responder 0x%02x", uint8(a))
	}
}

type Cookie [CookieSize]byte

func RandomCookie() (Cookie, error) {
	var c Cookie
	if _, err := rand.Read(c[:]); err != nil {
		return c, fmt.Errorf("generate cookie: %w", err)
	}
	return c, nil
}

func CookieFromBytes(b []byte) (Cookie, error) {
	var c Cookie
	if len(b) != CookieSize {
		return c, fmt.Errorf("%w: cookie must be %d bytes, got %d", ErrInvalidLength, CookieSize, len(b))
	}
	copy(c[:], b)
	return c, nil
}

func (c Cookie) String() string { return hex.EncodeToString(c[:]) }

// Nonce is the parsed form of the 24 bytes prefixed to every frame.
type Nonce struct {
	Cookie      Cookie
	Source      Address
	Destination Address
	CSN         CombinedSequence
}

func Parse(b []byte) (Nonce, error) {
	var n Nonce
	if len(b) < Size {
		return n, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidLength, Size, len(b))
	}
	copy(n.Cookie[:], b[:CookieSize])
	n.Source = Address(b[16])
	n.Destination = Address(b[17])
	n.CSN = CombinedSequence{
		Overflow: binary.BigEndian.Uint16(b[18:20]),
		Sequence: binary.BigEndian.Uint32(b[20:24]),
	}
	return n, nil
}

func (n Nonce) Bytes() [Size]byte {
	var out [Size]byte
	copy(out[:CookieSize], n.Cookie[:])
	out[16] = byte(n.Source)
	out[17] = byte(n.Destination)
	binary.BigEndian.PutUint16(out[18:20], n.CSN.Overflow)
	binary.BigEndian.PutUint32(out[20:24], n.CSN.Sequence)
	return out
}

func (n Nonce) String() string {
	return fmt.Sprintf("nonce{cookie=%s src=0x%02x dst=0x%02x csn=%s}", n.Cookie, uint8(n.Source), uint8(n.Destination), n.CSN)
}
