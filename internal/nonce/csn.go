package nonce

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
)

// CombinedSequence is the 48-bit counter carried in a nonce: a 16-bit
// overflow number followed by a 32-bit sequence number.
type CombinedSequence struct {
	Overflow uint16
	Sequence uint32
}

// RandomCombinedSequence returns the first CSN of a relationship: overflow
// zero and a random, non-zero sequence number.
func RandomCombinedSequence() (CombinedSequence, error) {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return CombinedSequence{}, fmt.Errorf("generate sequence number: %w", err)
		}
		if seq := binary.BigEndian.Uint32(buf[:]); seq != 0 {
			return CombinedSequence{Sequence: seq}, nil
		}
	}
}

func (c CombinedSequence) Uint64() uint64 {
	return uint64(c.Overflow)<<32 | uint64(c.Sequence)
}

// Increment returns the following CSN. Wrapping the sequence number bumps the
// overflow number; wrapping the overflow number is an error.
func (c CombinedSequence) Increment() (CombinedSequence, error) {
	if c.Sequence < math.MaxUint32 {
		return CombinedSequence{Overflow: c.Overflow, Sequence: c.Sequence + 1}, nil
	}
	if c.Overflow == math.MaxUint16 {
		return c, violation(ReasonOverflowExhausted, "combined sequence number is exhausted")
	}
	return CombinedSequence{Overflow: c.Overflow + 1}, nil
}

func (c CombinedSequence) Less(other CombinedSequence) bool {
	return c.Uint64() < other.Uint64()
}

func (c CombinedSequence) String() string {
	return fmt.Sprintf("%d:%d", c.Overflow, c.Sequence)
}
