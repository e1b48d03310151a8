package nonce

import (
	"crypto/subtle"
	"errors"
	"fmt"
)

const maxCookieAttempts = 32

var errCookieCollision = errors.New("nonce: could not generate a non-colliding cookie")

// Tracker holds the nonce state of one peer relationship in both directions:
// the local cookie and next outgoing CSN, and the remote cookie and last
// accepted CSN once the first message has been seen.
//
// A Tracker is owned by a single relationship and is not safe for concurrent
// use.
type Tracker struct {
	ourCookie Cookie
	ourCSN    CombinedSequence
	exhausted bool

	seen        bool
	theirCookie Cookie
	theirCSN    CombinedSequence
}

// NewTracker creates a tracker with a fresh random cookie and CSN. avoid may
// be nil; otherwise cookies for which it returns true are never chosen.
func NewTracker(avoid func(Cookie) bool) (*Tracker, error) {
	t := &Tracker{}
	if err := t.Reset(avoid); err != nil {
		return nil, err
	}
	return t, nil
}

// Reset regenerates the local cookie and CSN and forgets the remote baseline.
func (t *Tracker) Reset(avoid func(Cookie) bool) error {
	cookie, err := newCookie(avoid)
	if err != nil {
		return err
	}
	csn, err := RandomCombinedSequence()
	if err != nil {
		return err
	}
	*t = Tracker{ourCookie: cookie, ourCSN: csn}
	return nil
}

func newCookie(avoid func(Cookie) bool) (Cookie, error) {
	for i := 0; i < maxCookieAttempts; i++ {
		c, err := RandomCookie()
		if err != nil {
			return c, err
		}
		if avoid == nil || !avoid(c) {
			return c, nil
		}
	}
	return Cookie{}, errCookieCollision
}

func (t *Tracker) OurCookie() Cookie { return t.ourCookie }

// NextCSN is the CSN the next call to Next will use.
func (t *Tracker) NextCSN() CombinedSequence { return t.ourCSN }

func (t *Tracker) TheirCookie() (Cookie, bool) { return t.theirCookie, t.seen }

func (t *Tracker) TheirCSN() (CombinedSequence, bool) { return t.theirCSN, t.seen }

// SetNextCSN overrides the CSN the next call to Next will use.
func (t *Tracker) SetNextCSN(c CombinedSequence) {
	t.ourCSN = c
	t.exhausted = false
}

// Next mints the nonce for the next outgoing message and advances the local CSN.
func (t *Tracker) Next(src, dst Address) (Nonce, error) {
	if t.exhausted {
		return Nonce{}, violation(ReasonOverflowExhausted, "no combined sequence numbers left towards %s", dst)
	}
	n := Nonce{Cookie: t.ourCookie, Source: src, Destination: dst, CSN: t.ourCSN}
	next, err := t.ourCSN.Increment()
	if err != nil {
		t.exhausted = true
	} else {
		t.ourCSN = next
	}
	return n, nil
}

// Validate checks an incoming nonce against the recorded baseline. State is
// only updated when every check passes.
func (t *Tracker) Validate(n Nonce) error {
	if !t.seen {
		if subtle.ConstantTimeCompare(n.Cookie[:], t.ourCookie[:]) == 1 {
			return violation(ReasonCookieReflected, "cookie from %s is identical to our own cookie", n.Source)
		}
		if n.CSN.Overflow != 0 {
			return violation(ReasonFirstOverflow, "first message from %s must have set the overflow number to 0", n.Source)
		}
		t.seen = true
		t.theirCookie = n.Cookie
		t.theirCSN = n.CSN
		return nil
	}

	if subtle.ConstantTimeCompare(n.Cookie[:], t.theirCookie[:]) != 1 {
		return violation(ReasonCookieChanged, "cookie from %s has changed", n.Source)
	}
	if !t.theirCSN.Less(n.CSN) {
		return violation(ReasonCSNRegression, "CSN %s from %s is not greater than last accepted %s", n.CSN, n.Source, t.theirCSN)
	}
	t.theirCSN = n.CSN
	return nil
}

func (t *Tracker) String() string {
	return fmt.Sprintf("tracker{cookie=%s next=%s}", t.ourCookie, t.ourCSN)
}
