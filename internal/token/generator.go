package token

import (
	"fmt"
	"hash"
	"strconv"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"attendance-service/internal/model"
)

// ValueWidth is the fixed width of a token value in hex characters
const ValueWidth = 16

// Generator derives rotating proof-of-presence tokens. A token is a pure
// function of (session_id, time_slot): value = murmur3_64(session_id ":"
// time_slot) rendered as a 16-char hex string. No randomness, so issuer and
// authority independently compute identical values from wall-clock time.
//
// murmur3 is fast and non-cryptographic; adequate against casual guessing
// only. If trust requirements increase, substitute a keyed MAC here without
// changing the string-in/string-out contract.
type Generator struct {
	interval   time.Duration
	hasherPool sync.Pool
}

// NewGenerator creates a generator bound to the authoritative rotation interval
func NewGenerator(rotationInterval time.Duration) *Generator {
	g := &Generator{
		interval: rotationInterval,
	}

	// Pool of hashers to avoid allocation overhead on the rotation hot path
	g.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return g
}

// Interval returns the authoritative rotation interval
func (g *Generator) Interval() time.Duration {
	return g.interval
}

// Generate computes the token value for a session and time slot.
// Deterministic, pure, total: two calls with identical inputs yield
// identical output.
func (g *Generator) Generate(sessionID string, timeSlot int64) string {
	hasher := g.hasherPool.Get().(hash.Hash64)
	defer g.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(sessionID))
	hasher.Write([]byte(":"))
	hasher.Write([]byte(strconv.FormatInt(timeSlot, 10)))

	return fmt.Sprintf("%0*x", ValueWidth, hasher.Sum64())
}

// TokenAt builds the full Token for a session at the given instant
func (g *Generator) TokenAt(sessionID string, at time.Time) model.Token {
	slot := g.SlotAt(at)
	return model.Token{
		SessionID: sessionID,
		TimeSlot:  slot,
		Value:     g.Generate(sessionID, slot),
	}
}

// CurrentToken builds the Token for the current wall-clock slot
func (g *Generator) CurrentToken(sessionID string) model.Token {
	return g.TokenAt(sessionID, time.Now())
}

// SlotAt returns the time slot containing the given instant:
// floor(unix_seconds / interval_seconds). Derived, never stored.
func (g *Generator) SlotAt(at time.Time) int64 {
	return at.Unix() / int64(g.interval.Seconds())
}

// CurrentSlot returns the slot containing the current wall-clock time
func (g *Generator) CurrentSlot() int64 {
	return g.SlotAt(time.Now())
}

// SlotStart returns the wall-clock instant at which a slot begins
func (g *Generator) SlotStart(slot int64) time.Time {
	return time.Unix(slot*int64(g.interval.Seconds()), 0)
}
