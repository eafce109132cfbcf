// Package id mints the identifiers Packrat hands out: message IDs that are
// unique per cluster and roughly time-ordered, and subscription keys that
// are globally unique and immutable for the subscription's whole life.
package id

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/packrat-mq/packrat/hlc"
)

// MsgIDPrefix tags producer-visible message identifiers.
const MsgIDPrefix = "pm"

// SubKeyPrefix tags subscription keys.
const SubKeyPrefix = "sk"

// Generator provides unique message IDs.
type Generator interface {
	NextMsgID() string
}

// HLCGenerator mints message IDs from the Hybrid Logical Clock.
// Thread-safe via the clock's internal mutex.
type HLCGenerator struct {
	clock *hlc.Clock
}

// NewHLCGenerator creates a message ID generator backed by the given HLC.
func NewHLCGenerator(clock *hlc.Clock) *HLCGenerator {
	return &HLCGenerator{clock: clock}
}

// NextMsgID returns an ID of the form "pm.<16 hex digits>".
// Ordering by ID matches publish order within a node and approximates it
// across nodes, which keeps per-subscription queues FIFO.
func (g *HLCGenerator) NextMsgID() string {
	return fmt.Sprintf("%s.%016x", MsgIDPrefix, g.clock.Now().ToID())
}

// NewSubKey returns a fresh subscription key of the form "sk.<uuid>".
func NewSubKey() string {
	return fmt.Sprintf("%s.%s", SubKeyPrefix, uuid.NewString())
}
