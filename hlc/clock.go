package hlc

import (
	"sync"
	"time"
)

// Bit allocation for 64-bit IDs derived from timestamps:
// 42 bits physical milliseconds | 6 bits node | 16 bits logical.
const (
	physicalShift = 22
	nodeShift     = 16
	nodeMask      = 0x3F
	// LogicalMask bounds the per-millisecond logical counter (~65k IDs/ms).
	LogicalMask = 0xFFFF
)

// Clock implements a Hybrid Logical Clock. Packrat uses it to stamp
// publish/receive times and to mint message IDs that are unique across
// worker processes and roughly time-ordered, so per-subscription queues
// drain in FIFO order even when producers live on different hosts.
type Clock struct {
	nodeID   uint64
	wallTime int64
	logical  int32
	lastMS   int64 // logical resets when the millisecond advances
	mu       sync.Mutex
}

// Timestamp represents a point in time across the distributed system.
type Timestamp struct {
	WallTime int64
	Logical  int32
	NodeID   uint64
}

// NewClock creates a new HLC instance.
func NewClock(nodeID uint64) *Clock {
	now := time.Now().UnixNano()
	return &Clock{
		nodeID:   nodeID,
		wallTime: now,
		lastMS:   now / 1_000_000,
	}
}

// Now generates a new timestamp for a local event.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := time.Now().UnixNano()
	currentMS := physicalNow / 1_000_000

	if physicalNow > c.wallTime {
		c.wallTime = physicalNow
	}

	if currentMS > c.lastMS {
		c.lastMS = currentMS
		c.logical = 0
	}

	// Spin to the next millisecond if the logical counter is exhausted,
	// otherwise two messages minted in the same millisecond could share an ID.
	for c.logical >= LogicalMask {
		time.Sleep(100 * time.Microsecond)
		now := time.Now().UnixNano()
		nowMS := now / 1_000_000
		if nowMS > c.lastMS {
			c.wallTime = now
			c.lastMS = nowMS
			c.logical = 0
			break
		}
	}

	c.logical++

	return Timestamp{
		WallTime: c.wallTime,
		Logical:  c.logical,
		NodeID:   c.nodeID,
	}
}

// Update merges a remote timestamp into the clock, keeping local events
// causally after anything already observed from peers.
func (c *Clock) Update(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := time.Now().UnixNano()

	maxWall := c.wallTime
	if remote.WallTime > maxWall {
		maxWall = remote.WallTime
	}
	if physicalNow > maxWall {
		maxWall = physicalNow
	}

	maxWallMS := maxWall / 1_000_000
	if maxWallMS > c.lastMS {
		c.lastMS = maxWallMS
		c.logical = 0
	}

	if maxWall == c.wallTime && maxWall == remote.WallTime {
		if remote.Logical > c.logical {
			c.logical = remote.Logical
		}
	}
	c.wallTime = maxWall
	c.logical++

	return Timestamp{
		WallTime: c.wallTime,
		Logical:  c.logical,
		NodeID:   c.nodeID,
	}
}

// ToID packs the timestamp into a unique 64-bit ID.
func (t Timestamp) ToID() uint64 {
	ms := uint64(t.WallTime / 1_000_000)
	return (ms << physicalShift) | ((t.NodeID & nodeMask) << nodeShift) | (uint64(t.Logical) & LogicalMask)
}

// Compare returns -1, 0 or 1 ordering two timestamps.
func (t Timestamp) Compare(other Timestamp) int {
	if t.WallTime != other.WallTime {
		if t.WallTime < other.WallTime {
			return -1
		}
		return 1
	}
	if t.Logical != other.Logical {
		if t.Logical < other.Logical {
			return -1
		}
		return 1
	}
	return 0
}
