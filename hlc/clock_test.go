package hlc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNowMonotonic(t *testing.T) {
	clock := NewClock(1)

	prev := clock.Now()
	for i := 0; i < 1000; i++ {
		ts := clock.Now()
		assert.Equal(t, 1, ts.Compare(prev), "timestamps must strictly increase")
		prev = ts
	}
}

func TestToIDUnique(t *testing.T) {
	clock := NewClock(3)

	seen := make(map[uint64]struct{})
	for i := 0; i < 10000; i++ {
		id := clock.Now().ToID()
		_, dup := seen[id]
		assert.False(t, dup, "duplicate ID %d", id)
		seen[id] = struct{}{}
	}
}

func TestUpdateAdvancesPastRemote(t *testing.T) {
	clock := NewClock(1)

	remote := clock.Now()
	remote.WallTime += 1_000_000_000 // remote node one second ahead

	merged := clock.Update(remote)
	assert.GreaterOrEqual(t, merged.WallTime, remote.WallTime)

	next := clock.Now()
	assert.Equal(t, 1, next.Compare(remote))
}
