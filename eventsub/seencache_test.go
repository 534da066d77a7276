package eventsub

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeenCacheRemembersIDs(t *testing.T) {
	c := newSeenCache(4)

	require.False(t, c.remember("a"))
	require.False(t, c.remember("b"))
	require.True(t, c.remember("a"))
	require.True(t, c.remember("b"))
}

func TestSeenCacheEvictsOldestFirst(t *testing.T) {
	c := newSeenCache(3)

	require.False(t, c.remember("a"))
	require.False(t, c.remember("b"))
	require.False(t, c.remember("c"))

	// d evicts a, the oldest entry.
	require.False(t, c.remember("d"))
	require.True(t, c.remember("b"))
	require.True(t, c.remember("c"))
	require.True(t, c.remember("d"))

	// a counts as new again and evicts b.
	require.False(t, c.remember("a"))
	require.False(t, c.remember("b"))
}

func TestSeenCacheDefaultCapacity(t *testing.T) {
	c := newSeenCache(0)

	for i := 0; i < defaultSeenCacheCapacity; i++ {
		c.remember(fmt.Sprintf("id-%d", i))
	}
	require.True(t, c.remember("id-0"))
	require.True(t, c.remember(fmt.Sprintf("id-%d", defaultSeenCacheCapacity-1)))

	// One more insert pushes out the oldest id.
	require.False(t, c.remember("overflow"))
	require.False(t, c.remember("id-0"))
}
