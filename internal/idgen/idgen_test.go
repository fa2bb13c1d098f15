package idgen

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func TestNext_Layout(t *testing.T) {
	g := NewWithClock(fixedClock(0x123456))

	id := g.Next()

	assert.Equal(t, int32(0x123456<<8|1), id)
	assert.Equal(t, int32(0x123456), id>>8)
	assert.Equal(t, int32(1), id&0xFF)
}

func TestNext_TimeTruncatedTo23Bits(t *testing.T) {
	g := NewWithClock(fixedClock(1_700_000_000_123))

	id := g.Next()

	assert.Equal(t, int32(1_700_000_000_123&timeMask), id>>8)
	assert.GreaterOrEqual(t, id, int32(0), "ids stay within 31 bits")
}

func TestNext_CounterWrapsToOne(t *testing.T) {
	g := NewWithClock(fixedClock(42))

	for want := int32(1); want <= 255; want++ {
		require.Equal(t, want, g.Next()&0xFF)
	}
	assert.Equal(t, int32(1), g.Next()&0xFF, "counter skips 0 after 255")
	assert.Equal(t, int32(2), g.Next()&0xFF)
}

func TestReset(t *testing.T) {
	g := NewWithClock(fixedClock(7))
	g.Next()
	g.Next()

	g.Reset()

	assert.Equal(t, int32(7<<8|1), g.Next())
}

func TestNext_UniqueWithinMillisecond(t *testing.T) {
	g := NewWithClock(fixedClock(99))

	var mu sync.Mutex
	seen := make(map[int32]struct{})
	var wg sync.WaitGroup
	for i := 0; i < 255; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := g.Next()
			mu.Lock()
			seen[id] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 255)
}
