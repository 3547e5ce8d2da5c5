package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircularBufferBasicOperations(t *testing.T) {
	buf, err := NewCircularBuffer[string](3)
	require.NoError(t, err)
	defer buf.Close()

	assert.Equal(t, 0, buf.Size())
	assert.Equal(t, 3, buf.Capacity())
	assert.True(t, buf.IsEmpty())
	assert.False(t, buf.IsFull())

	require.NoError(t, buf.Write("first"))
	require.NoError(t, buf.Write("second"))
	require.NoError(t, buf.Write("third"))
	assert.True(t, buf.IsFull())

	value, ok := buf.Peek()
	require.True(t, ok)
	assert.Equal(t, "first", value)
	assert.Equal(t, 3, buf.Size(), "peek must not consume")

	value, ok = buf.Read()
	require.True(t, ok)
	assert.Equal(t, "first", value)
	assert.Equal(t, 2, buf.Size())
}

func TestDropOldestOverflow(t *testing.T) {
	var dropped []int
	buf, err := NewCircularBuffer[int](2,
		WithOverflowPolicy[int](DropOldest),
		WithDropCallback[int](func(item int) { dropped = append(dropped, item) }),
	)
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	require.NoError(t, buf.Write(3)) // evicts 1

	assert.Equal(t, []int{1}, dropped)
	assert.Equal(t, int64(1), buf.Stats().Overflows())

	value, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, 2, value)
	value, ok = buf.Read()
	require.True(t, ok)
	assert.Equal(t, 3, value)
}

func TestDropNewestOverflow(t *testing.T) {
	var dropped []int
	buf, err := NewCircularBuffer[int](2,
		WithOverflowPolicy[int](DropNewest),
		WithDropCallback[int](func(item int) { dropped = append(dropped, item) }),
	)
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	require.NoError(t, buf.Write(3)) // rejected

	assert.Equal(t, []int{3}, dropped)

	value, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, 1, value)
}

func TestReadBatch(t *testing.T) {
	buf, err := NewCircularBuffer[int](10)
	require.NoError(t, err)
	defer buf.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, buf.Write(i))
	}

	batch := buf.ReadBatch(3)
	assert.Equal(t, []int{0, 1, 2}, batch)
	assert.Equal(t, 2, buf.Size())

	// Batch larger than contents drains everything
	batch = buf.ReadBatch(100)
	assert.Equal(t, []int{3, 4}, batch)
	assert.True(t, buf.IsEmpty())

	assert.Nil(t, buf.ReadBatch(3))
	assert.Nil(t, buf.ReadBatch(0))
}

func TestReadEmpty(t *testing.T) {
	buf, err := NewCircularBuffer[int](2)
	require.NoError(t, err)
	defer buf.Close()

	_, ok := buf.Read()
	assert.False(t, ok)
	_, ok = buf.Peek()
	assert.False(t, ok)
}

func TestWriteAfterClose(t *testing.T) {
	buf, err := NewCircularBuffer[int](2)
	require.NoError(t, err)
	require.NoError(t, buf.Close())
	assert.Error(t, buf.Write(1))
}

func TestClearInvokesDropCallback(t *testing.T) {
	var dropped []int
	buf, err := NewCircularBuffer[int](4,
		WithDropCallback[int](func(item int) { dropped = append(dropped, item) }),
	)
	require.NoError(t, err)
	defer buf.Close()

	for i := 1; i <= 3; i++ {
		require.NoError(t, buf.Write(i))
	}
	buf.Clear()

	assert.True(t, buf.IsEmpty())
	assert.Equal(t, []int{1, 2, 3}, dropped)
}

func TestWrapAroundOrdering(t *testing.T) {
	buf, err := NewCircularBuffer[int](3)
	require.NoError(t, err)
	defer buf.Close()

	// Force the ring to wrap several times and verify FIFO order survives
	next := 0
	for round := 0; round < 5; round++ {
		for i := 0; i < 3; i++ {
			require.NoError(t, buf.Write(round*3+i))
		}
		for i := 0; i < 3; i++ {
			v, ok := buf.Read()
			require.True(t, ok)
			assert.Equal(t, next, v)
			next++
		}
	}
}

func TestConcurrentProducersConsumers(t *testing.T) {
	buf, err := NewCircularBuffer[int](1000)
	require.NoError(t, err)
	defer buf.Close()

	const producers = 4
	const perProducer = 250

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = buf.Write(base + i)
			}
		}(p * perProducer)
	}
	wg.Wait()

	assert.Equal(t, producers*perProducer, buf.Size())
	assert.Equal(t, int64(producers*perProducer), buf.Stats().Writes())

	seen := make(map[int]bool)
	for {
		v, ok := buf.Read()
		if !ok {
			break
		}
		assert.False(t, seen[v], "value %d read twice", v)
		seen[v] = true
	}
	assert.Len(t, seen, producers*perProducer)
}

func TestStatisticsTracking(t *testing.T) {
	buf, err := NewCircularBuffer[int](2, WithOverflowPolicy[int](DropOldest))
	require.NoError(t, err)
	defer buf.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, buf.Write(i))
	}
	buf.Read()

	stats := buf.Stats()
	assert.Equal(t, int64(5), stats.Writes())
	assert.Equal(t, int64(1), stats.Reads())
	assert.Equal(t, int64(3), stats.Drops())
	assert.Equal(t, int64(1), stats.CurrentSize())
	assert.Equal(t, int64(2), stats.MaxSize())
	assert.InDelta(t, 0.6, stats.DropRate(), 1e-9)

	stats.Reset()
	assert.Equal(t, int64(0), stats.Writes())
	assert.Equal(t, int64(0), stats.Drops())
}

func TestMinimumCapacity(t *testing.T) {
	buf, err := NewCircularBuffer[int](0)
	require.NoError(t, err)
	defer buf.Close()
	assert.Equal(t, 1, buf.Capacity())
}
