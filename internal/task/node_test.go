package task

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeOutcomeCounters(t *testing.T) {
	n := NewNode(-100123)
	n.AddTask(5)
	n.AddTask(6)
	n.AddTask(7)
	assert.True(t, n.IsRunning())

	n.RecordOutcome(5, StatusSuccess)
	n.RecordOutcome(6, StatusSkipped)
	assert.True(t, n.IsRunning())
	n.RecordOutcome(7, StatusFailed)

	total, finish, success, failed, skipped := n.Counters()
	assert.EqualValues(t, 3, total)
	assert.EqualValues(t, 3, finish)
	assert.EqualValues(t, 1, success)
	assert.EqualValues(t, 1, failed)
	assert.EqualValues(t, 1, skipped)
	assert.False(t, n.IsRunning())

	s, ok := n.Status(6)
	require.True(t, ok)
	assert.Equal(t, StatusSkipped, s)
}

func TestNodeByteMirrorUsesIncrements(t *testing.T) {
	n := NewNode(1)
	n.AddDownloadedBytes(10, 100)
	n.AddDownloadedBytes(10, 250)
	n.AddDownloadedBytes(11, 50)
	// A stale report never decreases the total.
	n.AddDownloadedBytes(10, 200)
	assert.EqualValues(t, 300, n.DownloadedBytes())
}

func TestRegistryMonotonicIDs(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	ids := make(chan int64, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- r.Register(NewNode(1)).TaskID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate task id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, 100)
}

func TestRegistryStopAll(t *testing.T) {
	r := NewRegistry()
	a := r.Register(NewNode(1))
	b := r.Register(NewNode(2))
	r.StopAll()
	assert.True(t, a.Stopped())
	assert.True(t, b.Stopped())
}
