package upstream

import (
	"testing"

	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToInputMessagesWrapsIDs(t *testing.T) {
	in := toInputMessages([]int{3, 7, 11})
	require.Len(t, in, 3)
	for i, want := range []int{3, 7, 11} {
		wrapped, ok := in[i].(*tg.InputMessageID)
		require.True(t, ok)
		assert.Equal(t, want, wrapped.ID)
	}

	assert.Empty(t, toInputMessages(nil))
}

func TestNormalizeThreads(t *testing.T) {
	assert.Equal(t, 4, normalizeThreads(0))
	assert.Equal(t, 4, normalizeThreads(-1))
	assert.Equal(t, 20, normalizeThreads(20))
}
