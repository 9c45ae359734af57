package chunklist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPinsAndReleaseSignalsCompletion(t *testing.T) {
	m := NewMemory(2, 16, 8)
	var completed []int
	m.OnPieceCompleted(func(idx int, ok bool) { completed = append(completed, idx) })

	h, err := m.Get(0, true)
	require.NoError(t, err)
	assert.Equal(t, 0, h.PieceIndex())
	m.Release(h)
	assert.Equal(t, []int{0}, completed)
}

func TestGetOutOfRangeErrors(t *testing.T) {
	m := NewMemory(2, 16, 8)
	_, err := m.Get(5, false)
	assert.Error(t, err)
}

func TestLastPieceUsesShorterSize(t *testing.T) {
	m := NewMemory(2, 16, 8)
	h, err := m.Get(1, true)
	require.NoError(t, err)
	areas := h.MemoryAreas()
	require.Len(t, areas, 1)
	assert.Len(t, areas[0].Data, 8)
}

func TestWriteReadRoundTrip(t *testing.T) {
	m := NewMemory(1, 16, 16)
	m.WriteAt(0, 4, []byte("abcd"))
	got := m.ReadAt(0, 4, 4)
	assert.Equal(t, []byte("abcd"), got)
}

func TestRefcountOnlyCompletesOnLastRelease(t *testing.T) {
	m := NewMemory(1, 16, 16)
	var completions int
	m.OnPieceCompleted(func(int, bool) { completions++ })

	h1, _ := m.Get(0, true)
	h2, _ := m.Get(0, false)
	m.Release(h1)
	assert.Equal(t, 0, completions)
	m.Release(h2)
	assert.Equal(t, 1, completions)
}
