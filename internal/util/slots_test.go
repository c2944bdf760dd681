package util

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestSlotsReplaceSupersedesOlderTimer(t *testing.T) {
	clk := clock.NewMock()
	s := NewSlots[string](clk)

	var first, second atomic.Int32
	s.Set("k", time.Second, func() { first.Add(1) })
	s.Set("k", 3*time.Second, func() { second.Add(1) })
	require.Equal(t, 1, s.Len())

	clk.Add(2 * time.Second)
	require.Never(t, func() bool { return first.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	require.True(t, s.Pending("k"))

	clk.Add(time.Second)
	require.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.False(t, s.Pending("k"))
	require.Zero(t, first.Load())
}

func TestSlotsCancel(t *testing.T) {
	clk := clock.NewMock()
	s := NewSlots[int](clk)

	var fired atomic.Bool
	s.Set(1, time.Second, func() { fired.Store(true) })
	require.True(t, s.Cancel(1))
	require.False(t, s.Cancel(1))

	clk.Add(5 * time.Second)
	require.Never(t, fired.Load, 50*time.Millisecond, 5*time.Millisecond)
}

func TestSlotsCancelAllAndDeadline(t *testing.T) {
	clk := clock.NewMock()
	s := NewSlots[string](clk)

	s.Set("a", time.Second, func() {})
	s.Set("b", 2*time.Second, func() {})

	at, ok := s.Deadline("b")
	require.True(t, ok)
	require.Equal(t, clk.Now().Add(2*time.Second), at)

	require.Equal(t, 2, s.CancelAll())
	require.Zero(t, s.Len())
	_, ok = s.Deadline("b")
	require.False(t, ok)
}

func TestValidateUserID(t *testing.T) {
	id, err := ValidateUserID("  alice ")
	require.NoError(t, err)
	require.Equal(t, "alice", id)

	for _, bad := range []string{"", "   ", "a b", "calls:x"} {
		_, err := ValidateUserID(bad)
		require.Error(t, err, bad)
	}
}

func TestValidateTableName(t *testing.T) {
	require.NoError(t, ValidateTableName("typing_indicators"))
	require.NoError(t, ValidateTableName("_presence2"))
	for _, bad := range []string{"", "2rows", "rows; DROP TABLE x", "a-b", "db-changes:x"} {
		require.Error(t, ValidateTableName(bad), bad)
	}
}
