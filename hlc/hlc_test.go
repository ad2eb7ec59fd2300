package hlc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUpdateNowMonotonic(t *testing.T) {
	c := New("node-a", 0)
	first := c.UpdateNow()
	second := c.UpdateNow()
	ts1, err := Parse(first)
	require.NoError(t, err)
	ts2, err := Parse(second)
	require.NoError(t, err)
	require.True(t, Compare(ts1, ts2) <= 0)
}

func TestUpdateMergesCounterOnSameWall(t *testing.T) {
	fixed := time.UnixMilli(1_000_000)
	c := New("node-a", 0)
	c.nowFunc = func() time.Time { return fixed }

	remote := Timestamp{WallMS: 1_000_000, Counter: 5, NodeID: "node-b"}
	require.NoError(t, c.Update(remote))
	got := c.Now()
	require.Equal(t, uint64(1_000_000), got.WallMS)
	require.Equal(t, uint64(6), got.Counter)
}

func TestUpdateDetectsDrift(t *testing.T) {
	fixed := time.UnixMilli(1_000_000)
	c := New("node-a", 10*time.Millisecond)
	c.nowFunc = func() time.Time { return fixed }

	remote := Timestamp{WallMS: 2_000_000, Counter: 0, NodeID: "node-b"}
	require.ErrorIs(t, c.Update(remote), ErrClockDrift)
}

func TestSerializeRoundTrip(t *testing.T) {
	ts := Timestamp{WallMS: 42, Counter: 7, NodeID: "n1"}
	parsed, err := Parse(ts.String())
	require.NoError(t, err)
	require.Equal(t, ts, parsed)
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse("not-a-timestamp")
	require.Error(t, err)
}
