// ABOUTME: Tests for four-timestamp offset estimation
// ABOUTME: Covers synchronized and offset clocks, bad rounds, aggregation
package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestComputeSynchronizedClocks(t *testing.T) {
	// Symmetric 100us legs, no clock offset.
	s, err := Compute(1000, 1100, 1200, 1300)
	require.NoError(t, err)
	assert.Equal(t, int64(200), s.RTT)
	assert.Equal(t, int64(0), s.Offset)
}

func TestComputeOffsetClock(t *testing.T) {
	// Server clock runs 500us ahead; 50us legs, 10us processing.
	s, err := Compute(1000, 1550, 1560, 1110)
	require.NoError(t, err)
	assert.Equal(t, int64(100), s.RTT)
	assert.Equal(t, int64(500), s.Offset)
}

func TestComputeNegativeOffset(t *testing.T) {
	// Server clock runs behind; offset must come out negative.
	s, err := Compute(10_000, 9_100, 9_110, 10_210)
	require.NoError(t, err)
	assert.Equal(t, int64(200), s.RTT)
	assert.Equal(t, int64(-1000), s.Offset)
}

func TestComputeInconsistentRound(t *testing.T) {
	// Server claims more processing time than the whole round took.
	_, err := Compute(1000, 1100, 1900, 1300)
	assert.ErrorIs(t, err, ErrInconsistent)
}

func TestComputeZeroRTT(t *testing.T) {
	// Instantaneous round trip is degenerate but consistent.
	s, err := Compute(1000, 1000, 1000, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(0), s.RTT)
	assert.Equal(t, int64(0), s.Offset)
}

func TestComputeRecoversOffsetUnderSymmetricLatency(t *testing.T) {
	// With symmetric legs the estimator is exact regardless of latency,
	// processing time, or the true offset (up to integer division).
	rapid.Check(t, func(t *rapid.T) {
		t0 := rapid.Uint64Range(0, 1<<50).Draw(t, "t0")
		leg := rapid.Uint64Range(0, 1<<20).Draw(t, "leg")
		proc := rapid.Uint64Range(0, 1<<20).Draw(t, "proc")
		offset := rapid.Int64Range(-1<<40, 1<<40).Draw(t, "offset")

		t1 := uint64(int64(t0+leg) + offset)
		t2 := t1 + proc
		t3 := t0 + leg + proc + leg

		s, err := Compute(t0, t1, t2, t3)
		if err != nil {
			t.Fatalf("consistent round rejected: %v", err)
		}
		if s.RTT != int64(2*leg) {
			t.Fatalf("rtt = %d, want %d", s.RTT, 2*leg)
		}
		// Integer halving can lose at most one microsecond.
		if diff := s.Offset - offset; diff > 1 || diff < -1 {
			t.Fatalf("offset = %d, want %d", s.Offset, offset)
		}
	})
}

func TestMean(t *testing.T) {
	samples := []Sample{
		{Offset: 100, RTT: 200},
		{Offset: 200, RTT: 400},
		{Offset: 300, RTT: 600},
	}
	agg := Mean(samples)
	assert.Equal(t, int64(200), agg.Offset)
	assert.Equal(t, int64(400), agg.RTT)
}

func TestMeanEmpty(t *testing.T) {
	assert.Equal(t, Sample{}, Mean(nil))
}

func TestMinRTT(t *testing.T) {
	samples := []Sample{
		{Offset: 100, RTT: 900},
		{Offset: 250, RTT: 150},
		{Offset: 300, RTT: 600},
	}
	best := MinRTT(samples)
	assert.Equal(t, int64(250), best.Offset)
	assert.Equal(t, int64(150), best.RTT)
}

func TestMinRTTEmpty(t *testing.T) {
	assert.Equal(t, Sample{}, MinRTT(nil))
}
