// ABOUTME: NTP-style clock offset estimation
// ABOUTME: Four-timestamp offset/RTT math plus burst aggregation
package clock

import "errors"

// Sample is the result of one completed sync round.
type Sample struct {
	// Offset is the signed microseconds to add to the client clock to
	// obtain server time.
	Offset int64
	// RTT is the round trip excluding server-side processing, in
	// microseconds.
	RTT int64
}

// ErrInconsistent marks a round whose timestamps cannot come from
// consistent clocks. The sample is discarded; the sync burst continues.
var ErrInconsistent = errors.New("clock: inconsistent sync timestamps")

// Compute derives offset and RTT from one four-timestamp exchange:
//
//	t0: client send (client clock)
//	t1: server receive (server clock)
//	t2: server transmit (server clock)
//	t3: client receive (client clock)
//
// All arithmetic happens in signed 64-bit so unsynchronized epochs
// cannot wrap. The formulas assume symmetric one-way latency; with
// asymmetric paths the offset error is bounded by half the asymmetry.
func Compute(t0, t1, t2, t3 uint64) (Sample, error) {
	rtt := (int64(t3) - int64(t0)) - (int64(t2) - int64(t1))
	if rtt < 0 {
		return Sample{}, ErrInconsistent
	}
	offset := ((int64(t1) - int64(t0)) + (int64(t2) - int64(t3))) / 2
	return Sample{Offset: offset, RTT: rtt}, nil
}

// Mean aggregates a burst by averaging offsets and RTTs. Returns the
// zero Sample for an empty burst.
func Mean(samples []Sample) Sample {
	if len(samples) == 0 {
		return Sample{}
	}
	var offsetSum, rttSum int64
	for _, s := range samples {
		offsetSum += s.Offset
		rttSum += s.RTT
	}
	n := int64(len(samples))
	return Sample{Offset: offsetSum / n, RTT: rttSum / n}
}

// MinRTT picks the burst sample with the lowest RTT, the one least
// polluted by queuing delay. Returns the zero Sample for an empty burst.
func MinRTT(samples []Sample) Sample {
	if len(samples) == 0 {
		return Sample{}
	}
	best := samples[0]
	for _, s := range samples[1:] {
		if s.RTT < best.RTT {
			best = s
		}
	}
	return best
}
