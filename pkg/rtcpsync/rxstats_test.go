// Copyright 2025 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rtcpsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSeqProbation(t *testing.T) {
	s := &seqTracker{}

	require.False(t, s.update(100))
	require.True(t, s.update(101))
	require.Equal(t, uint32(1), s.received)
}

func TestSeqWrapIncrementsCycles(t *testing.T) {
	s := &seqTracker{}
	s.update(65533)
	s.update(65534)
	s.update(65535)
	s.update(0)
	s.update(1)

	require.Equal(t, uint32(rtpSeqMod), s.cycles)
	require.Equal(t, uint32(rtpSeqMod)|1, s.extendedHighest())
}

func TestSeqLossCounting(t *testing.T) {
	s := &seqTracker{}
	s.update(0)
	s.update(1)
	for seq := uint16(2); seq < 100; seq++ {
		if seq >= 26 && seq < 51 {
			continue // 25 packets lost
		}
		s.update(seq)
	}

	require.Equal(t, int64(25), s.cumulativeLost())
}

func TestSeqDuplicateAllowsNegativeLost(t *testing.T) {
	s := &seqTracker{}
	s.update(10)
	s.update(11)
	s.update(12)
	s.update(12)
	s.update(12)

	// duplicates inflate received beyond expected; tracking must not clamp
	require.Negative(t, s.cumulativeLost())
}

func TestSeqLargeJumpRestart(t *testing.T) {
	s := &seqTracker{}
	s.update(10)
	s.update(11)
	s.update(12)

	// a single wild jump is rejected
	require.False(t, s.update(40000))
	// a second consecutive value at the new position re-syncs
	require.True(t, s.update(40001))
	require.Equal(t, uint16(40001), s.maxSeq)
	require.Equal(t, uint32(0), s.cycles)
}

func TestJitterConvergence(t *testing.T) {
	r := newSyncRecord(1, time.Unix(0, 0))

	// transit deltas of 10 ticks each
	transits := []uint32{1000, 1010, 1000, 1010}
	for i, tr := range transits {
		r.updateJitter(0, tr) // rtpTS fixed; arrival carries the transit
		if i == 0 {
			require.Zero(t, r.jitter)
		}
	}

	// each step is bounded by D/16 and the estimate stays under D
	require.Greater(t, r.jitter, 0.0)
	require.Less(t, r.jitter, 10.0)

	prev := r.jitter
	r.updateJitter(0, 1000)
	require.LessOrEqual(t, r.jitter-prev, 10.0/16.0)
}
