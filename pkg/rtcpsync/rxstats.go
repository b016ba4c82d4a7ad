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

// Sequence number tracking per RFC 3550 appendix A.1.
const (
	rtpSeqMod     = 1 << 16
	maxDropout    = 3000
	maxMisorder   = 100
	minSequential = 2
)

type seqTracker struct {
	baseSeq     uint16
	maxSeq      uint16
	badSeq      uint32 // rtpSeqMod + 1 when unset
	cycles      uint32 // shifted count of sequence number wraps
	received    uint32
	probation   int
	initialized bool
}

func (s *seqTracker) initSeq(seq uint16) {
	s.baseSeq = seq
	s.maxSeq = seq
	s.badSeq = rtpSeqMod + 1
	s.cycles = 0
	s.received = 0
}

// update processes a new sequence number, returning false while the
// source is still on probation.
func (s *seqTracker) update(seq uint16) bool {
	if !s.initialized {
		s.initSeq(seq)
		s.maxSeq = seq - 1
		s.probation = minSequential
		s.initialized = true
	}

	delta := seq - s.maxSeq

	if s.probation > 0 {
		// source is not valid until minSequential packets in sequence
		if seq == s.maxSeq+1 {
			s.probation--
			s.maxSeq = seq
			if s.probation == 0 {
				s.initSeq(seq)
				s.received++
				return true
			}
		} else {
			s.probation = minSequential - 1
			s.maxSeq = seq
		}
		return false
	}

	switch {
	case delta < maxDropout:
		// in order, with permissible gap
		if seq < s.maxSeq {
			s.cycles += rtpSeqMod
		}
		s.maxSeq = seq
	case delta <= rtpSeqMod-maxMisorder:
		// the sequence number made a very large jump
		if uint32(seq) == s.badSeq {
			// two sequential packets: assume the other side restarted
			// without telling us, re-sync
			s.initSeq(seq)
		} else {
			s.badSeq = uint32(seq+1) & (rtpSeqMod - 1)
			return false
		}
	default:
		// duplicate or reordered packet
	}

	s.received++
	return true
}

func (s *seqTracker) extendedHighest() uint32 {
	return s.cycles | uint32(s.maxSeq)
}

func (s *seqTracker) extendedExpected() uint32 {
	return s.extendedHighest() - uint32(s.baseSeq) + 1
}

// cumulativeLost may be negative transiently on duplicate or reordered
// delivery; it is only clamped when packed into a report block.
func (s *seqTracker) cumulativeLost() int64 {
	if !s.initialized || s.probation > 0 {
		return 0
	}
	return int64(s.extendedExpected()) - int64(s.received)
}

// updateJitter folds one arrival into the RFC 3550 6.4.4 interarrival
// jitter estimate. Both timestamps are in sample-clock ticks and the
// difference arithmetic relies on uint32 wraparound.
func (r *syncRecord) updateJitter(rtpTS uint32, arrivalTicks uint32) {
	transit := arrivalTicks - rtpTS
	if r.hasTransit {
		d := int32(transit - r.lastTransit)
		if d < 0 {
			d = -d
		}
		r.jitter += (float64(d) - r.jitter) / 16
	}
	r.lastTransit = transit
	r.hasTransit = true
}
