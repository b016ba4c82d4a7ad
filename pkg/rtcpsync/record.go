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
	"time"

	"go.uber.org/zap/zapcore"
)

// syncRecord holds everything the engine knows about one sender,
// keyed by SSRC. All fields are guarded by the engine mutex.
type syncRecord struct {
	ssrc  uint32
	cname string

	// 32 -> 64 bit sample-clock extension
	unwrap tsUnwrapper

	// linear clock mapping, re-anchored on each accepted sender report
	anchorLocal time.Time // local monotonic time at SR receipt
	anchorNTP   time.Time // sender NTP time from the SR
	anchorRTP   uint32    // sender sample-clock value from the SR
	anchorLSR   uint32    // middle 32 bits of the SR NTP timestamp
	slope       float64   // multiplicative rate correction, nominal 1.0
	corrOffset  time.Duration

	senderPackets uint32
	senderOctets  uint32

	// reception statistics
	seq         seqTracker
	jitter      float64
	lastTransit uint32
	hasTransit  bool

	// snapshot at the previous receiver report
	prevExpected uint32
	prevReceived uint32

	// drift corrector accumulators
	pll pllState

	// liveness / arbitration
	activeSince  time.Time
	lastActivity time.Time
	valid        bool
	pinned       bool
}

func newSyncRecord(ssrc uint32, now time.Time) *syncRecord {
	return &syncRecord{
		ssrc:         ssrc,
		slope:        1.0,
		activeSince:  now,
		lastActivity: now,
	}
}

func (r *syncRecord) fresh(now time.Time, maxAge time.Duration) bool {
	return r.valid && now.Sub(r.anchorLocal) <= maxAge
}

// clockOffset is the load-bearing offset of the linear mapping:
// local_monotonic = sender_ntp + offset.
func (r *syncRecord) clockOffset() time.Duration {
	return r.anchorLocal.Sub(r.anchorNTP)
}

func (r *syncRecord) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if r == nil {
		return nil
	}

	e.AddUint32("SSRC", r.ssrc)
	if r.cname != "" {
		e.AddString("CNAME", r.cname)
	}
	e.AddTime("anchorLocal", r.anchorLocal)
	e.AddTime("anchorNTP", r.anchorNTP)
	e.AddUint32("anchorRTP", r.anchorRTP)
	e.AddFloat64("slope", r.slope)
	e.AddDuration("corrOffset", r.corrOffset)
	e.AddDuration("clockOffset", r.clockOffset())
	e.AddUint32("extendedHighestSeq", r.seq.extendedHighest())
	e.AddInt64("cumulativeLost", r.seq.cumulativeLost())
	e.AddFloat64("jitter", r.jitter)
	e.AddTime("lastActivity", r.lastActivity)
	e.AddBool("valid", r.valid)
	e.AddBool("pinned", r.pinned)
	return nil
}

// ---------------------------

// tsUnwrapper extends a wrapping 32-bit sample-clock counter to 64 bits.
// Values arriving in capture order with gaps smaller than 2^31 produce a
// non-decreasing 64-bit sequence.
type tsUnwrapper struct {
	last32      uint32
	cycles      uint64
	last64      uint64
	initialized bool
}

func (u *tsUnwrapper) unwrapTS(raw uint32) uint64 {
	if !u.initialized {
		u.last32 = raw
		u.last64 = uint64(raw)
		u.initialized = true
		return u.last64
	}

	// a forward wrap shows up as the raw value dropping by more than
	// half the 32-bit space
	if raw < u.last32 && u.last32-raw > 1<<31 {
		u.cycles++
	}

	u.last32 = raw
	u.last64 = u.cycles<<32 | uint64(raw)
	return u.last64
}

// ---------------------------

// rtpConverter converts sample-clock tick deltas to durations without
// overflowing, reducing the ns/rate ratio up front.
type rtpConverter struct {
	ns  uint64
	rtp uint64
}

func newRTPConverter(clockRate int64) rtpConverter {
	ns := time.Second.Nanoseconds()
	for _, i := range []int64{10, 3, 2} {
		for ns%i == 0 && clockRate%i == 0 {
			ns /= i
			clockRate /= i
		}
	}

	return rtpConverter{ns: uint64(ns), rtp: uint64(clockRate)}
}

func (c rtpConverter) toDuration(ticks int64) time.Duration {
	if ticks < 0 {
		return -time.Duration(uint64(-ticks) * c.ns / c.rtp)
	}
	return time.Duration(uint64(ticks) * c.ns / c.rtp)
}

func (c rtpConverter) toRTP(d time.Duration) uint32 {
	return uint32(d.Nanoseconds() * int64(c.rtp) / int64(c.ns))
}

// toDurationScaled applies the record's slope correction to a tick delta.
func (c rtpConverter) toDurationScaled(ticks int64, slope float64) time.Duration {
	return time.Duration(float64(c.toDuration(ticks)) * slope)
}
