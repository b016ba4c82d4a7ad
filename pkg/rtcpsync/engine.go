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
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pion/rtp"
	"go.uber.org/atomic"
	"go.uber.org/zap/zapcore"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils/mono"
)

const (
	DefaultCapacity  = 4
	DefaultClockRate = 48000
	DefaultMaxSRAge  = 15 * time.Second

	// lockPollInterval paces TryLock retries on the bounded-wait query path
	lockPollInterval = 50 * time.Microsecond
)

// Engine owns the fixed-capacity table of per-source sync records and the
// primary-source selection state. All exported methods are safe for
// concurrent use; every registry access is a short-held critical section
// with no blocking I/O inside.
type Engine struct {
	mu sync.Mutex

	capacity  int
	clockRate uint32
	converter rtpConverter
	maxSRAge  time.Duration

	hysteresis time.Duration
	pllConfig  pllConfig

	records []*syncRecord

	primarySSRC  uint32
	primaryValid bool

	now    func() time.Time
	logger logger.Logger

	stats EngineStats
}

// EngineStats counters are updated outside the registry lock and may be
// read at any time.
type EngineStats struct {
	SenderReports    atomic.Uint32
	ReportsDropped   atomic.Uint32
	ByesReceived     atomic.Uint32
	AdmissionRefused atomic.Uint32
	Evictions        atomic.Uint32
	StaleQueries     atomic.Uint32
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		capacity:   DefaultCapacity,
		clockRate:  DefaultClockRate,
		converter:  newRTPConverter(DefaultClockRate),
		maxSRAge:   DefaultMaxSRAge,
		hysteresis: defaultHysteresis,
		pllConfig:  defaultPLLConfig(),
		now:        mono.Now,
		logger:     logger.LogRLogger(logr.Discard()),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.records = make([]*syncRecord, 0, e.capacity)
	return e
}

func (e *Engine) Stats() *EngineStats {
	return &e.stats
}

// findLocked returns the record for ssrc, or nil.
func (e *Engine) findLocked(ssrc uint32) *syncRecord {
	for _, r := range e.records {
		if r.ssrc == ssrc {
			return r
		}
	}
	return nil
}

// fetchOrCreateLocked admits a new source, evicting the least recently
// active unpinned record when the table is full. Admission fails when
// every record is pinned.
func (e *Engine) fetchOrCreateLocked(ssrc uint32, now time.Time) (*syncRecord, error) {
	if r := e.findLocked(ssrc); r != nil {
		return r, nil
	}

	if len(e.records) < e.capacity {
		r := newSyncRecord(ssrc, now)
		e.records = append(e.records, r)
		return r, nil
	}

	victim := -1
	for i, r := range e.records {
		if r.pinned {
			continue
		}
		if victim < 0 || r.lastActivity.Before(e.records[victim].lastActivity) {
			victim = i
		}
	}
	if victim < 0 {
		e.stats.AdmissionRefused.Inc()
		return nil, ErrAdmissionRefused
	}

	evicted := e.records[victim]
	if e.primaryValid && e.primarySSRC == evicted.ssrc {
		e.primaryValid = false
	}
	e.stats.Evictions.Inc()
	e.logger.Infow(
		"evicting sync record",
		"evictedSSRC", evicted.ssrc,
		"newSSRC", ssrc,
		"idle", now.Sub(evicted.lastActivity),
	)

	r := newSyncRecord(ssrc, now)
	e.records[victim] = r
	return r, nil
}

// OnRTP updates reception statistics and unwrap state from a data-plane
// packet. receivedAt is the local monotonic arrival time.
func (e *Engine) OnRTP(pkt *rtp.Packet, receivedAt time.Time) error {
	return e.OnPacket(pkt.SSRC, pkt.SequenceNumber, pkt.Timestamp, receivedAt)
}

// OnPacket is the raw form of OnRTP for callers that have already framed
// the header fields.
func (e *Engine) OnPacket(ssrc uint32, seq uint16, rtpTS uint32, receivedAt time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	r, err := e.fetchOrCreateLocked(ssrc, now)
	if err != nil {
		return err
	}

	r.seq.update(seq)
	r.unwrap.unwrapTS(rtpTS)

	// arrival time in sample-clock ticks, truncated to 32 bits as RFC 3550
	// jitter arithmetic expects; seconds and sub-second parts convert
	// separately so rates that do not divide a second stay exact
	ns := receivedAt.UnixNano()
	rate := int64(e.clockRate)
	arrivalTicks := uint32(ns/1e9*rate + ns%1e9*rate/1e9)
	r.updateJitter(rtpTS, arrivalTicks)

	r.lastActivity = now
	return nil
}

// Unwrap extends a raw 32-bit sample-clock value for a tracked source.
// It fails for SSRCs the registry is not tracking.
func (e *Engine) Unwrap(ssrc uint32, raw uint32) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.findLocked(ssrc)
	if r == nil {
		return 0, ErrSourceNotFound
	}
	return r.unwrap.unwrapTS(raw), nil
}

// HasTiming reports whether playout-time queries for ssrc can succeed.
func (e *Engine) HasTiming(ssrc uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.findLocked(ssrc)
	return r != nil && r.fresh(e.now(), e.maxSRAge)
}

// PlayoutTime maps a sample-clock timestamp from a data packet to the
// local monotonic instant at which that sample should be rendered.
func (e *Engine) PlayoutTime(ssrc uint32, rtpTS uint32) (time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.playoutTimeLocked(ssrc, rtpTS)
}

// PlayoutTimeWithin is PlayoutTime with a bounded lock wait, for live-read
// paths that must not stall real-time audio. It fails with ErrLockTimeout
// instead of blocking past maxWait.
func (e *Engine) PlayoutTimeWithin(ssrc uint32, rtpTS uint32, maxWait time.Duration) (time.Time, error) {
	deadline := time.Now().Add(maxWait)
	for !e.mu.TryLock() {
		if time.Now().After(deadline) {
			return time.Time{}, ErrLockTimeout
		}
		time.Sleep(lockPollInterval)
	}
	defer e.mu.Unlock()

	return e.playoutTimeLocked(ssrc, rtpTS)
}

func (e *Engine) playoutTimeLocked(ssrc uint32, rtpTS uint32) (time.Time, error) {
	r := e.findLocked(ssrc)
	if r == nil {
		return time.Time{}, ErrSourceNotFound
	}
	if !r.fresh(e.now(), e.maxSRAge) {
		e.stats.StaleQueries.Inc()
		return time.Time{}, ErrNotFresh
	}

	// unwrap relative to the SR anchor; deltas wider than half the 32-bit
	// space are indistinguishable from backward time travel
	delta := int64(int32(rtpTS - r.anchorRTP))
	d := e.converter.toDurationScaled(delta, r.slope)

	pt := r.anchorLocal.Add(d + r.corrOffset)
	if pt.Before(time.Unix(0, 0)) {
		return time.Time{}, ErrTimestampUnderflow
	}
	return pt, nil
}

// SyncInfo is a consistent snapshot of one record, taken in a single
// critical section.
type SyncInfo struct {
	SSRC               uint32
	CNAME              string
	NTPTime            time.Time
	RTPTime            uint32
	ReceivedAt         time.Time
	ClockOffset        time.Duration
	Slope              float64
	PacketCount        uint32
	OctetCount         uint32
	ExtendedHighestSeq uint32
	CumulativeLost     int64
	Jitter             float64
	Fresh              bool
}

func (e *Engine) SyncInfo(ssrc uint32) (SyncInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.findLocked(ssrc)
	if r == nil || !r.valid {
		return SyncInfo{}, ErrSourceNotFound
	}

	return SyncInfo{
		SSRC:               r.ssrc,
		CNAME:              r.cname,
		NTPTime:            r.anchorNTP,
		RTPTime:            r.anchorRTP,
		ReceivedAt:         r.anchorLocal,
		ClockOffset:        r.clockOffset(),
		Slope:              r.slope,
		PacketCount:        r.senderPackets,
		OctetCount:         r.senderOctets,
		ExtendedHighestSeq: r.seq.extendedHighest(),
		CumulativeLost:     r.seq.cumulativeLost(),
		Jitter:             r.jitter,
		Fresh:              r.fresh(e.now(), e.maxSRAge),
	}, nil
}

func (s SyncInfo) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint32("SSRC", s.SSRC)
	enc.AddTime("NTPTime", s.NTPTime)
	enc.AddUint32("RTPTime", s.RTPTime)
	enc.AddTime("receivedAt", s.ReceivedAt)
	enc.AddDuration("clockOffset", s.ClockOffset)
	enc.AddFloat64("slope", s.Slope)
	enc.AddUint32("packetCount", s.PacketCount)
	enc.AddUint32("octetCount", s.OctetCount)
	enc.AddInt64("cumulativeLost", s.CumulativeLost)
	enc.AddFloat64("jitter", s.Jitter)
	enc.AddBool("fresh", s.Fresh)
	return nil
}
