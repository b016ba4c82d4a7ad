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

	"github.com/gammazero/deque"
)

// Drift correction defaults. Offset steps stay below the audibility
// threshold and slope stays within ±0.1% of nominal so a correction is
// never heard as a pitch shift.
const (
	defaultMinObservations  = 8
	defaultMinApplyInterval = 2 * time.Second
	defaultMaxOffsetStep    = 2 * time.Millisecond
	defaultMaxSlopeError    = 0.001
	defaultSlopeGain        = 0.05

	pllHistoryLen = 16
)

type pllConfig struct {
	minObservations  int
	minApplyInterval time.Duration
	maxOffsetStep    time.Duration
	maxSlopeError    float64
	slopeGain        float64
}

func defaultPLLConfig() pllConfig {
	return pllConfig{
		minObservations:  defaultMinObservations,
		minApplyInterval: defaultMinApplyInterval,
		maxOffsetStep:    defaultMaxOffsetStep,
		maxSlopeError:    defaultMaxSlopeError,
		slopeGain:        defaultSlopeGain,
	}
}

type driftObservation struct {
	drift  time.Duration
	window time.Duration
}

type pllState struct {
	integralNS  float64 // sum of drift * window, in ns*s
	windowSec   float64 // total observation time, in seconds
	obsCount    int
	lastApplied time.Time
	lastStep    time.Duration
	recent      deque.Deque[driftObservation]
}

// ObserveDrift feeds one observed playout-alignment error into the
// corrector for ssrc. drift is desired minus actual alignment; window is
// the span the observation covers. Corrections are only applied once
// enough observations or time has accumulated, and each application is a
// bounded offset step plus, on persistent one-sided error, a tiny slope
// adjustment.
func (e *Engine) ObserveDrift(ssrc uint32, drift time.Duration, window time.Duration) error {
	if window <= 0 {
		window = time.Second
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	r := e.findLocked(ssrc)
	if r == nil {
		return ErrSourceNotFound
	}
	if !r.fresh(now, e.maxSRAge) {
		return ErrNotFresh
	}

	p := &r.pll
	if p.lastApplied.IsZero() {
		p.lastApplied = now
	}

	p.integralNS += float64(drift.Nanoseconds()) * window.Seconds()
	p.windowSec += window.Seconds()
	p.obsCount++

	p.recent.PushBack(driftObservation{drift: drift, window: window})
	for p.recent.Len() > pllHistoryLen {
		p.recent.PopFront()
	}

	cfg := e.pllConfig
	if p.obsCount < cfg.minObservations && now.Sub(p.lastApplied) < cfg.minApplyInterval {
		return nil
	}

	e.applyCorrectionLocked(r, now)
	return nil
}

func (e *Engine) applyCorrectionLocked(r *syncRecord, now time.Time) {
	p := &r.pll
	cfg := e.pllConfig

	if p.windowSec <= 0 {
		return
	}

	mean := time.Duration(p.integralNS / p.windowSec)

	step := mean
	if step > cfg.maxOffsetStep {
		step = cfg.maxOffsetStep
	} else if step < -cfg.maxOffsetStep {
		step = -cfg.maxOffsetStep
	}
	r.corrOffset += step

	// a steady one-sided error across the whole history is a genuine
	// clock-rate mismatch, not jitter; bleed a fraction of it into slope
	if slopeWorthy(&p.recent) {
		rateErr := p.integralNS / 1e9 / p.windowSec // dimensionless
		slope := r.slope + cfg.slopeGain*rateErr
		if slope > 1+cfg.maxSlopeError {
			slope = 1 + cfg.maxSlopeError
		} else if slope < 1-cfg.maxSlopeError {
			slope = 1 - cfg.maxSlopeError
		}
		r.slope = slope
	}

	e.logger.Debugw(
		"applied drift correction",
		"SSRC", r.ssrc,
		"meanDrift", mean,
		"step", step,
		"corrOffset", r.corrOffset,
		"slope", r.slope,
		"observations", p.obsCount,
	)

	p.integralNS = 0
	p.windowSec = 0
	p.obsCount = 0
	p.lastApplied = now
	p.lastStep = step
}

// slopeWorthy reports whether the recent observation history is full and
// strictly one-sided.
func slopeWorthy(recent *deque.Deque[driftObservation]) bool {
	if recent.Len() < pllHistoryLen {
		return false
	}

	positive := 0
	negative := 0
	for i := 0; i < recent.Len(); i++ {
		d := recent.At(i).drift
		switch {
		case d > 0:
			positive++
		case d < 0:
			negative++
		default:
			return false
		}
	}
	return positive == 0 || negative == 0
}
