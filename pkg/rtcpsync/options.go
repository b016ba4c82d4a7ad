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

	"github.com/livekit/protocol/logger"
)

// An Option configures an Engine
type Option func(e *Engine)

// WithCapacity sets the number of sources the engine tracks concurrently.
func WithCapacity(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.capacity = n
		}
	}
}

// WithClockRate sets the sender sample-clock rate in Hz.
func WithClockRate(rate uint32) Option {
	return func(e *Engine) {
		if rate > 0 {
			e.clockRate = rate
			e.converter = newRTPConverter(int64(rate))
		}
	}
}

// WithMaxSRAge sets how long a sender-report anchor stays usable. Records
// older than this fail playout-time queries and lose primary eligibility.
func WithMaxSRAge(age time.Duration) Option {
	return func(e *Engine) {
		e.maxSRAge = age
	}
}

// WithHysteresis sets the window a candidate must outlive a quiet primary
// before ConsiderSwitch will promote it.
func WithHysteresis(window time.Duration) Option {
	return func(e *Engine) {
		e.hysteresis = window
	}
}

// WithMaxDriftStep caps the one-shot offset correction applied per
// drift-corrector application.
func WithMaxDriftStep(step time.Duration) Option {
	return func(e *Engine) {
		e.pllConfig.maxOffsetStep = step
	}
}

// WithMaxSlopeCorrection bounds the multiplicative rate correction,
// e.g. 0.001 keeps playout within ±0.1% of nominal.
func WithMaxSlopeCorrection(f float64) Option {
	return func(e *Engine) {
		e.pllConfig.maxSlopeError = f
	}
}

// WithDriftApplyInterval sets the minimum time between corrector applications.
func WithDriftApplyInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.pllConfig.minApplyInterval = d
	}
}

// WithDriftMinObservations sets how many observations must accumulate
// before a correction may be applied.
func WithDriftMinObservations(n int) Option {
	return func(e *Engine) {
		e.pllConfig.minObservations = n
	}
}

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithClock overrides the monotonic clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}
