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

func driftRecord(t *testing.T, e *Engine, clk *fakeClock, ssrc uint32) *syncRecord {
	require.NoError(t, e.ProcessSenderReport(srAt(ssrc, clk.t, 0)))
	e.mu.Lock()
	r := e.findLocked(ssrc)
	e.mu.Unlock()
	require.NotNil(t, r)
	return r
}

func TestDriftNotAppliedBeforeMinObservations(t *testing.T) {
	e, clk := newEngineForTests(t)
	r := driftRecord(t, e, clk, 1)

	for i := 0; i < defaultMinObservations-1; i++ {
		require.NoError(t, e.ObserveDrift(1, 10*time.Millisecond, time.Second))
	}
	require.Zero(t, r.corrOffset)

	require.NoError(t, e.ObserveDrift(1, 10*time.Millisecond, time.Second))
	require.NotZero(t, r.corrOffset)
}

func TestDriftStepIsBounded(t *testing.T) {
	e, clk := newEngineForTests(t)
	r := driftRecord(t, e, clk, 1)

	// a large persistent error is corrected in capped steps,
	// never in one audible jump
	for i := 0; i < defaultMinObservations; i++ {
		require.NoError(t, e.ObserveDrift(1, 500*time.Millisecond, time.Second))
	}
	require.Equal(t, defaultMaxOffsetStep, r.corrOffset)
}

func TestDriftAppliesAfterInterval(t *testing.T) {
	e, clk := newEngineForTests(t)
	r := driftRecord(t, e, clk, 1)

	require.NoError(t, e.ObserveDrift(1, time.Millisecond, time.Second))
	require.Zero(t, r.corrOffset)

	// a single observation is enough once the interval has elapsed
	clk.advance(defaultMinApplyInterval + time.Millisecond)
	require.NoError(t, e.ObserveDrift(1, time.Millisecond, time.Second))
	require.Equal(t, time.Millisecond, r.corrOffset)
}

func TestDriftSlopeEngagesOnPersistentError(t *testing.T) {
	e, clk := newEngineForTests(t)
	r := driftRecord(t, e, clk, 1)

	for i := 0; i < pllHistoryLen; i++ {
		require.NoError(t, e.ObserveDrift(1, 5*time.Millisecond, time.Second))
	}

	require.Greater(t, r.slope, 1.0)
	require.LessOrEqual(t, r.slope, 1+defaultMaxSlopeError)
}

func TestDriftSlopeStaysNominalOnJitter(t *testing.T) {
	e, clk := newEngineForTests(t)
	r := driftRecord(t, e, clk, 1)

	// alternating-sign error is jitter, not rate mismatch
	for i := 0; i < pllHistoryLen*2; i++ {
		d := 5 * time.Millisecond
		if i%2 == 1 {
			d = -d
		}
		require.NoError(t, e.ObserveDrift(1, d, time.Second))
	}

	require.Equal(t, 1.0, r.slope)
}

func TestDriftSlopeIsClamped(t *testing.T) {
	e, clk := newEngineForTests(t)
	r := driftRecord(t, e, clk, 1)

	// absurd persistent error cannot push slope past the pitch bound
	for round := 0; round < 10; round++ {
		for i := 0; i < pllHistoryLen; i++ {
			require.NoError(t, e.ObserveDrift(1, time.Second, time.Second))
		}
	}

	require.LessOrEqual(t, r.slope, 1+defaultMaxSlopeError)
}

func TestDriftIgnoresStaleRecord(t *testing.T) {
	e, clk := newEngineForTests(t)
	driftRecord(t, e, clk, 1)

	clk.advance(DefaultMaxSRAge + time.Second)
	require.ErrorIs(t, e.ObserveDrift(1, time.Millisecond, time.Second), ErrNotFresh)
}

func TestDriftUnknownSource(t *testing.T) {
	e, _ := newEngineForTests(t)

	require.ErrorIs(t, e.ObserveDrift(99, time.Millisecond, time.Second), ErrSourceNotFound)
}

func TestDriftAffectsPlayoutTime(t *testing.T) {
	e, clk := newEngineForTests(t)
	driftRecord(t, e, clk, 1)

	before, err := e.PlayoutTime(1, 4800)
	require.NoError(t, err)

	for i := 0; i < defaultMinObservations; i++ {
		require.NoError(t, e.ObserveDrift(1, time.Millisecond, time.Second))
	}

	after, err := e.PlayoutTime(1, 4800)
	require.NoError(t, err)
	require.Equal(t, time.Millisecond, after.Sub(before))
}
