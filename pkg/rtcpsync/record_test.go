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

func TestUnwrapAcrossWrap(t *testing.T) {
	var u tsUnwrapper

	raws := []uint32{0xFFFFFFF0, 0xFFFFFFFF, 0x00000005, 0x00000010}
	var produced []uint64
	for _, raw := range raws {
		produced = append(produced, u.unwrapTS(raw))
	}

	for i := 1; i < len(produced); i++ {
		require.GreaterOrEqual(t, produced[i], produced[i-1])
	}
	require.Greater(t, produced[2], uint64(1)<<32)
	require.Greater(t, produced[3], uint64(1)<<32)
	require.Equal(t, uint64(1)<<32|0x05, produced[2])
}

func TestUnwrapFirstValueZeroExtended(t *testing.T) {
	var u tsUnwrapper
	require.Equal(t, uint64(0x80000001), u.unwrapTS(0x80000001))
}

func TestUnwrapSmallReorderDoesNotWrap(t *testing.T) {
	var u tsUnwrapper
	u.unwrapTS(1000)
	// a slightly older value is not a wrap
	require.Equal(t, uint64(990), u.unwrapTS(990))
	require.Equal(t, uint64(0), u.cycles)
}

func TestRTPConverter(t *testing.T) {
	c := newRTPConverter(48000)

	require.Equal(t, 100*time.Millisecond, c.toDuration(4800))
	require.Equal(t, -100*time.Millisecond, c.toDuration(-4800))
	require.Equal(t, uint32(4800), c.toRTP(100*time.Millisecond))

	// one hour of ticks must not overflow
	require.Equal(t, time.Hour, c.toDuration(48000*3600))
}

func TestRTPConverterSlope(t *testing.T) {
	c := newRTPConverter(48000)

	d := c.toDurationScaled(48000, 1.001)
	require.InDelta(t, float64(time.Second)*1.001, float64(d), float64(time.Microsecond))
}
