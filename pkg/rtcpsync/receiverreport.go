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
	"github.com/pion/rtcp"
)

// ReceiverReportSize is the wire size of a report with a single block:
// 4-byte header, reporter SSRC, one 24-byte reception report.
const ReceiverReportSize = 32

// BuildReceiverReport assembles a feedback packet for ssrc, reported as
// receiverSSRC. Fraction lost covers the interval since the previous
// report; building advances that interval snapshot.
func (e *Engine) BuildReceiverReport(receiverSSRC uint32, ssrc uint32) (*rtcp.ReceiverReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.buildReceiverReportLocked(receiverSSRC, ssrc)
}

func (e *Engine) buildReceiverReportLocked(receiverSSRC uint32, ssrc uint32) (*rtcp.ReceiverReport, error) {
	r := e.findLocked(ssrc)
	if r == nil || !r.valid {
		return nil, ErrSourceNotFound
	}

	// until data packets clear probation the tracker has no meaningful
	// expected count; report zero loss rather than a phantom interval
	var fracLost uint8
	if r.seq.initialized && r.seq.probation == 0 {
		expected := r.seq.extendedExpected()
		received := r.seq.received

		intervalExpected := expected - r.prevExpected
		intervalReceived := received - r.prevReceived
		intervalLost := int64(intervalExpected) - int64(intervalReceived)
		r.prevExpected = expected
		r.prevReceived = received

		if intervalExpected > 0 && intervalLost > 0 {
			f := intervalLost * 256 / int64(intervalExpected)
			if f > 255 {
				f = 255
			}
			fracLost = uint8(f)
		}
	}

	// cumulative lost is signed during tracking, clamped into the 24-bit
	// field only here
	lost := r.seq.cumulativeLost()
	if lost < 0 {
		lost = 0
	} else if lost > 0xFFFFFF {
		lost = 0xFFFFFF
	}

	var dlsr uint32
	if !r.anchorLocal.IsZero() {
		dlsr = uint32(e.now().Sub(r.anchorLocal).Seconds() * 65536)
	}

	return &rtcp.ReceiverReport{
		SSRC: receiverSSRC,
		Reports: []rtcp.ReceptionReport{{
			SSRC:               r.ssrc,
			FractionLost:       fracLost,
			TotalLost:          uint32(lost),
			LastSequenceNumber: r.seq.extendedHighest(),
			Jitter:             uint32(r.jitter),
			LastSenderReport:   r.anchorLSR,
			Delay:              dlsr,
		}},
	}, nil
}

// WriteReceiverReport marshals a receiver report for ssrc into buf,
// returning the number of bytes written. It fails with ErrShortBuffer
// when buf cannot hold the fixed packet size.
func (e *Engine) WriteReceiverReport(receiverSSRC uint32, ssrc uint32, buf []byte) (int, error) {
	if len(buf) < ReceiverReportSize {
		return 0, ErrShortBuffer
	}

	e.mu.Lock()
	rr, err := e.buildReceiverReportLocked(receiverSSRC, ssrc)
	e.mu.Unlock()
	if err != nil {
		return 0, err
	}

	b, err := rr.Marshal()
	if err != nil {
		return 0, err
	}
	if len(buf) < len(b) {
		return 0, ErrShortBuffer
	}
	return copy(buf, b), nil
}
