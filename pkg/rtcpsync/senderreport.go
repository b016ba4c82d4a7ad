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

	"github.com/pion/rtcp"

	"github.com/livekit/mediatransportutil"
)

// ntpEpochFloor rejects sender reports whose NTP timestamp precedes the
// Unix epoch; subtracting the 1900->1970 offset from such a value would
// wrap in the original's unsigned arithmetic.
var ntpEpochFloor = time.Unix(0, 0)

// ProcessSenderReport refreshes the NTP-anchored linear clock mapping for
// the report's SSRC, admitting the source if it is unseen. Any offset the
// drift corrector has accumulated is preserved additively across the new
// anchor so a sender report never causes an audible jump.
func (e *Engine) ProcessSenderReport(sr *rtcp.SenderReport) error {
	if sr == nil {
		e.stats.ReportsDropped.Inc()
		return ErrMalformedReport
	}

	ntp := mediatransportutil.NtpTime(sr.NTPTime).Time()
	if ntp.Before(ntpEpochFloor) {
		e.stats.ReportsDropped.Inc()
		return ErrTimestampUnderflow
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	r, err := e.fetchOrCreateLocked(sr.SSRC, now)
	if err != nil {
		e.stats.ReportsDropped.Inc()
		return err
	}

	firstReport := !r.valid

	r.anchorLocal = now
	r.anchorNTP = ntp
	r.anchorRTP = sr.RTPTime
	r.anchorLSR = uint32(sr.NTPTime >> 16)
	r.senderPackets = sr.PacketCount
	r.senderOctets = sr.OctetCount
	r.unwrap.unwrapTS(sr.RTPTime)
	r.valid = true
	r.lastActivity = now

	e.stats.SenderReports.Inc()

	if firstReport {
		e.logger.Infow(
			"established clock mapping",
			"SSRC", sr.SSRC,
			"NTPTime", ntp,
			"RTPTime", sr.RTPTime,
			"clockOffset", r.clockOffset(),
		)
		if !e.primaryValid {
			e.promoteLocked(r, now)
		}
	} else {
		e.logger.Debugw(
			"refreshed clock mapping",
			"SSRC", sr.SSRC,
			"clockOffset", r.clockOffset(),
			"corrOffset", r.corrOffset,
		)
	}

	return nil
}

// ProcessBye invalidates the mapping for a departing source. The record is
// kept so late data packets still hit its statistics, but it no longer
// satisfies playout-time queries or primary eligibility.
func (e *Engine) ProcessBye(ssrc uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.ByesReceived.Inc()

	r := e.findLocked(ssrc)
	if r == nil {
		return
	}

	r.valid = false
	if e.primaryValid && e.primarySSRC == ssrc {
		e.primaryValid = false
		e.logger.Infow("primary source said goodbye", "SSRC", ssrc)
	}
}

// SetCNAME attaches a source description name to a tracked source.
func (e *Engine) SetCNAME(ssrc uint32, cname string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r := e.findLocked(ssrc); r != nil {
		r.cname = cname
	}
}
