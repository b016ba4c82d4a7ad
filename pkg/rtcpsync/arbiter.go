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

import "time"

// defaultHysteresis is how long a candidate must stay active while the
// current primary is quiet before a switch is allowed. Two sender-report
// intervals keeps simultaneously-live senders from flapping.
const defaultHysteresis = 10 * time.Second

// Primary returns the authoritative source for playout, if one has been
// selected.
func (e *Engine) Primary() (uint32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.primarySSRC, e.primaryValid
}

// SetPinned marks a source immune to eviction and displacement. Pinning is
// external policy; the arbiter never sets it.
func (e *Engine) SetPinned(ssrc uint32, pinned bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.findLocked(ssrc)
	if r == nil {
		return ErrSourceNotFound
	}
	r.pinned = pinned
	return nil
}

// ConsiderSwitch promotes candidate to primary only when the candidate is
// fresh and the current primary is missing, invalid, or stale — or has
// gone quiet for a full hysteresis window while the candidate stayed
// active that long. A pinned primary is never displaced. The mere
// appearance of a second live source never causes a switch.
func (e *Engine) ConsiderSwitch(candidate uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()

	cand := e.findLocked(candidate)
	if cand == nil || !cand.fresh(now, e.maxSRAge) {
		return false
	}

	if e.primaryValid && e.primarySSRC == candidate {
		return true
	}

	var cur *syncRecord
	if e.primaryValid {
		cur = e.findLocked(e.primarySSRC)
	}

	if cur != nil && cur.pinned {
		return false
	}

	switch {
	case cur == nil, !cur.valid, !cur.fresh(now, e.maxSRAge):
		// no usable primary
	case now.Sub(cur.lastActivity) >= e.hysteresis && now.Sub(cand.activeSince) >= e.hysteresis:
		// primary went quiet while the candidate proved itself
	default:
		return false
	}

	e.promoteLocked(cand, now)
	return true
}

func (e *Engine) promoteLocked(r *syncRecord, now time.Time) {
	prev := e.primarySSRC
	prevValid := e.primaryValid

	e.primarySSRC = r.ssrc
	e.primaryValid = true

	if !prevValid || prev != r.ssrc {
		e.logger.Infow(
			"selected primary source",
			"SSRC", r.ssrc,
			"previous", prev,
			"hadPrevious", prevValid,
			"activeFor", now.Sub(r.activeSince),
		)
	}
}
