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

import "errors"

var (
	ErrSourceNotFound     = errors.New("no record for this SSRC")
	ErrNotFresh           = errors.New("sync mapping is stale")
	ErrAdmissionRefused   = errors.New("source table is full and all records are pinned")
	ErrShortBuffer        = errors.New("buffer too small for receiver report")
	ErrLockTimeout        = errors.New("could not acquire registry lock in time")
	ErrTimestampUnderflow = errors.New("computed time precedes the epoch")
	ErrMalformedReport    = errors.New("malformed sender report")
)
