// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

// IsStale reports whether events from a stream that started at start must
// be discarded. A stream is stale once any clear at or after its start has
// begun, whether that clear is still pending or already committed.
//
//	IsStale(1000, State{PendingClearMarker: 1005})       // true
//	IsStale(1006, State{LastCommittedClearMarker: 1005}) // false
func IsStale(start Marker, s State) bool {
	return start <= s.Watermark()
}
