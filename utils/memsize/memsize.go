// Copyright (c) 2016-2019 Uber Technologies, Inc.
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

// Package memsize provides human-readable formatting for byte and bit counts.
package memsize

import "fmt"

// Byte units.
const (
	B  uint64 = 1
	KB        = B * 1024
	MB        = KB * 1024
	GB        = MB * 1024
	TB        = GB * 1024
)

// Bit units.
const (
	bit  uint64 = 1
	Kbit        = bit * 1000
	Mbit        = Kbit * 1000
	Gbit        = Mbit * 1000
	Tbit        = Gbit * 1000
)

// Format renders nbytes as a human-readable byte count.
func Format(nbytes uint64) string {
	return format(nbytes, B, KB, MB, GB, TB, "B", "KB", "MB", "GB", "TB")
}

// BitFormat renders nbits as a human-readable bit count.
func BitFormat(nbits uint64) string {
	return format(nbits, bit, Kbit, Mbit, Gbit, Tbit, "bit", "Kbit", "Mbit", "Gbit", "Tbit")
}

func format(n, unit, k, m, g, t uint64, unitName, kName, mName, gName, tName string) string {
	switch {
	case n == 0:
		return "0" + unitName
	case n >= t:
		return fmt.Sprintf("%.2f%s", float64(n)/float64(t), tName)
	case n >= g:
		return fmt.Sprintf("%.2f%s", float64(n)/float64(g), gName)
	case n >= m:
		return fmt.Sprintf("%.2f%s", float64(n)/float64(m), mName)
	case n >= k:
		return fmt.Sprintf("%.2f%s", float64(n)/float64(k), kName)
	default:
		return fmt.Sprintf("%.2f%s", float64(n)/float64(unit), unitName)
	}
}
