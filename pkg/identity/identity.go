// Package identity derives the stable identifiers used across the
// collector: device hashes and session names.
package identity

import (
	"fmt"
	"strconv"
)

// DeviceHash returns the stable identifier for an agent endpoint: a
// Jenkins one-at-a-time hash over address followed by the decimal port,
// rendered as the decimal text of the 32-bit result.
//
// The textual form is what the store persists, so the value is identical
// across runs and across storage backends.
func DeviceHash(address string, port uint16) string {
	h := oneAtATime(address + strconv.Itoa(int(port)))
	return strconv.FormatUint(uint64(h), 10)
}

// oneAtATime is Jenkins' one-at-a-time hash.
func oneAtATime(s string) uint32 {
	var h uint32
	for i := 0; i < len(s); i++ {
		h += uint32(s[i])
		h += h << 10
		h ^= h >> 6
	}
	h += h << 3
	h ^= h >> 11
	h += h << 15
	return h
}

// SessionName builds the collector-assigned session name for the given
// process id and epoch seconds: "Collector.<pid>.<epoch>".
func SessionName(pid int, epoch int64) string {
	return fmt.Sprintf("Collector.%d.%d", pid, epoch)
}
