package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Micros returns d in microseconds as float
func Micros(d time.Duration) float64 {
	return float64(d) / float64(time.Microsecond)
}

// MicrosToDuration converts microseconds back to a duration
func MicrosToDuration(us float64) time.Duration {
	return time.Duration(us * float64(time.Microsecond))
}

// MBPerSecond returns throughput for bytes transferred in us microseconds.
// One byte per microsecond is one MB/s.
func MBPerSecond(bytes, us float64) float64 {
	if us <= 0 {
		return 0
	}
	return bytes / us
}

// ParseRange parses FILE[:OFFSET:SIZE]. Without a range, offset is 0 and
// size is -1 meaning the whole file.
func ParseRange(s string) (string, uint64, int64, error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		return parts[0], 0, -1, nil
	case 3:
		offset, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return "", 0, 0, fmt.Errorf("offset of %q: %w", s, err)
		}
		size, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || size < 0 {
			return "", 0, 0, fmt.Errorf("size of %q: invalid", s)
		}
		return parts[0], offset, size, nil
	}
	return "", 0, 0, fmt.Errorf("%q: expected FILE or FILE:OFFSET:SIZE", s)
}
