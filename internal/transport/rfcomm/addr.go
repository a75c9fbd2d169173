package rfcomm

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseAddr parses "AA:BB:CC:DD:EE:FF" into the kernel's bdaddr_t layout,
// which stores the address least-significant byte first.
func ParseAddr(s string) ([6]byte, error) {
	var out [6]byte
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return out, fmt.Errorf("rfcomm: invalid address %q", s)
	}
	for i, p := range parts {
		if len(p) != 2 {
			return out, fmt.Errorf("rfcomm: invalid address %q", s)
		}
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return out, fmt.Errorf("rfcomm: invalid address %q: %w", s, err)
		}
		out[5-i] = byte(b)
	}
	return out, nil
}

// FormatAddr is the inverse of ParseAddr.
func FormatAddr(a [6]byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[5], a[4], a[3], a[2], a[1], a[0])
}
