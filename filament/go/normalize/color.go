package normalize

import (
	"strings"
)

// CanonicalColorHex normalizes a reported tray color to '#RRGGBB'.
//
// Colors arrive as RRGGBB, #RRGGBB, RRGGBBAA (alpha last) or AARRGGBB
// (alpha first). For 8-digit values: a trailing FF/00 is treated as alpha
// and stripped; else a leading FF/00 is treated as alpha and stripped; else
// the last 6 digits are taken as a conservative fallback. Returns "" when
// the input is not a hex color at all.
func CanonicalColorHex(raw string) string {
	hex := strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(raw), "#"))
	if !isHex(hex) {
		return ""
	}
	switch len(hex) {
	case 6:
		return "#" + hex
	case 8:
		if tail := hex[6:]; tail == "FF" || tail == "00" {
			return "#" + hex[:6]
		}
		if head := hex[:2]; head == "FF" || head == "00" {
			return "#" + hex[2:]
		}
		return "#" + hex[2:]
	default:
		return ""
	}
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
