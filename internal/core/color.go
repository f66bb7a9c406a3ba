package core

import (
	"fmt"
	"strconv"
	"strings"
)

// Color is a 32-bit ARGB value (alpha in the high byte).
type Color uint32

// FallbackColor is used whenever a color string cannot be understood.
const FallbackColor Color = 0xFF9E9E9E

// namedColors maps lowercase names to Material primary swatches.
var namedColors = map[string]Color{
	"red":         0xFFF44336,
	"pink":        0xFFE91E63,
	"purple":      0xFF9C27B0,
	"deep purple": 0xFF673AB7,
	"indigo":      0xFF3F51B5,
	"blue":        0xFF2196F3,
	"light blue":  0xFF03A9F4,
	"cyan":        0xFF00BCD4,
	"teal":        0xFF009688,
	"green":       0xFF4CAF50,
	"light green": 0xFF8BC34A,
	"lime":        0xFFCDDC39,
	"yellow":      0xFFFFEB3B,
	"amber":       0xFFFFC107,
	"orange":      0xFFFF9800,
	"deep orange": 0xFFFF5722,
	"brown":       0xFF795548,
	"grey":        0xFF9E9E9E,
	"blue grey":   0xFF607D8B,
	// US spelling
	"gray":      0xFF9E9E9E,
	"blue gray": 0xFF607D8B,
}

// ResolveColor maps a free-form color string to a Color.
//
// Named colors are matched after trimming and lowercasing. Otherwise a leading
// '#' is stripped and the rest is read as hex: 6 digits are RGB with full
// opacity, 8 digits are ARGB. Anything else yields FallbackColor; this never
// fails.
func ResolveColor(input string) Color {
	s := strings.ToLower(strings.TrimSpace(input))
	if c, ok := namedColors[s]; ok {
		return c
	}

	hex := strings.TrimPrefix(s, "#")
	switch len(hex) {
	case 6:
		hex = "ff" + hex
	case 8:
	default:
		return FallbackColor
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return FallbackColor
	}
	return Color(v)
}

func (c Color) A() uint8 { return uint8(c >> 24) }
func (c Color) R() uint8 { return uint8(c >> 16) }
func (c Color) G() uint8 { return uint8(c >> 8) }
func (c Color) B() uint8 { return uint8(c) }

// Hex returns "#RRGGBB" in uppercase; alpha is dropped.
func (c Color) Hex() string {
	return fmt.Sprintf("#%06X", uint32(c)&0xFFFFFF)
}

func (c Color) String() string {
	return c.Hex()
}

// MarshalText encodes the color in its "#RRGGBB" form.
func (c Color) MarshalText() ([]byte, error) {
	return []byte(c.Hex()), nil
}

// UnmarshalText resolves any accepted color string, falling back to grey.
func (c *Color) UnmarshalText(text []byte) error {
	*c = ResolveColor(string(text))
	return nil
}
