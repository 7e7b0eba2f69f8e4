package room

import "fmt"

// Color is an HSL triple assigned to a user for display purposes.
type Color struct {
	Hue        int `json:"hue"`        // 0-359
	Saturation int `json:"saturation"` // 50-89
	Lightness  int `json:"lightness"`  // 55-79
}

func (c Color) String() string {
	return fmt.Sprintf("hsl(%d, %d%%, %d%%)", c.Hue, c.Saturation, c.Lightness)
}

// UserColor derives a deterministic color from a user identity string. The
// ranges are chosen so that up to 20 simultaneous users stay visually
// distinct. The hash deliberately runs in 32-bit arithmetic so colors stay
// stable across platforms.
func UserColor(userID string) Color {
	var h int32
	for _, r := range userID {
		h = int32(r) + ((h << 5) - h)
	}
	return Color{
		Hue:        int(abs32(h % 360)),
		Saturation: 50 + int(abs32(h>>8))%40,
		Lightness:  55 + int(abs32(h>>16))%25,
	}
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
