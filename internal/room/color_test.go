package room

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserColorDeterministic(t *testing.T) {
	a := UserColor("user-abc-123")
	b := UserColor("user-abc-123")
	assert.Equal(t, a, b)

	c := UserColor("user-def-456")
	assert.NotEqual(t, a, c, "distinct identities should land on distinct colors")
}

func TestUserColorRanges(t *testing.T) {
	for i := 0; i < 200; i++ {
		c := UserColor(fmt.Sprintf("user-%d", i))
		assert.GreaterOrEqual(t, c.Hue, 0)
		assert.Less(t, c.Hue, 360)
		assert.GreaterOrEqual(t, c.Saturation, 50)
		assert.Less(t, c.Saturation, 90)
		assert.GreaterOrEqual(t, c.Lightness, 55)
		assert.Less(t, c.Lightness, 80)
	}
}

func TestColorString(t *testing.T) {
	c := Color{Hue: 120, Saturation: 60, Lightness: 70}
	assert.Equal(t, "hsl(120, 60%, 70%)", c.String())
}
