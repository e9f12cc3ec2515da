package executor

import (
	"math"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// normalizedSpan is the size of the grid the model reasons in.
const normalizedSpan = 1000.0

// Denormalize maps a point on the 1000x1000 grid onto a width x height surface:
// round(x/1000*width), round(y/1000*height). Grid points map into [0,width]
// and [0,height]; values outside the grid are clamped to those ranges.
func Denormalize(p schemas.NormalizedPoint, width, height int) (int, int) {
	return scale(p.X, width), scale(p.Y, height)
}

func scale(v float64, extent int) int {
	if extent <= 0 {
		return 0
	}
	px := int(math.Round(v / normalizedSpan * float64(extent)))
	if px < 0 {
		return 0
	}
	if px > extent {
		return extent
	}
	return px
}

// interpolate returns steps evenly spaced points from (x0,y0) to (x1,y1),
// excluding the start and including the end.
func interpolate(x0, y0, x1, y1, steps int) [][2]int {
	if steps < 1 {
		steps = 1
	}
	out := make([][2]int, 0, steps)
	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		out = append(out, [2]int{
			int(math.Round(float64(x0) + t*float64(x1-x0))),
			int(math.Round(float64(y0) + t*float64(y1-y0))),
		})
	}
	return out
}

// wheelButton maps a scroll direction onto its wheel button bit.
func wheelButton(dir schemas.ScrollDirection) schemas.ButtonMask {
	switch dir {
	case schemas.ScrollUp:
		return schemas.ButtonWheelUp
	case schemas.ScrollLeft:
		return schemas.ButtonWheelLeft
	case schemas.ScrollRight:
		return schemas.ButtonWheelRight
	default:
		return schemas.ButtonWheelDown
	}
}

// wheelNotches converts a normalized magnitude into wheel clicks.
func wheelNotches(magnitude float64) int {
	n := int(math.Round(magnitude / unitsPerNotch))
	if n < 1 {
		return 1
	}
	return n
}
