package orientation

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// DefaultSmoothing is the fraction of the remaining angle closed per received message.
const DefaultSmoothing = 0.25

// Smooth moves current toward target by factor of the remaining angle along the shortest arc.
// factor is clamped to [0, 1].
func Smooth(current, target mgl64.Quat, factor float64) mgl64.Quat {
	factor = math.Max(0, math.Min(1, factor))
	current = current.Normalize()
	target = target.Normalize()

	// q and -q are the same rotation; slerp the short way round
	if current.Dot(target) < 0 {
		target = target.Scale(-1)
	}
	return mgl64.QuatSlerp(current, target, factor).Normalize()
}

// AngularDistance returns the rotation angle in radians between a and b, in [0, pi].
func AngularDistance(a, b mgl64.Quat) float64 {
	dot := math.Abs(a.Normalize().Dot(b.Normalize()))
	if dot > 1 {
		dot = 1
	}
	return 2 * math.Acos(dot)
}
