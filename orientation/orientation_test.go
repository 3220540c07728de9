package orientation

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/posebridge/errors"
)

func TestDecode_Valid(t *testing.T) {
	res := Decode([]byte(`{"label":"RFA","quaternion":[1,0,0,0],"seq":17}`))

	require.True(t, res.OK(), res.Detail)
	assert.NoError(t, res.Err)
	assert.Equal(t, "RFA", res.Orientation.Label)
	assert.Equal(t, mgl64.QuatIdent(), res.Orientation.Rotation)
}

func TestDecode_OrderIsWXYZ(t *testing.T) {
	h := math.Sqrt2 / 2
	res := Decode([]byte(`{"label":"H","quaternion":[0.7071067811865476,0,0,0.7071067811865476]}`))

	require.True(t, res.OK())
	q := res.Orientation.Rotation
	assert.InDelta(t, h, q.W, 1e-12)
	assert.InDelta(t, h, q.V.Z(), 1e-12)
	assert.InDelta(t, 0, q.V.X(), 1e-12)
}

func TestDecode_Normalizes(t *testing.T) {
	res := Decode([]byte(`{"label":"H","quaternion":[2,0,0,0]}`))
	require.True(t, res.OK())
	assert.InDelta(t, 1, res.Orientation.Rotation.Len(), 1e-12)
}

func TestDecode_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		reason  Reason
	}{
		{"not json", `label=RFA`, ReasonMalformed},
		{"truncated", `{"label":"RFA","quaternion":[1,0,`, ReasonMalformed},
		{"empty", ``, ReasonMalformed},
		{"too short", `{"label":"RFA","quaternion":[1,0,0]}`, ReasonShape},
		{"too long", `{"label":"RFA","quaternion":[1,0,0,0,0]}`, ReasonShape},
		{"not a sequence", `{"label":"RFA","quaternion":"1,0,0,0"}`, ReasonShape},
		{"object quaternion", `{"label":"RFA","quaternion":{"w":1,"x":0,"y":0,"z":0}}`, ReasonShape},
		{"non numeric", `{"label":"RFA","quaternion":[1,"0",0,0]}`, ReasonShape},
		{"null element", `{"label":"RFA","quaternion":[1,null,0,0]}`, ReasonShape},
		{"missing quaternion", `{"label":"RFA"}`, ReasonShape},
		{"missing label", `{"quaternion":[1,0,0,0]}`, ReasonShape},
		{"numeric label", `{"label":7,"quaternion":[1,0,0,0]}`, ReasonShape},
		{"array payload", `[1,0,0,0]`, ReasonShape},
		{"zero quaternion", `{"label":"RFA","quaternion":[0,0,0,0]}`, ReasonZeroNorm},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var res Result
			require.NotPanics(t, func() { res = Decode([]byte(tt.payload)) })
			assert.False(t, res.OK())
			assert.Equal(t, tt.reason, res.Reason)
			assert.NotEmpty(t, res.Detail)
			assert.ErrorIs(t, res.Err, errors.ErrInvalidData)
			assert.True(t, errors.IsInvalid(res.Err))
		})
	}
}

func TestSmooth_ConvergesToIdentity(t *testing.T) {
	starts := []mgl64.Quat{
		mgl64.QuatRotate(mgl64.DegToRad(170), mgl64.Vec3{1, 0, 0}),
		mgl64.QuatRotate(mgl64.DegToRad(90), mgl64.Vec3{0, 1, 1}.Normalize()),
		mgl64.QuatRotate(mgl64.DegToRad(30), mgl64.Vec3{0.2, -1, 0.4}.Normalize()),
		// Same rotation as 170 degrees about X, opposite hemisphere
		mgl64.QuatRotate(mgl64.DegToRad(170), mgl64.Vec3{1, 0, 0}).Scale(-1),
	}
	target := mgl64.QuatIdent()

	for _, start := range starts {
		current := start
		prev := AngularDistance(current, target)
		require.Greater(t, prev, 0.1)

		converged := false
		for step := 1; step <= 60; step++ {
			current = Smooth(current, target, DefaultSmoothing)
			dist := AngularDistance(current, target)

			if prev > 1e-5 {
				assert.Less(t, dist, prev, "step %d must reduce the distance", step)
				assert.InDelta(t, 0.75, dist/prev, 1e-3, "step %d should close 25%% of the remaining angle", step)
			}
			prev = dist

			if dist < 1e-3 {
				converged = true
				break
			}
		}
		assert.True(t, converged, "did not converge from %v", start)
	}
}

func TestSmooth_FactorBounds(t *testing.T) {
	start := mgl64.QuatRotate(mgl64.DegToRad(80), mgl64.Vec3{0, 0, 1})
	target := mgl64.QuatIdent()

	assert.InDelta(t, 0, AngularDistance(Smooth(start, target, 1), target), 1e-9)
	assert.InDelta(t, AngularDistance(start, target), AngularDistance(Smooth(start, target, 0), target), 1e-9)
	assert.InDelta(t, 0, AngularDistance(Smooth(start, target, 5), target), 1e-9)
	assert.InDelta(t, 1, Smooth(start, target, 0.25).Len(), 1e-12)
}

func TestAngularDistance(t *testing.T) {
	q := mgl64.QuatRotate(mgl64.DegToRad(60), mgl64.Vec3{0, 1, 0})

	assert.InDelta(t, mgl64.DegToRad(60), AngularDistance(mgl64.QuatIdent(), q), 1e-9)
	assert.InDelta(t, 0, AngularDistance(q, q.Scale(-1)), 1e-6)
}
