package preprocessing

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradient(c, h, w int) []float32 {
	data := make([]float32, c*h*w)
	for ch := 0; ch < c; ch++ {
		for r := 0; r < h; r++ {
			for col := 0; col < w; col++ {
				data[(ch*h+r)*w+col] = float32((r*w + col) % 256)
			}
		}
	}
	return data
}

func TestEvaluationPolicyOnlyRescales(t *testing.T) {
	p := Evaluation()
	assert.False(t, p.Random())

	src := gradient(3, 4, 4)
	out := p.Apply(src, 3, 4, 4, nil)
	require.Len(t, out, len(src))
	for i := range src {
		assert.InDelta(t, src[i]/255, out[i], 1e-6)
	}
	assert.Equal(t, float32(5), src[5], "source must not be modified")
}

func TestTrainingPolicy(t *testing.T) {
	p := Training()
	assert.True(t, p.Random())
	assert.Equal(t, 25.0, p.RotationRange)
	assert.Equal(t, [2]float64{0.8, 1.2}, p.BrightnessRange)

	src := gradient(3, 16, 16)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		out := p.Apply(src, 3, 16, 16, rng)
		require.Len(t, out, len(src))
		for _, v := range out {
			assert.GreaterOrEqual(t, v, float32(0))
			assert.LessOrEqual(t, v, float32(1)+1e-6)
		}
	}
}

func TestApplyIsDeterministicPerSeed(t *testing.T) {
	p := Training()
	src := gradient(3, 12, 12)
	a := p.Apply(src, 3, 12, 12, rand.New(rand.NewSource(3)))
	b := p.Apply(src, 3, 12, 12, rand.New(rand.NewSource(3)))
	assert.Equal(t, a, b)
}

func TestHorizontalFlip(t *testing.T) {
	data := []float32{1, 2, 3, 4, 5, 6}
	flipHorizontal(data, 1, 2, 3)
	assert.Equal(t, []float32{3, 2, 1, 6, 5, 4}, data)
}

func TestChannelShiftClipsToImageRange(t *testing.T) {
	data := []float32{10, 50, 100}
	channelShift(data, 30)
	assert.Equal(t, []float32{40, 80, 100}, data)

	channelShift(data, -60)
	assert.Equal(t, []float32{40, 40, 40}, data)
}

func TestBrightnessClips(t *testing.T) {
	data := []float32{100, 250}
	brightness(data, 1.2)
	assert.InDeltaSlice(t, []float32{120, 255}, data, 1e-4)
}

func TestWarp(t *testing.T) {
	src := gradient(1, 5, 5)

	t.Run("Identity", func(t *testing.T) {
		dst := make([]float32, len(src))
		warp(src, dst, 1, 5, 5, identity())
		assert.Equal(t, src, dst)
	})

	t.Run("ShiftReplicatesEdge", func(t *testing.T) {
		// output column c reads input column c+2
		m := mat3{1, 0, 0, 0, 1, 2, 0, 0, 1}
		dst := make([]float32, len(src))
		warp(src, dst, 1, 5, 5, m)
		assert.Equal(t, []float32{2, 3, 4, 4, 4}, dst[:5])
	})

	t.Run("HalfPixelInterpolates", func(t *testing.T) {
		m := mat3{1, 0, 0, 0, 1, 0.5, 0, 0, 1}
		dst := make([]float32, len(src))
		warp(src, dst, 1, 5, 5, m)
		assert.InDelta(t, 0.5, dst[0], 1e-6)
	})
}

func TestAffineRotatesAroundCentre(t *testing.T) {
	p := Policy{RotationRange: 90}
	m, ok := p.affine(5, 5, rand.New(rand.NewSource(1)))
	require.True(t, ok)
	// the centre pixel maps onto itself for any rotation
	r := m[0]*2 + m[1]*2 + m[2]
	c := m[3]*2 + m[4]*2 + m[5]
	assert.InDelta(t, 2, r, 1e-9)
	assert.InDelta(t, 2, c, 1e-9)

	_, ok = Policy{}.affine(5, 5, nil)
	assert.False(t, ok)
}

func TestShearRangeIsDegrees(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		m, ok := Policy{ShearRange: 0.2}.affine(48, 48, rng)
		require.True(t, ok)
		assert.Equal(t, 1.0, m[0])
		assert.LessOrEqual(t, math.Abs(m[1]), math.Sin(0.2*math.Pi/180)+1e-12)
		assert.Equal(t, 0.0, m[3])
	}
}
