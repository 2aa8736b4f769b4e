package preprocessing

import (
	"math"
	"math/rand"
)

// DefaultRescale maps 0..255 pixel values to [0, 1]
const DefaultRescale = float32(1.0 / 255)

// Policy describes the random transformations applied to a training image
// and the final rescaling. The zero value of a field disables it.
type Policy struct {
	// RotationRange is the maximum rotation in degrees
	RotationRange float64
	// WidthShift and HeightShift are fractions of the image size
	WidthShift  float64
	HeightShift float64
	// ShearRange is the maximum shear angle in degrees
	ShearRange float64
	// ZoomRange draws independent horizontal and vertical zoom factors
	// from [1-ZoomRange, 1+ZoomRange]
	ZoomRange      float64
	HorizontalFlip bool
	// BrightnessRange bounds a multiplicative brightness factor
	BrightnessRange [2]float64
	// ChannelShift bounds an intensity offset on the 0..255 scale
	ChannelShift float64
	Rescale      float32
}

// Training returns the augmentation used for FER2013 training batches
func Training() Policy {
	return Policy{
		RotationRange:   25,
		WidthShift:      0.2,
		HeightShift:     0.2,
		ShearRange:      0.2,
		ZoomRange:       0.2,
		HorizontalFlip:  true,
		BrightnessRange: [2]float64{0.8, 1.2},
		ChannelShift:    30,
		Rescale:         DefaultRescale,
	}
}

// Evaluation returns the rescale-only policy for validation and test data
func Evaluation() Policy {
	return Policy{Rescale: DefaultRescale}
}

// Random reports whether the policy draws random numbers
func (p Policy) Random() bool {
	return p.RotationRange != 0 || p.WidthShift != 0 || p.HeightShift != 0 ||
		p.ShearRange != 0 || p.ZoomRange != 0 || p.HorizontalFlip ||
		p.BrightnessRange != [2]float64{} || p.ChannelShift != 0
}

// Apply transforms one CHW image on the 0..255 scale and returns a new
// slice; src is left untouched. The order is geometric transform, channel
// shift, horizontal flip, brightness, rescale. rng may be nil when the
// policy is not random.
func (p Policy) Apply(src []float32, c, h, w int, rng *rand.Rand) []float32 {
	out := make([]float32, len(src))

	if p.Random() {
		if m, ok := p.affine(h, w, rng); ok {
			warp(src, out, c, h, w, m)
		} else {
			copy(out, src)
		}
		if p.ChannelShift != 0 {
			channelShift(out, uniform(rng, -p.ChannelShift, p.ChannelShift))
		}
		if p.HorizontalFlip && rng.Float64() < 0.5 {
			flipHorizontal(out, c, h, w)
		}
		if p.BrightnessRange != [2]float64{} {
			brightness(out, uniform(rng, p.BrightnessRange[0], p.BrightnessRange[1]))
		}
	} else {
		copy(out, src)
	}

	if p.Rescale != 0 && p.Rescale != 1 {
		Rescale(out, p.Rescale)
	}
	return out
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

// mat3 is a row-major affine matrix over (row, col, 1) coordinates
type mat3 [9]float64

func identity() mat3 {
	return mat3{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

func (a mat3) mul(b mat3) mat3 {
	var out mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			var s float64
			for k := 0; k < 3; k++ {
				s += a[r*3+k] * b[k*3+c]
			}
			out[r*3+c] = s
		}
	}
	return out
}

// affine draws the output-to-input mapping for one image. ok is false when
// every draw came out as the identity.
func (p Policy) affine(h, w int, rng *rand.Rand) (mat3, bool) {
	m := identity()
	ok := false

	if p.RotationRange != 0 {
		theta := uniform(rng, -p.RotationRange, p.RotationRange) * math.Pi / 180
		s, c := math.Sincos(theta)
		m = m.mul(mat3{c, -s, 0, s, c, 0, 0, 0, 1})
		ok = true
	}
	if p.HeightShift != 0 || p.WidthShift != 0 {
		tx := uniform(rng, -p.HeightShift, p.HeightShift) * float64(h)
		ty := uniform(rng, -p.WidthShift, p.WidthShift) * float64(w)
		m = m.mul(mat3{1, 0, tx, 0, 1, ty, 0, 0, 1})
		ok = true
	}
	if p.ShearRange != 0 {
		s, c := math.Sincos(uniform(rng, -p.ShearRange, p.ShearRange) * math.Pi / 180)
		m = m.mul(mat3{1, -s, 0, 0, c, 0, 0, 0, 1})
		ok = true
	}
	if p.ZoomRange != 0 {
		zx := uniform(rng, 1-p.ZoomRange, 1+p.ZoomRange)
		zy := uniform(rng, 1-p.ZoomRange, 1+p.ZoomRange)
		m = m.mul(mat3{zx, 0, 0, 0, zy, 0, 0, 0, 1})
		ok = true
	}
	if !ok {
		return m, false
	}

	// transform around the image centre
	or, oc := float64(h)/2-0.5, float64(w)/2-0.5
	toCenter := mat3{1, 0, or, 0, 1, oc, 0, 0, 1}
	fromCenter := mat3{1, 0, -or, 0, 1, -oc, 0, 0, 1}
	return toCenter.mul(m).mul(fromCenter), true
}

// warp resamples every channel of src through m with bilinear
// interpolation. Coordinates outside the image take the nearest edge pixel.
func warp(src, dst []float32, c, h, w int, m mat3) {
	plane := h * w
	for r := 0; r < h; r++ {
		for col := 0; col < w; col++ {
			sr := m[0]*float64(r) + m[1]*float64(col) + m[2]
			sc := m[3]*float64(r) + m[4]*float64(col) + m[5]
			sr = clampf(sr, 0, float64(h-1))
			sc = clampf(sc, 0, float64(w-1))

			r0, c0 := int(sr), int(sc)
			r1, c1 := minInt(r0+1, h-1), minInt(c0+1, w-1)
			fr, fc := float32(sr-float64(r0)), float32(sc-float64(c0))

			for ch := 0; ch < c; ch++ {
				base := src[ch*plane:]
				top := base[r0*w+c0]*(1-fc) + base[r0*w+c1]*fc
				bottom := base[r1*w+c0]*(1-fc) + base[r1*w+c1]*fc
				dst[ch*plane+r*w+col] = top*(1-fr) + bottom*fr
			}
		}
	}
}

// channelShift adds one offset to every value and clips the result to the
// image's original range
func channelShift(data []float32, shift float64) {
	if len(data) == 0 {
		return
	}
	lo, hi := data[0], data[0]
	for _, v := range data {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	for i, v := range data {
		data[i] = clamp32(v+float32(shift), lo, hi)
	}
}

func flipHorizontal(data []float32, c, h, w int) {
	for ch := 0; ch < c; ch++ {
		for r := 0; r < h; r++ {
			row := data[(ch*h+r)*w : (ch*h+r+1)*w]
			for i, j := 0, w-1; i < j; i, j = i+1, j-1 {
				row[i], row[j] = row[j], row[i]
			}
		}
	}
}

func brightness(data []float32, factor float64) {
	for i, v := range data {
		data[i] = clamp32(v*float32(factor), 0, 255)
	}
}

func clampf(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clamp32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
