package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// solidImage returns a width x height image filled with c
func solidImage(width, height int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecode(t *testing.T) {
	t.Run("PNG", func(t *testing.T) {
		_, format, err := Decode(bytes.NewReader(encodePNG(t, solidImage(4, 4, color.White))))
		require.NoError(t, err)
		assert.Equal(t, "png", format)
	})

	t.Run("JPEG", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, jpeg.Encode(&buf, solidImage(8, 8, color.White), &jpeg.Options{Quality: 90}))
		_, format, err := Decode(&buf)
		require.NoError(t, err)
		assert.Equal(t, "jpeg", format)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, _, err := Decode(strings.NewReader("definitely not an image"))
		require.Error(t, err)
		assert.Equal(t, ErrInvalidImage, errors.Cause(err))
	})
}

func TestDecodeLimited(t *testing.T) {
	data := encodePNG(t, image.NewGray(image.Rect(0, 0, 400, 300)))

	t.Run("WithinLimit", func(t *testing.T) {
		img, format, err := DecodeLimited(bytes.NewReader(data), 400*300)
		require.NoError(t, err)
		assert.Equal(t, "png", format)
		assert.Equal(t, image.Rect(0, 0, 400, 300), img.Bounds())
	})

	t.Run("OverLimit", func(t *testing.T) {
		_, _, err := DecodeLimited(bytes.NewReader(data), 400*300-1)
		require.Error(t, err)
		assert.Equal(t, ErrInvalidImage, errors.Cause(err))
		assert.Contains(t, err.Error(), "400x300")
	})

	t.Run("NoLimit", func(t *testing.T) {
		_, _, err := DecodeLimited(bytes.NewReader(data), 0)
		assert.NoError(t, err)
	})

	t.Run("BadHeader", func(t *testing.T) {
		_, _, err := DecodeLimited(strings.NewReader("GIF89a"), 100)
		assert.Equal(t, ErrInvalidImage, errors.Cause(err))
	})
}

func TestToRGBDropsAlpha(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{200, 100, 50, 0})
	img.SetNRGBA(1, 0, color.NRGBA{10, 20, 30, 128})

	rgb := ToRGB(img)
	assert.Equal(t, color.RGBA{200, 100, 50, 255}, rgb.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{10, 20, 30, 255}, rgb.RGBAAt(1, 0))
}

func TestToRGBExpandsGrayscale(t *testing.T) {
	gray := image.NewGray(image.Rect(2, 3, 6, 7))
	gray.SetGray(3, 4, color.Gray{Y: 200})

	rgb := ToRGB(gray)
	assert.Equal(t, image.Rect(0, 0, 4, 4), rgb.Bounds())
	c := rgb.RGBAAt(1, 1)
	assert.Equal(t, color.RGBA{200, 200, 200, 255}, c)
}

func TestPreprocessLayout(t *testing.T) {
	p := NewImageProcessor(6)
	out := p.Preprocess(solidImage(12, 9, color.RGBA{10, 20, 30, 255}))

	assert.Equal(t, 6, out.Width)
	assert.Equal(t, 6, out.Height)
	assert.Equal(t, 3, out.Channels)
	require.Len(t, out.Data, 3*36)
	for i := 0; i < 36; i++ {
		assert.Equal(t, float32(10), out.Data[i])
		assert.Equal(t, float32(20), out.Data[36+i])
		assert.Equal(t, float32(30), out.Data[72+i])
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "face.png")
	require.NoError(t, os.WriteFile(path, encodePNG(t, solidImage(48, 48, color.RGBA{255, 0, 0, 255})), 0644))

	p := NewImageProcessor(32)
	img, err := p.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, float32(255), img.Data[0])
	assert.Equal(t, float32(0), img.Data[32*32])

	_, err = p.LoadFile(filepath.Join(dir, "missing.png"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.jpg")
	require.NoError(t, os.WriteFile(bad, []byte("nope"), 0644))
	_, err = p.LoadFile(bad)
	assert.Equal(t, ErrInvalidImage, errors.Cause(err))
}

func TestPrepareRegion(t *testing.T) {
	img := solidImage(20, 20, color.Black)
	for y := 5; y < 15; y++ {
		for x := 5; x < 15; x++ {
			img.Set(x, y, color.White)
		}
	}
	p := NewImageProcessor(8)

	t.Run("CropIsRescaled", func(t *testing.T) {
		data, err := p.PrepareRegion(img, image.Rect(5, 5, 15, 15))
		require.NoError(t, err)
		require.Len(t, data, 3*64)
		for _, v := range data {
			assert.InDelta(t, 1.0, v, 1e-6)
		}
	})

	t.Run("OutOfBounds", func(t *testing.T) {
		_, err := p.PrepareRegion(img, image.Rect(10, 10, 30, 30))
		assert.Error(t, err)
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := p.PrepareRegion(img, image.Rect(3, 3, 3, 9))
		assert.Error(t, err)
	})
}
