// Package preprocessing decodes images into model input tensors and applies
// the training augmentation policy.
package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ErrInvalidImage is returned when image data cannot be decoded
var ErrInvalidImage = errors.New("invalid image")

// Channels is the number of color channels of every processed image
const Channels = 3

// ImageProcessor resizes decoded images to a square target size and lays
// them out as CHW float32 data. It holds no mutable state and is safe for
// concurrent use.
type ImageProcessor struct {
	targetSize int
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
	}
}

// TargetSize returns the output edge length
func (p *ImageProcessor) TargetSize() int {
	return p.targetSize
}

// ProcessedImage represents a preprocessed image. Data is CHW with values on
// the 0..255 scale; rescaling happens in the augmentation policy.
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// Decode reads a JPEG, PNG, GIF, BMP or WebP image. Failures wrap
// ErrInvalidImage.
func Decode(r io.Reader) (image.Image, string, error) {
	return DecodeLimited(r, 0)
}

// DecodeLimited is Decode with a cap on width*height taken from the image
// header before any pixel data is allocated. maxPixels <= 0 disables the cap.
func DecodeLimited(r io.Reader, maxPixels int) (image.Image, string, error) {
	if maxPixels > 0 {
		var header bytes.Buffer
		cfg, _, err := image.DecodeConfig(io.TeeReader(r, &header))
		if err != nil {
			return nil, "", errors.Wrapf(ErrInvalidImage, "%v", err)
		}
		if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > int64(maxPixels) {
			return nil, "", errors.Wrapf(ErrInvalidImage, "image is %dx%d pixels, limit is %d", cfg.Width, cfg.Height, maxPixels)
		}
		r = io.MultiReader(&header, r)
	}

	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", errors.Wrapf(ErrInvalidImage, "%v", err)
	}
	if b := img.Bounds(); b.Empty() {
		return nil, "", errors.Wrap(ErrInvalidImage, "image has no pixels")
	}
	return img, format, nil
}

// ToRGB converts img to an opaque RGBA image whose bounds start at the
// origin. Grayscale and paletted inputs are expanded to three channels.
// Alpha is dropped: translucent pixels keep their stored (non-premultiplied)
// color.
func ToRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		return dst
	}

	for y := 0; y < b.Dy(); y++ {
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			row[4*x+0] = c.R
			row[4*x+1] = c.G
			row[4*x+2] = c.B
			row[4*x+3] = 0xff
		}
	}
	return dst
}

// Resize scales src to the target size with bilinear interpolation
func (p *ImageProcessor) Resize(src image.Image) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, p.targetSize, p.targetSize))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// Preprocess resizes img and converts it to CHW data on the 0..255 scale
func (p *ImageProcessor) Preprocess(img image.Image) *ProcessedImage {
	resized := p.Resize(img)
	plane := p.targetSize * p.targetSize
	data := make([]float32, Channels*plane)

	for y := 0; y < p.targetSize; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < p.targetSize; x++ {
			idx := y*p.targetSize + x
			data[0*plane+idx] = float32(row[4*x+0]) // R channel
			data[1*plane+idx] = float32(row[4*x+1]) // G channel
			data[2*plane+idx] = float32(row[4*x+2]) // B channel
		}
	}

	return &ProcessedImage{
		Data:     data,
		Width:    p.targetSize,
		Height:   p.targetSize,
		Channels: Channels,
	}
}

// DecodeAndPreprocess decodes an image and preprocesses it for the network
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, _, err := Decode(reader)
	if err != nil {
		return nil, err
	}
	return p.Preprocess(ToRGB(img)), nil
}

// LoadFile opens and preprocesses the image at path
func (p *ImageProcessor) LoadFile(path string) (*ProcessedImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %s", path)
	}
	defer f.Close()

	img, err := p.DecodeAndPreprocess(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to preprocess %s", path)
	}
	return img, nil
}

// PrepareRegion crops rect out of img, resizes the crop and rescales it to
// [0, 1]. The result is ready to be fed to the network as one sample, which
// is the same treatment evaluation batches receive. rect must lie within the
// image bounds.
func (p *ImageProcessor) PrepareRegion(img image.Image, rect image.Rectangle) ([]float32, error) {
	rgb := ToRGB(img)
	if rect.Empty() || !rect.In(rgb.Bounds()) {
		return nil, errors.Errorf("region %v outside image bounds %v", rect, rgb.Bounds())
	}
	crop := rgb.SubImage(rect)
	processed := p.Preprocess(crop)
	Rescale(processed.Data, DefaultRescale)
	return processed.Data, nil
}

// Rescale multiplies every value in data by factor
func Rescale(data []float32, factor float32) {
	for i := range data {
		data[i] *= factor
	}
}
