package preprocessing

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/spf13/afero"

	"github.com/tsawler/go-facetrain/tensor"
	"github.com/tsawler/go-facetrain/trainerr"
)

// Channels is the number of colour planes in a preprocessed image.
const Channels = 3

// ImageProcessor decodes images and resizes them to a square CHW tensor
// normalized to [0, 1].
type ImageProcessor struct {
	targetSize int
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(targetSize int) (*ImageProcessor, error) {
	if targetSize <= 0 {
		return nil, trainerr.New(trainerr.Configuration, "target size must be positive, got %d", targetSize)
	}
	return &ImageProcessor{targetSize: targetSize}, nil
}

// TargetSize returns the side length of produced images.
func (p *ImageProcessor) TargetSize() int {
	return p.targetSize
}

// Shape returns the shape of tensors produced by Decode: [3, size, size].
func (p *ImageProcessor) Shape() []int {
	return []int{Channels, p.targetSize, p.targetSize}
}

// Decode reads a JPEG or PNG image from reader and returns it as a
// [3, size, size] tensor.
func (p *ImageProcessor) Decode(reader io.Reader) (*tensor.Tensor, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, trainerr.Wrap(trainerr.Parse, err, "decoding image")
	}
	return p.FromImage(img)
}

// DecodeFile opens path on fs and decodes it.
func (p *ImageProcessor) DecodeFile(fs afero.Fs, path string) (*tensor.Tensor, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, trainerr.Wrap(trainerr.Filesystem, err, "opening image %s", path)
	}
	defer f.Close()

	t, err := p.Decode(f)
	if err != nil {
		return nil, trainerr.Wrap(trainerr.KindOf(err), err, "image %s", path)
	}
	return t, nil
}

// FromImage resizes img with nearest-neighbour sampling and converts it to
// planar RGB.
func (p *ImageProcessor) FromImage(img image.Image) (*tensor.Tensor, error) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, trainerr.New(trainerr.Parse, "image has no pixels")
	}

	size := p.targetSize
	plane := size * size
	data := make([]float32, Channels*plane)

	scaleX := float64(width) / float64(size)
	scaleY := float64(height) / float64(size)

	for y := 0; y < size; y++ {
		srcY := int(float64(y) * scaleY)
		if srcY >= height {
			srcY = height - 1
		}
		for x := 0; x < size; x++ {
			srcX := int(float64(x) * scaleX)
			if srcX >= width {
				srcX = width - 1
			}

			r, g, b, _ := img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY).RGBA()
			idx := y*size + x
			data[idx] = float32(r) / 65535.0
			data[plane+idx] = float32(g) / 65535.0
			data[2*plane+idx] = float32(b) / 65535.0
		}
	}

	return tensor.New(p.Shape(), data)
}
