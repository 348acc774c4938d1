// Compressed image codecs for the coordinator boundary
package coordinator

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"

	// decoders for formats a capture device or file import may produce
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"loopcam/internal/vision"
)

// Codec converts between compressed image bytes and raw RGBA buffers.
type Codec interface {
	Decode(data []byte) (vision.RawPixelBuffer, error)
	Encode(buf vision.RawPixelBuffer) ([]byte, error)
	ContentType() string
	Extension() string
}

// DefaultJPEGQuality matches the capture screen's export quality.
const DefaultJPEGQuality = 80

// JPEGCodec decodes any registered format and encodes JPEG.
type JPEGCodec struct {
	Quality int
}

func NewJPEGCodec(quality int) *JPEGCodec {
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &JPEGCodec{Quality: quality}
}

func (c *JPEGCodec) Decode(data []byte) (vision.RawPixelBuffer, error) {
	return DecodeImage(data)
}

func (c *JPEGCodec) Encode(buf vision.RawPixelBuffer) ([]byte, error) {
	img, err := ToImage(buf)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: c.Quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return out.Bytes(), nil
}

func (c *JPEGCodec) ContentType() string { return "image/jpeg" }
func (c *JPEGCodec) Extension() string   { return ".jpg" }

// PNGCodec decodes any registered format and encodes lossless PNG.
type PNGCodec struct{}

func (PNGCodec) Decode(data []byte) (vision.RawPixelBuffer, error) {
	return DecodeImage(data)
}

func (PNGCodec) Encode(buf vision.RawPixelBuffer) ([]byte, error) {
	img, err := ToImage(buf)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := png.Encode(&out, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return out.Bytes(), nil
}

func (PNGCodec) ContentType() string { return "image/png" }
func (PNGCodec) Extension() string   { return ".png" }

// NewCodec returns the codec for a format name ("jpeg" or "png").
func NewCodec(format string, quality int) (Codec, error) {
	switch format {
	case "", "jpeg", "jpg":
		return NewJPEGCodec(quality), nil
	case "png":
		return PNGCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

// DecodeImage decodes compressed bytes into a raw buffer at the source's own size.
func DecodeImage(data []byte) (vision.RawPixelBuffer, error) {
	if len(data) == 0 {
		return vision.RawPixelBuffer{}, fmt.Errorf("empty image data")
	}
	// header first, so an oversized frame is refused before its pixels are allocated
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return vision.RawPixelBuffer{}, err
	}
	if err := vision.ValidateDimensions(cfg.Width, cfg.Height); err != nil {
		return vision.RawPixelBuffer{}, fmt.Errorf("%s image: %w", format, err)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return vision.RawPixelBuffer{}, err
	}

	buf := FromImage(img)
	if err := buf.Validate(); err != nil {
		return vision.RawPixelBuffer{}, fmt.Errorf("%s image: %w", format, err)
	}
	return buf, nil
}

// FromImage converts any image to a non-premultiplied RGBA buffer.
func FromImage(img image.Image) vision.RawPixelBuffer {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	if n, ok := img.(*image.NRGBA); ok && n.Stride == w*vision.Channels && n.Rect.Min == (image.Point{}) {
		buf := vision.RawPixelBuffer{Width: w, Height: h, Data: make([]byte, len(n.Pix))}
		copy(buf.Data, n.Pix)
		return buf
	}

	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return vision.RawPixelBuffer{Width: w, Height: h, Data: dst.Pix}
}

// ToImage wraps a copy of buf as an *image.NRGBA.
func ToImage(buf vision.RawPixelBuffer) (*image.NRGBA, error) {
	if err := buf.Validate(); err != nil {
		return nil, err
	}
	img := image.NewNRGBA(image.Rect(0, 0, buf.Width, buf.Height))
	copy(img.Pix, buf.Data)
	return img, nil
}
