package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
)

// PixelFormat identifies the raw pixel layout a device delivers.
type PixelFormat int

const (
	// FormatRGB24 is 8-bit RGB, rows padded to a 4-byte boundary (DIB style)
	// or tightly packed; the stride field decides.
	FormatRGB24 PixelFormat = iota
	// FormatRGB48 is 16-bit-per-channel RGB, little-endian samples.
	FormatRGB48
	// FormatMono8 is 8-bit grayscale.
	FormatMono8
)

func (f PixelFormat) String() string {
	switch f {
	case FormatRGB24:
		return "rgb24"
	case FormatRGB48:
		return "rgb48"
	case FormatMono8:
		return "mono8"
	}
	return fmt.Sprintf("pixelformat(%d)", int(f))
}

func (f PixelFormat) bytesPerPixel() int {
	switch f {
	case FormatRGB24:
		return 3
	case FormatRGB48:
		return 6
	case FormatMono8:
		return 1
	}
	return 0
}

// DIBStride returns the padded row length a DIB-style device uses for a row
// of width pixels at the given bits per pixel.
func DIBStride(width, bitsPerPixel int) int {
	return ((width*bitsPerPixel + 31) / 32) * 4
}

// Codec converts raw frames into JPEG. It keeps a scratch image that is
// reused across calls, so a single Codec must not be shared between
// goroutines; the Session owns one per path. The returned payload is always
// a freshly allocated slice.
type Codec struct {
	quality int
	scratch *image.RGBA
}

// NewCodec returns a codec encoding at the given JPEG quality (1-100).
func NewCodec(quality int) *Codec {
	if quality < 1 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return &Codec{quality: quality}
}

// Encode converts f into a JPEG payload. Unrecognized layouts and buffers
// too short for the declared geometry fail with ErrUnsupportedFormat rather
// than producing a torn image.
func (c *Codec) Encode(f RawFrame) ([]byte, error) {
	bpp := f.Format.bytesPerPixel()
	if bpp == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f.Format)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrUnsupportedFormat, f.Width, f.Height)
	}
	stride := f.Stride
	if stride == 0 {
		stride = DIBStride(f.Width, bpp*8)
	}
	if stride < f.Width*bpp {
		return nil, fmt.Errorf("%w: stride %d < row bytes %d", ErrUnsupportedFormat, stride, f.Width*bpp)
	}
	if len(f.Data) < stride*f.Height {
		return nil, fmt.Errorf("%w: buffer %d bytes, need %d", ErrUnsupportedFormat, len(f.Data), stride*f.Height)
	}

	img := c.scratchFor(f.Width, f.Height)
	for y := 0; y < f.Height; y++ {
		src := f.Data[y*stride:]
		dst := img.Pix[y*img.Stride:]
		switch f.Format {
		case FormatRGB24:
			for x := 0; x < f.Width; x++ {
				dst[x*4+0] = src[x*3+0]
				dst[x*4+1] = src[x*3+1]
				dst[x*4+2] = src[x*3+2]
				dst[x*4+3] = 0xff
			}
		case FormatRGB48:
			// Little-endian 16-bit samples; keep the high byte.
			for x := 0; x < f.Width; x++ {
				dst[x*4+0] = src[x*6+1]
				dst[x*4+1] = src[x*6+3]
				dst[x*4+2] = src[x*6+5]
				dst[x*4+3] = 0xff
			}
		case FormatMono8:
			for x := 0; x < f.Width; x++ {
				v := src[x]
				dst[x*4+0] = v
				dst[x*4+1] = v
				dst[x*4+2] = v
				dst[x*4+3] = 0xff
			}
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.quality}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

// scratchFor returns the reusable scratch image, reallocating only when the
// geometry changes (e.g. after a resolution switch).
func (c *Codec) scratchFor(w, h int) *image.RGBA {
	if c.scratch == nil || c.scratch.Rect.Dx() != w || c.scratch.Rect.Dy() != h {
		c.scratch = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	return c.scratch
}
