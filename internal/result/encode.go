package result

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
)

// ContentType is the media type of encoded results.
const ContentType = "image/png"

// EncodeError reports a failure to serialize the result image.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode result: %v", e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// Compression levels accepted in configuration.
var Compression = map[string]png.CompressionLevel{
	"default": png.DefaultCompression,
	"none":    png.NoCompression,
	"speed":   png.BestSpeed,
	"best":    png.BestCompression,
}

// Encoder serializes composited images losslessly.
type Encoder struct {
	enc png.Encoder
}

// NewEncoder returns an encoder using the named compression level.
func NewEncoder(compression string) (*Encoder, error) {
	if compression == "" {
		compression = "default"
	}
	level, ok := Compression[compression]
	if !ok {
		return nil, fmt.Errorf("unknown png compression %q", compression)
	}
	return &Encoder{enc: png.Encoder{CompressionLevel: level}}, nil
}

// Encode returns img as PNG bytes.
func (e *Encoder) Encode(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, &EncodeError{Err: fmt.Errorf("nil image")}
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, &EncodeError{Err: fmt.Errorf("empty image %v", b)}
	}

	var buf bytes.Buffer
	buf.Grow(b.Dx() * b.Dy())
	if err := e.enc.Encode(&buf, img); err != nil {
		return nil, &EncodeError{Err: err}
	}
	return buf.Bytes(), nil
}
