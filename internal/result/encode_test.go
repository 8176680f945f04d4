package result

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRoundTripIsLossless(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 17, 9))
	for y := 0; y < 9; y++ {
		for x := 0; x < 17; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 15), G: uint8(y * 28), B: uint8(x ^ y), A: 255})
		}
	}

	for name := range Compression {
		enc, err := NewEncoder(name)
		require.NoError(t, err)

		data, err := enc.Encode(img)
		require.NoError(t, err, name)

		decoded, err := png.Decode(bytes.NewReader(data))
		require.NoError(t, err)
		require.Equal(t, img.Bounds(), decoded.Bounds())
		for y := 0; y < 9; y++ {
			for x := 0; x < 17; x++ {
				assert.Equal(t, img.RGBAAt(x, y), color.RGBAModel.Convert(decoded.At(x, y)), "%s at %d,%d", name, x, y)
			}
		}
	}
}

func TestEncodeFailuresAreReported(t *testing.T) {
	enc, err := NewEncoder("")
	require.NoError(t, err)

	_, err = enc.Encode(nil)
	var ee *EncodeError
	require.ErrorAs(t, err, &ee)

	_, err = enc.Encode(image.NewRGBA(image.Rect(0, 0, 0, 5)))
	require.ErrorAs(t, err, &ee)

	_, err = NewEncoder("ultra")
	assert.Error(t, err)
}
