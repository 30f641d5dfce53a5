package integrations

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x % 256), uint8(y % 256), 128, 255})
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

func TestThumbnailer_DownscalesKeepingAspect(t *testing.T) {
	th := NewThumbnailer(ThumbnailSettings{MaxWidth: 100, MaxHeight: 100, Format: "png"})

	out, err := th.Normalize(bytes.NewReader(encodePNG(t, createTestImage(400, 200))))
	require.NoError(t, err)

	img, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 100, img.Bounds().Dx())
	assert.Equal(t, 50, img.Bounds().Dy())
}

func TestThumbnailer_SmallImageUnchangedSize(t *testing.T) {
	th := NewThumbnailer(ThumbnailSettings{MaxWidth: 100, MaxHeight: 100})

	out, err := th.Normalize(bytes.NewReader(encodePNG(t, createTestImage(40, 30))))
	require.NoError(t, err)

	img, _, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 40, img.Bounds().Dx())
	assert.Equal(t, 30, img.Bounds().Dy())
}

func TestThumbnailer_ConvertsToJPEG(t *testing.T) {
	th := NewThumbnailer(ThumbnailSettings{MaxWidth: 64, MaxHeight: 64, Format: "jpeg", Quality: 70})
	assert.Equal(t, ".jpg", th.Extension())

	var src bytes.Buffer
	require.NoError(t, jpeg.Encode(&src, createTestImage(128, 128), nil))

	out, err := th.Normalize(&src)
	require.NoError(t, err)

	_, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
}

func TestThumbnailer_RejectsGarbage(t *testing.T) {
	th := NewThumbnailer(DefaultThumbnailSettings())

	_, err := th.Normalize(strings.NewReader("not an image"))
	assert.Error(t, err)
}

func TestThumbnailer_UnsupportedFormat(t *testing.T) {
	th := NewThumbnailer(ThumbnailSettings{Format: "bmp"})

	_, err := th.Normalize(bytes.NewReader(encodePNG(t, createTestImage(10, 10))))
	assert.ErrorContains(t, err, "unsupported format")
}

func TestThumbnailer_Fit(t *testing.T) {
	th := NewThumbnailer(ThumbnailSettings{MaxWidth: 100, MaxHeight: 50})

	tests := []struct {
		w, h         int
		wantW, wantH int
	}{
		{50, 25, 50, 25},
		{200, 100, 100, 50},
		{100, 200, 25, 50},
		{1000, 1, 100, 1},
	}
	for _, tt := range tests {
		w, h := th.fit(tt.w, tt.h)
		assert.Equal(t, tt.wantW, w, "%dx%d", tt.w, tt.h)
		assert.Equal(t, tt.wantH, h, "%dx%d", tt.w, tt.h)
	}
}
