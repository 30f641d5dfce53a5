package integrations

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ThumbnailSettings controls thumbnail normalisation.
type ThumbnailSettings struct {
	MaxWidth  int    `yaml:"max_width"`
	MaxHeight int    `yaml:"max_height"`
	Format    string `yaml:"format"` // png or jpeg
	Quality   int    `yaml:"quality"`
}

func DefaultThumbnailSettings() ThumbnailSettings {
	return ThumbnailSettings{
		MaxWidth:  256,
		MaxHeight: 256,
		Format:    "png",
		Quality:   85,
	}
}

// Thumbnailer decodes preview images in any format the remote serves
// (png, jpeg, gif, webp), fits them into a bounding box and re-encodes
// them in one format.
type Thumbnailer struct {
	settings ThumbnailSettings
}

func NewThumbnailer(settings ThumbnailSettings) *Thumbnailer {
	if settings.MaxWidth <= 0 {
		settings.MaxWidth = DefaultThumbnailSettings().MaxWidth
	}
	if settings.MaxHeight <= 0 {
		settings.MaxHeight = DefaultThumbnailSettings().MaxHeight
	}
	if settings.Format == "" {
		settings.Format = "png"
	}
	if settings.Quality <= 0 {
		settings.Quality = DefaultThumbnailSettings().Quality
	}
	return &Thumbnailer{settings: settings}
}

// Extension returns the file extension of normalised images.
func (t *Thumbnailer) Extension() string {
	if t.settings.Format == "jpeg" || t.settings.Format == "jpg" {
		return ".jpg"
	}
	return ".png"
}

func (t *Thumbnailer) Normalize(input io.Reader) ([]byte, error) {
	img, _, err := image.Decode(input)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	width, height := t.fit(bounds.Dx(), bounds.Dy())

	var out image.Image = img
	if width != bounds.Dx() || height != bounds.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
		out = dst
	}

	return t.encode(out)
}

// fit scales width and height down into the bounding box, keeping the aspect ratio.
func (t *Thumbnailer) fit(width, height int) (int, int) {
	if width <= t.settings.MaxWidth && height <= t.settings.MaxHeight {
		return width, height
	}

	scale := min(
		float64(t.settings.MaxWidth)/float64(width),
		float64(t.settings.MaxHeight)/float64(height),
	)

	return max(1, int(float64(width)*scale)), max(1, int(float64(height)*scale))
}

func (t *Thumbnailer) encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer

	switch t.settings.Format {
	case "jpeg", "jpg":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: t.settings.Quality}); err != nil {
			return nil, fmt.Errorf("failed to encode JPEG: %w", err)
		}
	case "png":
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("failed to encode PNG: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported format: %s", t.settings.Format)
	}

	return buf.Bytes(), nil
}
