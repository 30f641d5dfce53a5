package integrations

import "io"

// ImageNormalizer turns a fetched preview image into the stored thumbnail.
type ImageNormalizer interface {
	Normalize(input io.Reader) ([]byte, error)
	Extension() string
}

var _ ImageNormalizer = (*Thumbnailer)(nil)
