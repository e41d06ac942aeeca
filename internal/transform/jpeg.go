package transform

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	// Accept the common web image formats on input.
	_ "image/gif"
	_ "image/png"
)

// DefaultQuality is the fixed lossy re-encode level on the 0-100 JPEG scale.
const DefaultQuality = 50

// JPEG re-encodes raw image bytes as JPEG at a fixed quality.
type JPEG struct {
	Quality int
}

func (t JPEG) Transform(raw []byte) ([]byte, error) {
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	quality := t.Quality
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode %s as jpeg: %w", format, err)
	}
	return buf.Bytes(), nil
}
