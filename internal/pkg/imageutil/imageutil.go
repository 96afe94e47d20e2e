// Package imageutil shrinks uploaded images before they are inlined into a
// model prompt. Stored originals are never modified.
package imageutil

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
	"golang.org/x/image/webp"
)

const DefaultMaxEdge = 1024

// Fit returns data unchanged when the image already fits in maxEdge, and a
// re-encoded, proportionally scaled copy otherwise. JPEG stays JPEG; every
// other format is re-encoded as PNG.
func Fit(data []byte, mimeType string, maxEdge int) ([]byte, string, error) {
	if maxEdge <= 0 {
		maxEdge = DefaultMaxEdge
	}
	img, err := decode(data, mimeType)
	if err != nil {
		return nil, "", err
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= maxEdge && h <= maxEdge {
		return data, mimeType, nil
	}

	nw, nh := maxEdge, maxEdge
	if w >= h {
		nh = max(1, h*maxEdge/w)
	} else {
		nw = max(1, w*maxEdge/h)
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if mimeType == "image/jpeg" {
		if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 85}); err != nil {
			return nil, "", fmt.Errorf("encode jpeg failed: %w", err)
		}
		return buf.Bytes(), "image/jpeg", nil
	}
	if err := png.Encode(&buf, dst); err != nil {
		return nil, "", fmt.Errorf("encode png failed: %w", err)
	}
	return buf.Bytes(), "image/png", nil
}

func decode(data []byte, mimeType string) (image.Image, error) {
	r := bytes.NewReader(data)
	var (
		img image.Image
		err error
	)
	switch mimeType {
	case "image/png":
		img, err = png.Decode(r)
	case "image/jpeg":
		img, err = jpeg.Decode(r)
	case "image/gif":
		img, err = gif.Decode(r)
	case "image/webp":
		img, err = webp.Decode(r)
	default:
		return nil, fmt.Errorf("unsupported image type %q", mimeType)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s failed: %w", mimeType, err)
	}
	return img, nil
}
