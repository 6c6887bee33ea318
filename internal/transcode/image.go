package transcode

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"

	// Registered decoders for queued stills.
	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// DecodeImage decodes any supported still (png, jpeg, bmp, webp).
func DecodeImage(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("decoding image: %w", err)
	}
	return img, format, nil
}

// Letterbox scales src to fit inside width x height, preserving its aspect
// ratio, centred on a black canvas.
func Letterbox(src image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	sb := src.Bounds()
	if sb.Dx() == 0 || sb.Dy() == 0 {
		return dst
	}

	// Fit: compare aspect ratios with integer cross-multiplication.
	w, h := width, height
	if sb.Dx()*height > sb.Dy()*width {
		h = max(1, sb.Dy()*width/sb.Dx())
	} else {
		w = max(1, sb.Dx()*height/sb.Dy())
	}
	x0 := (width - w) / 2
	y0 := (height - h) / 2

	draw.CatmullRom.Scale(dst, image.Rect(x0, y0, x0+w, y0+h), src, sb, draw.Over, nil)
	return dst
}

// encodePNG renders img as PNG.
func encodePNG(img image.Image) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding png: %w", err)
	}
	return &buf, nil
}
