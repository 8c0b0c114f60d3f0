package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	_ "image/jpeg"

	_ "golang.org/x/image/tiff"
)

const boxStroke = 2

var boxColor = color.RGBA{R: 230, G: 57, B: 70, A: 255}

// RenderDetections draws detection boxes over a source image and
// returns the visualization encoded as PNG.
func RenderDetections(source []byte, detections []Detection) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}

	bounds := src.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, src, bounds.Min, draw.Src)

	for _, det := range detections {
		drawBox(dst, det.Box)
	}

	var buf bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := encoder.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode visualization: %w", err)
	}
	return buf.Bytes(), nil
}

func drawBox(dst *image.RGBA, box Box) {
	bounds := dst.Bounds()
	x1 := clampInt(int(box.X1), bounds.Min.X, bounds.Max.X-1)
	y1 := clampInt(int(box.Y1), bounds.Min.Y, bounds.Max.Y-1)
	x2 := clampInt(int(box.X2), bounds.Min.X, bounds.Max.X-1)
	y2 := clampInt(int(box.Y2), bounds.Min.Y, bounds.Max.Y-1)
	if x2 <= x1 || y2 <= y1 {
		return
	}

	for s := 0; s < boxStroke; s++ {
		for x := x1; x <= x2; x++ {
			dst.SetRGBA(x, clampInt(y1+s, bounds.Min.Y, bounds.Max.Y-1), boxColor)
			dst.SetRGBA(x, clampInt(y2-s, bounds.Min.Y, bounds.Max.Y-1), boxColor)
		}
		for y := y1; y <= y2; y++ {
			dst.SetRGBA(clampInt(x1+s, bounds.Min.X, bounds.Max.X-1), y, boxColor)
			dst.SetRGBA(clampInt(x2-s, bounds.Min.X, bounds.Max.X-1), y, boxColor)
		}
	}
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
