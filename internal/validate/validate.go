// Package validate is the gate every upload must pass before any byte
// is persisted. It inspects the claimed filename and the raw content
// in memory and never touches the store.
package validate

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"strings"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/tiff"

	"github.com/dunamismax/detectflow/internal/domain"
)

const (
	MinFileBytes = 1 << 10  // 1 KiB
	MaxFileBytes = 50 << 20 // 50 MiB

	MinDimension = 64
	MaxDimension = 8192
)

const (
	CodeInvalidFormat      = "INVALID_FORMAT"
	CodeFileTooSmall       = "FILE_TOO_SMALL"
	CodeFileTooLarge       = "FILE_TOO_LARGE"
	CodeCorruptedFile      = "CORRUPTED_FILE"
	CodeDimensionsTooSmall = "DIMENSIONS_TOO_SMALL"
	CodeDimensionsExceeded = "DIMENSIONS_EXCEEDED"
)

// Error is a rejection with a stable code the UI can key feedback on.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func reject(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// extensionFamily maps an allowed filename extension to the format
// name image.Decode reports for it.
var extensionFamily = map[string]string{
	".jpeg": "jpeg",
	".jpg":  "jpeg",
	".png":  "png",
	".tiff": "tiff",
	".tif":  "tiff",
}

// Check runs the gate over content claimed to be filename. The checks
// run in a fixed order and stop at the first failure: extension, size,
// decode, extension/format cross-check, dimensions.
func Check(content []byte, filename string) (domain.Descriptor, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	family, ok := extensionFamily[ext]
	if !ok {
		return domain.Descriptor{}, reject(CodeInvalidFormat, "unsupported file extension %q", ext)
	}

	if len(content) < MinFileBytes {
		return domain.Descriptor{}, reject(CodeFileTooSmall, "file is %d bytes, minimum is %d", len(content), MinFileBytes)
	}
	if len(content) > MaxFileBytes {
		return domain.Descriptor{}, reject(CodeFileTooLarge, "file is %d bytes, maximum is %d", len(content), MaxFileBytes)
	}

	img, format, err := image.Decode(bytes.NewReader(content))
	if err != nil {
		return domain.Descriptor{}, reject(CodeCorruptedFile, "content does not decode as an image: %v", err)
	}

	if format != family {
		return domain.Descriptor{}, reject(CodeInvalidFormat, "extension %s does not match decoded format %s", ext, format)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width < MinDimension || height < MinDimension {
		return domain.Descriptor{}, reject(CodeDimensionsTooSmall, "image is %dx%d, minimum is %dx%d", width, height, MinDimension, MinDimension)
	}
	if width > MaxDimension || height > MaxDimension {
		return domain.Descriptor{}, reject(CodeDimensionsExceeded, "image is %dx%d, maximum is %dx%d", width, height, MaxDimension, MaxDimension)
	}

	return domain.Descriptor{
		Width:     width,
		Height:    height,
		Format:    format,
		ColorMode: colorMode(img.ColorModel()),
		SizeBytes: len(content),
	}, nil
}

func colorMode(model color.Model) string {
	switch model {
	case color.GrayModel, color.Gray16Model:
		return "grayscale"
	case color.CMYKModel:
		return "cmyk"
	case color.YCbCrModel:
		return "ycbcr"
	case color.NRGBAModel, color.NRGBA64Model, color.RGBAModel, color.RGBA64Model:
		return "rgba"
	case color.AlphaModel, color.Alpha16Model:
		return "alpha"
	}
	if _, ok := model.(color.Palette); ok {
		return "paletted"
	}
	return "unknown"
}
