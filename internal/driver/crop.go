package driver

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	xdraw "golang.org/x/image/draw"

	"github.com/Crivella/ocr-translate-sub000/pkg/types"
)

var (
	// ErrImageRequired is returned when a cache miss needs the image bytes
	// but none were supplied.
	ErrImageRequired = errors.New("driver: image bytes required on cache miss")
	// ErrForceWithLazy rejects the contradictory force+lazy combination.
	ErrForceWithLazy = errors.New("driver: force and lazy are mutually exclusive")
)

// cropRGB decodes the image, crops it to box and re-encodes the crop as an
// opaque RGB(A) PNG for the OCR back-end. Box coordinates follow the image
// raster: Bottom is the upper row, Top the lower one.
func cropRGB(imageBytes []byte, box types.Box) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return nil, fmt.Errorf("driver: decoding image: %w", err)
	}

	rect := image.Rect(box.Left, box.Bottom, box.Right, box.Top)
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return nil, fmt.Errorf("driver: bbox %s lies outside the image", box)
	}

	out := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	xdraw.Copy(out, image.Point{}, img, rect, xdraw.Src, nil)
	// Force full opacity so the crop is plain RGB for back-ends that
	// choke on alpha.
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 0xFF
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("driver: encoding crop: %w", err)
	}
	return buf.Bytes(), nil
}
