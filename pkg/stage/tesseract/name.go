// Package tesseract provides a Tesseract-backed OCR stage via the gosseract
// client. It is the one concrete in-tree back-end; transformer-based
// back-ends plug in through the same stage registry. The gosseract-backed
// engine needs cgo and the Tesseract/Leptonica headers; without cgo only
// this name constant is compiled and the backend is never registered.
package tesseract

// Name is the entrypoint this backend registers under.
const Name = "tesseract"
