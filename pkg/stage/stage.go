// Package stage defines the uniform abstraction over the three
// text-processing back-ends: bounding-box detection, optical character
// recognition and translation. Concrete back-ends register a constructor by
// name; the registry instantiates them when a model is loaded.
package stage

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Crivella/ocr-translate-sub000/pkg/types"
)

// ErrUnknownBackend is returned when no constructor is registered under the
// requested entrypoint name.
var ErrUnknownBackend = errors.New("stage: unknown backend")

// Language formats a back-end may expect its language codes in.
const (
	FormatISO1  = "iso1"
	FormatISO2B = "iso2b"
	FormatISO2T = "iso2t"
	FormatISO3  = "iso3"
)

// Language carries the code variants of one language, as resolved from the
// artefact store.
type Language struct {
	ISO1  string
	ISO2B string
	ISO2T string
	ISO3  string
}

// Metadata describes how a model wants languages presented: which code
// field to use, plus per-language overrides keyed by iso1.
type Metadata struct {
	LanguageFormat string
	ISO1Map        map[string]string
}

// LangCode returns the code the back-end expects for lang: the iso1-keyed
// override when present, else the field designated by LanguageFormat.
func (m Metadata) LangCode(lang Language) string {
	if code, ok := m.ISO1Map[lang.ISO1]; ok {
		return code
	}
	switch m.LanguageFormat {
	case FormatISO2B:
		return lang.ISO2B
	case FormatISO2T:
		return lang.ISO2T
	case FormatISO3:
		return lang.ISO3
	default:
		return lang.ISO1
	}
}

// Config is handed to back-end constructors.
type Config struct {
	// Entrypoint is the registered backend name the model resolves to.
	Entrypoint string
	// Device is "cpu" or a cuda-like device string.
	Device string
	// DataDir is where offline model data lives.
	DataDir string
	// AllowDownloads permits a backend to fetch missing model data.
	AllowDownloads bool
	// Options are the model's default options.
	Options types.Options
	// Logger is an optional structured logger.
	Logger *slog.Logger
}

// Detection is one detected text region: the merged rectangle and the
// single rectangles whose axis-aligned union it is.
type Detection struct {
	Merged types.Box
	Single []types.Box
}

// Box detects raw text rectangles in an image. Grouping overlapping
// rectangles into Detections is the caller's job, via MergeBoxes. Process
// is pure and is invoked only from worker goroutines.
type Box interface {
	Load() error
	Unload() error
	Process(image []byte, opts types.Options) ([]types.Box, error)
}

// OCR extracts text from a cropped image region.
type OCR interface {
	Load() error
	Unload() error
	Process(cropped []byte, langCode string, opts types.Options) (string, error)
}

// TSL translates pre-tokenised text. The batch always holds one token list
// per request; outputs correspond positionally to inputs.
type TSL interface {
	Load() error
	Unload() error
	Process(batch [][]string, srcCode, dstCode string, opts types.Options) ([]string, error)
}

var (
	regMu    sync.RWMutex
	boxCtors = map[string]func(Config) (Box, error){}
	ocrCtors = map[string]func(Config) (OCR, error){}
	tslCtors = map[string]func(Config) (TSL, error){}
)

// RegisterBox registers a box backend constructor under name.
func RegisterBox(name string, ctor func(Config) (Box, error)) {
	regMu.Lock()
	defer regMu.Unlock()
	boxCtors[name] = ctor
}

// RegisterOCR registers an OCR backend constructor under name.
func RegisterOCR(name string, ctor func(Config) (OCR, error)) {
	regMu.Lock()
	defer regMu.Unlock()
	ocrCtors[name] = ctor
}

// RegisterTSL registers a translation backend constructor under name.
func RegisterTSL(name string, ctor func(Config) (TSL, error)) {
	regMu.Lock()
	defer regMu.Unlock()
	tslCtors[name] = ctor
}

// NewBox instantiates the box backend registered under config.Entrypoint.
func NewBox(config Config) (Box, error) {
	regMu.RLock()
	ctor, ok := boxCtors[config.Entrypoint]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: box %q", ErrUnknownBackend, config.Entrypoint)
	}
	return ctor(config)
}

// NewOCR instantiates the OCR backend registered under config.Entrypoint.
func NewOCR(config Config) (OCR, error) {
	regMu.RLock()
	ctor, ok := ocrCtors[config.Entrypoint]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: ocr %q", ErrUnknownBackend, config.Entrypoint)
	}
	return ctor(config)
}

// NewTSL instantiates the translation backend registered under
// config.Entrypoint.
func NewTSL(config Config) (TSL, error) {
	regMu.RLock()
	ctor, ok := tslCtors[config.Entrypoint]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tsl %q", ErrUnknownBackend, config.Entrypoint)
	}
	return ctor(config)
}

// Known reports whether any backend is registered under name, for any kind.
func Known(name string) bool {
	regMu.RLock()
	defer regMu.RUnlock()
	if _, ok := boxCtors[name]; ok {
		return true
	}
	if _, ok := ocrCtors[name]; ok {
		return true
	}
	_, ok := tslCtors[name]
	return ok
}
