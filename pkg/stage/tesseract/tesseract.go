//go:build cgo

package tesseract

import (
	"fmt"
	"sync"

	"github.com/otiai10/gosseract/v2"

	"github.com/Crivella/ocr-translate-sub000/pkg/stage"
	"github.com/Crivella/ocr-translate-sub000/pkg/types"
)

func init() {
	stage.RegisterOCR(Name, func(config stage.Config) (stage.OCR, error) {
		return New(config), nil
	})
}

// Engine is a Tesseract OCR stage. A client is created per Process call;
// gosseract clients are not safe for concurrent use.
type Engine struct {
	config stage.Config

	mu     sync.Mutex
	loaded bool

	clientFactory func() *gosseract.Client
}

// New constructs an unloaded engine.
func New(config stage.Config) *Engine {
	return &Engine{
		config:        config,
		clientFactory: gosseract.NewClient,
	}
}

// Load verifies the installation by constructing and closing a client.
func (e *Engine) Load() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded {
		return nil
	}
	c := e.clientFactory()
	if e.config.DataDir != "" {
		if err := c.SetTessdataPrefix(e.config.DataDir); err != nil {
			c.Close()
			return fmt.Errorf("tesseract: tessdata prefix: %w", err)
		}
	}
	if err := c.Close(); err != nil {
		return fmt.Errorf("tesseract: probe client: %w", err)
	}
	e.loaded = true
	return nil
}

// Unload releases the engine. Clients are per-call, so there is nothing to
// tear down beyond the loaded flag.
func (e *Engine) Unload() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded = false
	return nil
}

// Process runs OCR over one cropped image. langCode is a Tesseract
// traineddata name (iso3-style, e.g. "jpn"). Recognised option keys:
// "psm" (page segmentation mode, number) and any string-valued key, which
// is passed through as a Tesseract variable.
func (e *Engine) Process(cropped []byte, langCode string, opts types.Options) (string, error) {
	e.mu.Lock()
	if !e.loaded {
		e.mu.Unlock()
		return "", fmt.Errorf("tesseract: engine not loaded")
	}
	e.mu.Unlock()

	c := e.clientFactory()
	defer c.Close()

	if e.config.DataDir != "" {
		if err := c.SetTessdataPrefix(e.config.DataDir); err != nil {
			return "", fmt.Errorf("tesseract: tessdata prefix: %w", err)
		}
	}
	if err := c.SetImageFromBytes(cropped); err != nil {
		return "", fmt.Errorf("tesseract: set image: %w", err)
	}
	if langCode != "" {
		if err := c.SetLanguage(langCode); err != nil {
			return "", fmt.Errorf("tesseract: set language %q: %w", langCode, err)
		}
	}
	for k, v := range opts {
		if k == "psm" {
			if psm, ok := toInt(v); ok {
				if err := c.SetPageSegMode(gosseract.PageSegMode(psm)); err != nil {
					return "", fmt.Errorf("tesseract: set psm %d: %w", psm, err)
				}
			}
			continue
		}
		if s, ok := v.(string); ok {
			if err := c.SetVariable(gosseract.SettableVariable(k), s); err != nil {
				return "", fmt.Errorf("tesseract: set variable %s: %w", k, err)
			}
		}
	}

	text, err := c.Text()
	if err != nil {
		return "", fmt.Errorf("tesseract: recognize: %w", err)
	}
	return text, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
