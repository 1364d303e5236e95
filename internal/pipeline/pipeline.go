// Package pipeline chains the box, ocr and tsl drivers into the two
// image-level entry points: work, which runs the full stack over an
// uploaded image, and lazy, which only serves fully cached results.
package pipeline

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/Crivella/ocr-translate-sub000/internal/driver"
	"github.com/Crivella/ocr-translate-sub000/internal/msgq"
	"github.com/Crivella/ocr-translate-sub000/internal/registry"
	"github.com/Crivella/ocr-translate-sub000/internal/store"
	"github.com/Crivella/ocr-translate-sub000/pkg/types"
)

// Config wires a Pipeline.
type Config struct {
	Store    *store.Store
	Registry *registry.Registry
	// MainQueue deduplicates whole-image requests; the per-stage queues
	// live inside the drivers.
	MainQueue *msgq.Queue
	Box       *driver.Box
	OCR       *driver.OCR
	TSL       *driver.TSL
	Logger    *slog.Logger
}

// Result is one translated text block of an image.
type Result struct {
	OCR string    `json:"ocr"`
	TSL string    `json:"tsl"`
	Box types.Box `json:"box"`
}

// Request is one image-level pipeline invocation. ImageBytes is nil for
// lazy requests.
type Request struct {
	MD5         string
	ImageBytes  []byte
	Options     types.Options
	Force       bool
	FavorManual bool
}

type Pipeline struct {
	store    *store.Store
	registry *registry.Registry
	main     *msgq.Queue
	box      *driver.Box
	ocr      *driver.OCR
	tsl      *driver.TSL
	log      *slog.Logger
}

func New(config Config) *Pipeline {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Pipeline{
		store:    config.Store,
		registry: config.Registry,
		main:     config.MainQueue,
		box:      config.Box,
		ocr:      config.OCR,
		tsl:      config.TSL,
		log:      config.Logger,
	}
}

// Work runs the full pipeline over an image. Identical in-flight requests
// (same image, serving state and options) deduplicate on the main queue.
func (p *Pipeline) Work(req Request) ([]Result, error) {
	snap, err := p.registry.Snapshot()
	if err != nil {
		return nil, err
	}
	if err := p.registry.AcquireWork(); err != nil {
		return nil, err
	}
	defer p.registry.ReleaseWork()

	id := strings.Join([]string{
		"work", req.MD5,
		snap.Box.Name, snap.OCR.Name, snap.TSL.Name,
		snap.Src.ISO1, snap.Dst.ISO1, req.Options.Hash(),
		strconv.FormatBool(req.Force), strconv.FormatBool(req.FavorManual),
	}, "|")
	// The image travels in the payload, not the closure, so the queue can
	// release it once the message resolves.
	imageBytes := req.ImageBytes
	req.ImageBytes = nil
	handler := func(args []any, _ map[string]any) (any, error) {
		r := req
		r.ImageBytes, _ = args[0].([]byte)
		return p.run(snap, r, false)
	}
	msg, err := p.main.Put(id, msgq.Payload{Args: []any{imageBytes}}, handler, "")
	if err != nil {
		return nil, err
	}
	v, err := msg.Response(0)
	if err != nil {
		return nil, err
	}
	return v.([]Result), nil
}

// Lazy serves a request entirely from the artefact store. Any cache miss
// along the way surfaces as store.ErrNotFound.
func (p *Pipeline) Lazy(req Request) ([]Result, error) {
	snap, err := p.registry.Snapshot()
	if err != nil {
		return nil, err
	}
	if err := p.registry.AcquireWork(); err != nil {
		return nil, err
	}
	defer p.registry.ReleaseWork()
	return p.run(snap, req, true)
}

func (p *Pipeline) run(snap registry.Snapshot, req Request, lazy bool) ([]Result, error) {
	var img store.Image
	var err error
	if lazy {
		img, err = p.store.GetImage(req.MD5)
	} else {
		img, err = p.store.EnsureImage(req.MD5)
	}
	if err != nil {
		return nil, err
	}

	langOpts := snap.Src.DefaultOptions
	boxResults, err := p.box.Run(driver.BoxRequest{
		Image:      img,
		Lang:       snap.Src,
		Model:      snap.Box,
		Engine:     snap.BoxEngine,
		ImageBytes: req.ImageBytes,
		Options:    req.Options.Merge(snap.Box.DefaultOptions.Merge(langOpts)),
		Force:      req.Force,
		Lazy:       lazy,
	})
	if err != nil {
		return nil, fmt.Errorf("box stage: %w", err)
	}

	ocrOpts := req.Options.Merge(snap.OCR.DefaultOptions.Merge(langOpts))
	ocrHandles := make([]*driver.OCRHandle, len(boxResults))
	for i, br := range boxResults {
		ocrHandles[i], err = p.ocr.Enqueue(driver.OCRRequest{
			Merged:     br.Merged,
			Singles:    br.Singles,
			Lang:       snap.Src,
			Model:      snap.OCR,
			Engine:     snap.OCREngine,
			ImageBytes: req.ImageBytes,
			Options:    ocrOpts,
			Force:      req.Force,
			Lazy:       lazy,
		})
		if err != nil {
			return nil, fmt.Errorf("ocr stage: %w", err)
		}
	}
	texts := make([]store.Text, len(ocrHandles))
	for i, h := range ocrHandles {
		texts[i], err = h.Await(0)
		if err != nil {
			return nil, fmt.Errorf("ocr stage: %w", err)
		}
	}

	tslOpts := req.Options.Merge(snap.TSL.DefaultOptions.Merge(langOpts))
	tslHandles := make([]*driver.TSLHandle, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text.Text) == "" {
			continue
		}
		tslHandles[i], err = p.tsl.Enqueue(driver.TSLRequest{
			Text:        text,
			Src:         snap.Src,
			Dst:         snap.Dst,
			Model:       snap.TSL,
			Engine:      snap.TSLEngine,
			Options:     tslOpts,
			Trie:        snap.SrcTrie,
			Force:       req.Force,
			Lazy:        lazy,
			FavorManual: req.FavorManual,
		})
		if err != nil {
			return nil, fmt.Errorf("tsl stage: %w", err)
		}
	}

	results := make([]Result, len(boxResults))
	for i, br := range boxResults {
		results[i] = Result{OCR: texts[i].Text, Box: br.Merged.Box}
		if tslHandles[i] == nil {
			continue
		}
		translated, err := tslHandles[i].Await(0)
		if err != nil {
			return nil, fmt.Errorf("tsl stage: %w", err)
		}
		results[i].TSL = translated.Text
	}
	return results, nil
}

// Translate runs only the translation stage over a known text, used by the
// standalone translation endpoints.
func (p *Pipeline) Translate(content string, opts types.Options, favorManual bool) (string, error) {
	snap, err := p.tslOnlySnapshot()
	if err != nil {
		return "", err
	}
	if err := p.registry.AcquireWork(); err != nil {
		return "", err
	}
	defer p.registry.ReleaseWork()

	text, err := p.store.GetOrCreateText(content)
	if err != nil {
		return "", err
	}
	out, err := p.tsl.Run(driver.TSLRequest{
		Text:        text,
		Src:         snap.Src,
		Dst:         snap.Dst,
		Model:       snap.TSL,
		Engine:      snap.TSLEngine,
		Options:     opts.Merge(snap.TSL.DefaultOptions.Merge(snap.Src.DefaultOptions)),
		Trie:        snap.SrcTrie,
		FavorManual: favorManual,
	})
	if err != nil {
		return "", err
	}
	return out.Text, nil
}

// tslOnlySnapshot builds a snapshot requiring only languages and the tsl
// model, so text-only endpoints work without box and ocr models loaded.
func (p *Pipeline) tslOnlySnapshot() (registry.Snapshot, error) {
	src, dst, err := p.registry.Languages()
	if err != nil {
		return registry.Snapshot{}, err
	}
	model, engine, err := p.registry.LoadedTSL()
	if err != nil {
		return registry.Snapshot{}, err
	}
	return registry.Snapshot{
		Src: src, Dst: dst,
		TSL: model, TSLEngine: engine,
		SrcTrie: p.registry.TrieFor(src.ISO1),
	}, nil
}
