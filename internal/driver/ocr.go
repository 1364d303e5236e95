package driver

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Crivella/ocr-translate-sub000/internal/msgq"
	"github.com/Crivella/ocr-translate-sub000/internal/store"
	"github.com/Crivella/ocr-translate-sub000/pkg/stage"
	"github.com/Crivella/ocr-translate-sub000/pkg/types"
)

// OCRModeSingle makes a model run once per single box, with the merged text
// reconstructed geometrically. The default mode runs once per merged box.
const (
	OCRModeMerged = "merged"
	OCRModeSingle = "single"
)

// OCR drives text recognition over bounding boxes. Enqueue and Await are
// split so the pipeline can fan out all boxes of an image before collecting
// any results.
type OCR struct {
	store *store.Store
	queue *msgq.Queue
	log   *slog.Logger
}

func NewOCR(st *store.Store, queue *msgq.Queue, log *slog.Logger) *OCR {
	if log == nil {
		log = slog.Default()
	}
	return &OCR{store: st, queue: queue, log: log}
}

// OCRRequest carries one recognition request for a merged box. Singles must
// be populated when the model's OCR mode is "single". ImageBytes is the full
// source image; it may be nil when the caller only accepts cached results.
type OCRRequest struct {
	Merged     store.BBox
	Singles    []store.BBox
	Lang       store.Language
	Model      store.Model
	Engine     stage.OCR
	ImageBytes []byte
	Options    types.Options
	Force      bool
	Lazy       bool
}

// ocrSlot is one pending or cached per-box recognition.
type ocrSlot struct {
	bbox store.BBox
	key  store.OCRRunKey
	msg  *msgq.Message
	text string
}

// OCRHandle is a pending recognition. Await blocks until all underlying
// queue messages resolve.
type OCRHandle struct {
	d      *OCR
	req    OCRRequest
	key    store.OCRRunKey
	cached *store.Text
	slots  []ocrSlot
	single bool
}

func langCode(m store.Model, lang store.Language) string {
	meta := stage.Metadata{LanguageFormat: m.LanguageFormat, ISO1Map: m.ISO1Map}
	return meta.LangCode(stage.Language{
		ISO1:  lang.ISO1,
		ISO2B: lang.ISO2B,
		ISO2T: lang.ISO2T,
		ISO3:  lang.ISO3,
	})
}

// Enqueue resolves the cache and, on a miss, crops the relevant boxes and
// puts the recognitions on the queue without waiting for them.
func (d *OCR) Enqueue(req OCRRequest) (*OCRHandle, error) {
	if req.Force && req.Lazy {
		return nil, ErrForceWithLazy
	}
	optsHash, err := d.store.InternOptions(req.Options)
	if err != nil {
		return nil, err
	}
	key := store.OCRRunKey{
		BBoxID:      req.Merged.ID,
		Model:       req.Model.Name,
		LangSrc:     req.Lang.ISO1,
		OptionsHash: optsHash,
	}
	h := &OCRHandle{d: d, req: req, key: key, single: req.Model.OCRMode == OCRModeSingle}

	if run, err := d.store.GetOCRRun(key); err == nil && !req.Force {
		text, err := d.store.GetText(run.TextID())
		if err != nil {
			return nil, err
		}
		h.cached = &text
		return h, nil
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if req.Lazy {
		return nil, store.ErrNotFound
	}
	if req.ImageBytes == nil {
		return nil, ErrImageRequired
	}

	boxes := []store.BBox{req.Merged}
	if h.single {
		boxes = req.Singles
	}
	for _, bbox := range boxes {
		slot := ocrSlot{bbox: bbox, key: store.OCRRunKey{
			BBoxID:      bbox.ID,
			Model:       req.Model.Name,
			LangSrc:     req.Lang.ISO1,
			OptionsHash: optsHash,
		}}
		if h.single && !req.Force {
			if run, err := d.store.GetOCRRun(slot.key); err == nil {
				text, err := d.store.GetText(run.TextID())
				if err != nil {
					return nil, err
				}
				slot.text = text.Text
				h.slots = append(h.slots, slot)
				continue
			} else if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
		}
		crop, err := cropRGB(req.ImageBytes, bbox.Box)
		if err != nil {
			return nil, err
		}
		engine := req.Engine
		code := langCode(req.Model, req.Lang)
		opts := req.Options
		handler := func(args []any, _ map[string]any) (any, error) {
			return engine.Process(args[0].([]byte), code, opts)
		}
		id := strings.Join([]string{string(store.KindOCR), bbox.ID, req.Model.Name, req.Lang.ISO1, optsHash}, "|")
		msg, err := d.queue.Put(id, msgq.Payload{Args: []any{crop}}, handler, "")
		if err != nil {
			return nil, err
		}
		slot.msg = msg
		h.slots = append(h.slots, slot)
	}
	return h, nil
}

// Run is Enqueue followed by an unbounded Await.
func (d *OCR) Run(req OCRRequest) (store.Text, error) {
	h, err := d.Enqueue(req)
	if err != nil {
		return store.Text{}, err
	}
	return h.Await(0)
}

// Await collects the recognised text, reconstructing the merged reading
// order from per-single results when the model runs in single mode, and
// persists the run rows. Space-less languages have inter-word spaces
// stripped before persistence.
func (h *OCRHandle) Await(timeout time.Duration) (store.Text, error) {
	if h.cached != nil {
		return *h.cached, nil
	}
	noSpace := NoSpaceLanguage(h.req.Lang.ISO1)
	for i := range h.slots {
		slot := &h.slots[i]
		if slot.msg == nil {
			continue
		}
		v, err := slot.msg.Response(timeout)
		if err != nil {
			return store.Text{}, fmt.Errorf("driver: ocr on bbox %s: %w", slot.bbox.ID, err)
		}
		slot.text = v.(string)
		if noSpace {
			slot.text = stripSpaces(slot.text)
		}
	}

	if !h.single {
		return h.persistMerged(h.slots[0].text)
	}

	pieces := make([]ocrPiece, 0, len(h.slots))
	for _, slot := range h.slots {
		if slot.msg != nil {
			text, err := h.d.store.GetOrCreateText(slot.text)
			if err != nil {
				return store.Text{}, err
			}
			run := store.OCRRun{Key: slot.key, ResultSingle: text.ID}
			if err := h.d.store.PutOCRRun(run); err != nil {
				return store.Text{}, err
			}
		}
		pieces = append(pieces, ocrPiece{box: slot.bbox.Box, text: slot.text})
	}
	return h.persistMerged(assembleMergedText(h.req.Merged.Box, pieces, h.req.Lang.ISO1))
}

func (h *OCRHandle) persistMerged(content string) (store.Text, error) {
	// A deduplicated sibling may have persisted the run while we waited.
	if run, err := h.d.store.GetOCRRun(h.key); err == nil {
		return h.d.store.GetText(run.TextID())
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Text{}, err
	}
	text, err := h.d.store.GetOrCreateText(content)
	if err != nil {
		return store.Text{}, err
	}
	if err := h.d.store.PutOCRRun(store.OCRRun{Key: h.key, ResultMerged: text.ID}); err != nil {
		return store.Text{}, err
	}
	return text, nil
}
