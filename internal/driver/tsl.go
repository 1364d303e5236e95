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
	"github.com/Crivella/ocr-translate-sub000/pkg/trie"
	"github.com/Crivella/ocr-translate-sub000/pkg/types"
)

// Kwarg keys for the shared translation handler. Batch coalescing compares
// handler identity, so every translation message must use the same
// package-level handler and carry its context here.
const (
	kwEngine  = "engine"
	kwSrcCode = "src"
	kwDstCode = "dst"
	kwOptions = "options"
)

// tslHandler runs one or a coalesced batch of translations. args[0] is
// []string for a single message and []any of []string after batch merging.
func tslHandler(args []any, kwargs map[string]any) (any, error) {
	engine := kwargs[kwEngine].(stage.TSL)
	src := kwargs[kwSrcCode].(string)
	dst := kwargs[kwDstCode].(string)
	opts, _ := kwargs[kwOptions].(types.Options)

	switch v := args[0].(type) {
	case []string:
		out, err := engine.Process([][]string{v}, src, dst, opts)
		if err != nil {
			return nil, err
		}
		if len(out) != 1 {
			return nil, fmt.Errorf("driver: tsl backend returned %d results for 1 input", len(out))
		}
		return out[0], nil
	case []any:
		batch := make([][]string, len(v))
		for i, e := range v {
			batch[i] = e.([]string)
		}
		out, err := engine.Process(batch, src, dst, opts)
		if err != nil {
			return nil, err
		}
		if len(out) != len(batch) {
			return nil, fmt.Errorf("driver: tsl backend returned %d results for %d inputs", len(out), len(batch))
		}
		res := make([]any, len(out))
		for i, s := range out {
			res[i] = s
		}
		return res, nil
	default:
		return nil, fmt.Errorf("driver: unexpected tsl payload %T", args[0])
	}
}

// TSL drives translation: manual-override lookup, cache, pre-tokenisation
// and batched queued execution.
type TSL struct {
	store *store.Store
	queue *msgq.Queue
	log   *slog.Logger
}

func NewTSL(st *store.Store, queue *msgq.Queue, log *slog.Logger) *TSL {
	if log == nil {
		log = slog.Default()
	}
	return &TSL{store: st, queue: queue, log: log}
}

// TSLRequest carries one translation request.
type TSLRequest struct {
	Text        store.Text
	Src, Dst    store.Language
	Model       store.Model
	Engine      stage.TSL
	Options     types.Options
	Trie        *trie.Trie
	Force       bool
	Lazy        bool
	FavorManual bool
}

// TSLHandle is a pending translation.
type TSLHandle struct {
	d      *TSL
	key    store.TSLRunKey
	cached *store.Text
	msg    *msgq.Message
}

// Enqueue resolves manual overrides and the cache and, on a miss,
// pre-tokenises the text and puts the translation on the queue. Identical
// pending requests deduplicate; distinct texts under the same model,
// language pair and options coalesce into one batched back-end call.
func (d *TSL) Enqueue(req TSLRequest) (*TSLHandle, error) {
	if req.Force && req.Lazy {
		return nil, ErrForceWithLazy
	}
	optsHash, err := d.store.InternOptions(req.Options)
	if err != nil {
		return nil, err
	}

	if req.FavorManual {
		manual, err := d.manualKey(req.Text.ID, req.Src.ISO1, req.Dst.ISO1)
		if err != nil {
			return nil, err
		}
		if run, err := d.store.GetTSLRun(manual); err == nil {
			text, err := d.store.GetText(run.Result)
			if err != nil {
				return nil, err
			}
			return &TSLHandle{d: d, cached: &text}, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	key := store.TSLRunKey{
		TextID:      req.Text.ID,
		Model:       req.Model.Name,
		LangSrc:     req.Src.ISO1,
		LangDst:     req.Dst.ISO1,
		OptionsHash: optsHash,
	}
	if run, err := d.store.GetTSLRun(key); err == nil && !req.Force {
		text, err := d.store.GetText(run.Result)
		if err != nil {
			return nil, err
		}
		return &TSLHandle{d: d, key: key, cached: &text}, nil
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if req.Lazy {
		return nil, store.ErrNotFound
	}

	tokens := PreTokenize(req.Text.Text, req.Options, req.Trie)
	kwargs := map[string]any{
		kwEngine:  req.Engine,
		kwSrcCode: langCode(req.Model, req.Src),
		kwDstCode: langCode(req.Model, req.Dst),
		kwOptions: req.Options,
	}
	batchID := strings.Join([]string{string(store.KindTSL), req.Model.Name, req.Src.ISO1, req.Dst.ISO1, optsHash}, "|")
	id := batchID + "|" + req.Text.ID
	msg, err := d.queue.Put(id, msgq.Payload{Args: []any{tokens}, Kwargs: kwargs}, tslHandler, batchID)
	if errors.Is(err, msgq.ErrBatchingDisabled) {
		msg, err = d.queue.Put(id, msgq.Payload{Args: []any{tokens}, Kwargs: kwargs}, tslHandler, "")
	}
	if err != nil {
		return nil, err
	}
	return &TSLHandle{d: d, key: key, msg: msg}, nil
}

// Run is Enqueue followed by an unbounded Await.
func (d *TSL) Run(req TSLRequest) (store.Text, error) {
	h, err := d.Enqueue(req)
	if err != nil {
		return store.Text{}, err
	}
	return h.Await(0)
}

// Await collects the translated text and persists the run row.
func (h *TSLHandle) Await(timeout time.Duration) (store.Text, error) {
	if h.cached != nil {
		return *h.cached, nil
	}
	v, err := h.msg.Response(timeout)
	if err != nil {
		return store.Text{}, fmt.Errorf("driver: translation: %w", err)
	}
	// A deduplicated sibling may have persisted the run while we waited.
	if run, err := h.d.store.GetTSLRun(h.key); err == nil {
		return h.d.store.GetText(run.Result)
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Text{}, err
	}
	text, err := h.d.store.GetOrCreateText(v.(string))
	if err != nil {
		return store.Text{}, err
	}
	if err := h.d.store.PutTSLRun(store.TSLRun{Key: h.key, Result: text.ID}); err != nil {
		return store.Text{}, err
	}
	return text, nil
}

// SetManual records a user-supplied translation for a text under the manual
// model. Manual rows are keyed with empty options so they shadow every
// option variant of the same text and language pair.
func (d *TSL) SetManual(textID string, src, dst store.Language, translation string) error {
	key, err := d.manualKey(textID, src.ISO1, dst.ISO1)
	if err != nil {
		return err
	}
	text, err := d.store.GetOrCreateText(translation)
	if err != nil {
		return err
	}
	return d.store.PutTSLRun(store.TSLRun{Key: key, Result: text.ID})
}

// Manual looks up the manual translation for a text, if any.
func (d *TSL) Manual(textID string, src, dst store.Language) (store.Text, error) {
	key, err := d.manualKey(textID, src.ISO1, dst.ISO1)
	if err != nil {
		return store.Text{}, err
	}
	run, err := d.store.GetTSLRun(key)
	if err != nil {
		return store.Text{}, err
	}
	return d.store.GetText(run.Result)
}

func (d *TSL) manualKey(textID, src, dst string) (store.TSLRunKey, error) {
	emptyHash, err := d.store.InternOptions(nil)
	if err != nil {
		return store.TSLRunKey{}, err
	}
	return store.TSLRunKey{
		TextID:      textID,
		Model:       store.ManualModel,
		LangSrc:     src,
		LangDst:     dst,
		OptionsHash: emptyHash,
	}, nil
}
