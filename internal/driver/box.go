package driver

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Crivella/ocr-translate-sub000/internal/msgq"
	"github.com/Crivella/ocr-translate-sub000/internal/store"
	"github.com/Crivella/ocr-translate-sub000/pkg/stage"
	"github.com/Crivella/ocr-translate-sub000/pkg/types"
)

// Box drives bounding-box detection: cache lookup, queued execution and
// persistence of the resulting merged/single box pairs.
type Box struct {
	store *store.Store
	queue *msgq.Queue
	log   *slog.Logger
}

func NewBox(st *store.Store, queue *msgq.Queue, log *slog.Logger) *Box {
	if log == nil {
		log = slog.Default()
	}
	return &Box{store: st, queue: queue, log: log}
}

// BoxRequest carries one box detection request. ImageBytes may be nil when
// the caller only accepts cached results.
type BoxRequest struct {
	Image      store.Image
	Lang       store.Language
	Model      store.Model
	Engine     stage.Box
	ImageBytes []byte
	Options    types.Options
	Force      bool
	Lazy       bool
}

// BoxResult pairs each merged box with the singles it was merged from.
type BoxResult struct {
	Merged  store.BBox
	Singles []store.BBox
}

// Run resolves a box detection, from cache when possible. Legacy cached runs
// that only carry merged boxes are discarded and re-executed. Concurrent
// identical requests are deduplicated on the queue.
func (d *Box) Run(req BoxRequest) ([]BoxResult, error) {
	if req.Force && req.Lazy {
		return nil, ErrForceWithLazy
	}
	optsHash, err := d.store.InternOptions(req.Options)
	if err != nil {
		return nil, err
	}
	key := store.BoxRunKey{
		ImageMD5:    req.Image.MD5,
		Model:       req.Model.Name,
		LangSrc:     req.Lang.ISO1,
		OptionsHash: optsHash,
	}

	run, err := d.store.GetBoxRun(key)
	if err == nil && run.LegacyMergedOnly() {
		d.log.Info("discarding legacy merged-only box run", "image", req.Image.MD5, "model", req.Model.Name)
		if err := d.store.DeleteBoxRun(key); err != nil {
			return nil, err
		}
		err = store.ErrNotFound
	}
	if err == nil && !req.Force {
		return d.loadRun(run)
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if req.Lazy {
		return nil, store.ErrNotFound
	}
	if req.ImageBytes == nil {
		return nil, ErrImageRequired
	}

	engine := req.Engine
	opts := req.Options
	margin := optFloatDefault(opts, optMergeMargin, stage.DefaultMergeMargin)
	handler := func(args []any, _ map[string]any) (any, error) {
		raw, err := engine.Process(args[0].([]byte), opts)
		if err != nil {
			return nil, err
		}
		return stage.MergeBoxes(raw, margin), nil
	}
	id := strings.Join([]string{string(store.KindBox), req.Image.MD5, req.Model.Name, req.Lang.ISO1, optsHash}, "|")
	msg, err := d.queue.Put(id, msgq.Payload{Args: []any{req.ImageBytes}}, handler, "")
	if err != nil {
		return nil, err
	}
	v, err := msg.Response(0)
	if err != nil {
		return nil, fmt.Errorf("driver: box detection: %w", err)
	}
	detections := v.([]stage.Detection)

	// A deduplicated sibling may have persisted the run while we waited.
	if run, err := d.store.GetBoxRun(key); err == nil && !run.LegacyMergedOnly() {
		return d.loadRun(run)
	}
	return d.persist(key, id, req.Image.MD5, detections)
}

func (d *Box) persist(key store.BoxRunKey, runID, imageMD5 string, detections []stage.Detection) ([]BoxResult, error) {
	run := store.BoxRun{Key: key}
	results := make([]BoxResult, 0, len(detections))
	for _, det := range detections {
		merged, err := d.store.CreateBBox(det.Merged, imageMD5, runID, "")
		if err != nil {
			return nil, err
		}
		run.ResultMerged = append(run.ResultMerged, merged.ID)
		res := BoxResult{Merged: merged}
		for _, single := range det.Single {
			row, err := d.store.CreateBBox(single, imageMD5, runID, merged.ID)
			if err != nil {
				return nil, err
			}
			run.ResultSingle = append(run.ResultSingle, row.ID)
			res.Singles = append(res.Singles, row)
		}
		results = append(results, res)
	}
	if err := d.store.PutBoxRun(run); err != nil {
		return nil, err
	}
	return results, nil
}

func (d *Box) loadRun(run store.BoxRun) ([]BoxResult, error) {
	byID := make(map[string]*BoxResult, len(run.ResultMerged))
	results := make([]BoxResult, 0, len(run.ResultMerged))
	for _, id := range run.ResultMerged {
		row, err := d.store.GetBBox(id)
		if err != nil {
			return nil, err
		}
		results = append(results, BoxResult{Merged: row})
	}
	for i := range results {
		byID[results[i].Merged.ID] = &results[i]
	}
	for _, id := range run.ResultSingle {
		row, err := d.store.GetBBox(id)
		if err != nil {
			return nil, err
		}
		if res, ok := byID[row.MergedParent]; ok {
			res.Singles = append(res.Singles, row)
		}
	}
	return results, nil
}
