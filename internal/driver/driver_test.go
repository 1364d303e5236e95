package driver

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Crivella/ocr-translate-sub000/internal/msgq"
	"github.com/Crivella/ocr-translate-sub000/internal/store"
	"github.com/Crivella/ocr-translate-sub000/pkg/types"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testQueue(t *testing.T, config msgq.Config, workers int) *msgq.Queue {
	t.Helper()
	q, err := msgq.NewQueue(config)
	require.NoError(t, err)
	pool := msgq.NewWorkerPool(q, msgq.WorkerConfig{
		WorkerCount:  workers,
		PollInterval: 5 * time.Millisecond,
	})
	pool.Start()
	t.Cleanup(pool.Stop)
	return q
}

func testImagePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xFF
	}
	img.Set(1, 1, color.RGBA{R: 0x10, G: 0x20, B: 0x30, A: 0xFF})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

var testLangEN = store.Language{Name: "English", ISO1: "en", ISO2B: "eng", ISO2T: "eng", ISO3: "eng"}
var testLangJA = store.Language{Name: "Japanese", ISO1: "ja", ISO2B: "jpn", ISO2T: "jpn", ISO3: "jpn"}

type fakeBoxEngine struct {
	calls atomic.Int32
	boxes []types.Box
}

func (f *fakeBoxEngine) Load() error   { return nil }
func (f *fakeBoxEngine) Unload() error { return nil }
func (f *fakeBoxEngine) Process(_ []byte, _ types.Options) ([]types.Box, error) {
	f.calls.Add(1)
	return f.boxes, nil
}

type fakeOCREngine struct {
	mu    sync.Mutex
	calls int
	texts []string
}

func (f *fakeOCREngine) Load() error   { return nil }
func (f *fakeOCREngine) Unload() error { return nil }
func (f *fakeOCREngine) Process(_ []byte, _ string, _ types.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	text := f.texts[f.calls%len(f.texts)]
	f.calls++
	return text, nil
}

type fakeTSLEngine struct {
	mu      sync.Mutex
	calls   int
	batches [][]int
}

func (f *fakeTSLEngine) Load() error   { return nil }
func (f *fakeTSLEngine) Unload() error { return nil }
func (f *fakeTSLEngine) Process(batch [][]string, src, dst string, _ types.Options) ([]string, error) {
	f.mu.Lock()
	f.calls++
	sizes := make([]int, len(batch))
	for i, tokens := range batch {
		sizes[i] = len(tokens)
	}
	f.batches = append(f.batches, sizes)
	f.mu.Unlock()

	out := make([]string, len(batch))
	for i, tokens := range batch {
		out[i] = dst + ":" + joinTokens(tokens)
	}
	return out, nil
}

func joinTokens(tokens []string) string {
	s := ""
	for i, tok := range tokens {
		if i > 0 {
			s += "+"
		}
		s += tok
	}
	return s
}

func boxModel() store.Model {
	return store.Model{Name: "fakebox", Kind: store.KindBox, Languages: []string{"en", "ja"}, Active: true}
}

func ocrModel(mode string) store.Model {
	return store.Model{Name: "fakeocr", Kind: store.KindOCR, Languages: []string{"en", "ja"}, Active: true, OCRMode: mode}
}

func tslModel() store.Model {
	return store.Model{Name: "faketsl", Kind: store.KindTSL, Languages: []string{"en", "ja"}, Active: true}
}

func TestBoxRunPersistsAndCaches(t *testing.T) {
	st := testStore(t)
	q := testQueue(t, msgq.Config{}, 1)
	d := NewBox(st, q, nil)

	img, err := st.EnsureImage("imgmd5")
	require.NoError(t, err)

	engine := &fakeBoxEngine{boxes: []types.Box{
		{Left: 0, Bottom: 0, Right: 30, Top: 20},
		{Left: 30, Bottom: 0, Right: 60, Top: 20},
	}}

	req := BoxRequest{
		Image: img, Lang: testLangEN, Model: boxModel(), Engine: engine,
		ImageBytes: testImagePNG(t, 60, 20),
	}
	results, err := d.Run(req)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Len(t, results[0].Singles, 2)
	assert.Equal(t, results[0].Merged.ID, results[0].Singles[0].MergedParent)
	assert.Equal(t, int32(1), engine.calls.Load())

	// Second run hits the cache and needs no image bytes.
	req.ImageBytes = nil
	cached, err := d.Run(req)
	require.NoError(t, err)
	assert.Equal(t, results[0].Merged.ID, cached[0].Merged.ID)
	assert.Equal(t, int32(1), engine.calls.Load())
}

func TestBoxRunLazyMiss(t *testing.T) {
	st := testStore(t)
	q := testQueue(t, msgq.Config{}, 1)
	d := NewBox(st, q, nil)

	img, err := st.EnsureImage("other")
	require.NoError(t, err)

	_, err = d.Run(BoxRequest{Image: img, Lang: testLangEN, Model: boxModel(), Engine: &fakeBoxEngine{}, Lazy: true})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = d.Run(BoxRequest{Image: img, Lang: testLangEN, Model: boxModel(), Engine: &fakeBoxEngine{}})
	assert.ErrorIs(t, err, ErrImageRequired)

	_, err = d.Run(BoxRequest{Image: img, Lang: testLangEN, Model: boxModel(), Engine: &fakeBoxEngine{}, Force: true, Lazy: true})
	assert.ErrorIs(t, err, ErrForceWithLazy)
}

func TestBoxRunDiscardsLegacyMergedOnly(t *testing.T) {
	st := testStore(t)
	q := testQueue(t, msgq.Config{}, 1)
	d := NewBox(st, q, nil)

	img, err := st.EnsureImage("legacy")
	require.NoError(t, err)
	optsHash, err := st.InternOptions(nil)
	require.NoError(t, err)

	old, err := st.CreateBBox(types.Box{Left: 0, Bottom: 0, Right: 10, Top: 10}, img.MD5, "oldrun", "")
	require.NoError(t, err)
	key := store.BoxRunKey{ImageMD5: img.MD5, Model: "fakebox", LangSrc: "en", OptionsHash: optsHash}
	require.NoError(t, st.PutBoxRun(store.BoxRun{Key: key, ResultMerged: []string{old.ID}}))

	engine := &fakeBoxEngine{boxes: []types.Box{{Left: 0, Bottom: 0, Right: 10, Top: 10}}}
	results, err := d.Run(BoxRequest{
		Image: img, Lang: testLangEN, Model: boxModel(), Engine: engine,
		ImageBytes: testImagePNG(t, 10, 10),
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), engine.calls.Load())
	require.Len(t, results, 1)
	assert.NotEqual(t, old.ID, results[0].Merged.ID)
	assert.Len(t, results[0].Singles, 1)
}

func TestOCRMergedModeAndCache(t *testing.T) {
	st := testStore(t)
	q := testQueue(t, msgq.Config{}, 1)
	d := NewOCR(st, q, nil)

	img, err := st.EnsureImage("ocrimg")
	require.NoError(t, err)
	merged, err := st.CreateBBox(types.Box{Left: 0, Bottom: 0, Right: 20, Top: 10}, img.MD5, "run", "")
	require.NoError(t, err)

	engine := &fakeOCREngine{texts: []string{"hello world"}}
	req := OCRRequest{
		Merged: merged, Lang: testLangEN, Model: ocrModel(OCRModeMerged), Engine: engine,
		ImageBytes: testImagePNG(t, 20, 10),
	}
	text, err := d.Run(req)
	require.NoError(t, err)
	assert.Equal(t, "hello world", text.Text)

	req.ImageBytes = nil
	again, err := d.Run(req)
	require.NoError(t, err)
	assert.Equal(t, text.ID, again.ID)
	assert.Equal(t, 1, engine.calls)
}

func TestOCRNoSpaceLanguageStripsSpaces(t *testing.T) {
	st := testStore(t)
	q := testQueue(t, msgq.Config{}, 1)
	d := NewOCR(st, q, nil)

	img, err := st.EnsureImage("jaimg")
	require.NoError(t, err)
	merged, err := st.CreateBBox(types.Box{Left: 0, Bottom: 0, Right: 20, Top: 10}, img.MD5, "run", "")
	require.NoError(t, err)

	engine := &fakeOCREngine{texts: []string{"こん に ちは"}}
	text, err := d.Run(OCRRequest{
		Merged: merged, Lang: testLangJA, Model: ocrModel(OCRModeMerged), Engine: engine,
		ImageBytes: testImagePNG(t, 20, 10),
	})
	require.NoError(t, err)
	assert.Equal(t, "こんにちは", text.Text)
}

func TestOCRSingleModeReconstruction(t *testing.T) {
	st := testStore(t)
	q := testQueue(t, msgq.Config{}, 1)
	d := NewOCR(st, q, nil)

	img, err := st.EnsureImage("gridimg")
	require.NoError(t, err)
	merged, err := st.CreateBBox(types.Box{Left: 0, Bottom: 0, Right: 90, Top: 30}, img.MD5, "run", "")
	require.NoError(t, err)
	var singles []store.BBox
	for col := 0; col < 3; col++ {
		single, err := st.CreateBBox(types.Box{Left: col * 30, Bottom: 0, Right: col*30 + 30, Top: 30}, img.MD5, "run", merged.ID)
		require.NoError(t, err)
		singles = append(singles, single)
	}

	// One worker drains the queue in FIFO order, so crop results map to
	// singles in enqueue order.
	engine := &fakeOCREngine{texts: []string{"left", "mid", "right"}}
	text, err := d.Run(OCRRequest{
		Merged: merged, Singles: singles, Lang: testLangEN,
		Model: ocrModel(OCRModeSingle), Engine: engine,
		ImageBytes: testImagePNG(t, 90, 30),
	})
	require.NoError(t, err)
	assert.Equal(t, "left mid right", text.Text)
	assert.Equal(t, 3, engine.calls)

	// Per-single runs are persisted alongside the merged reconstruction.
	optsHash, err := st.InternOptions(nil)
	require.NoError(t, err)
	run, err := st.GetOCRRun(store.OCRRunKey{BBoxID: singles[1].ID, Model: "fakeocr", LangSrc: "en", OptionsHash: optsHash})
	require.NoError(t, err)
	mid, err := st.GetText(run.TextID())
	require.NoError(t, err)
	assert.Equal(t, "mid", mid.Text)

	// A rerun resolves entirely from the merged cache.
	again, err := d.Run(OCRRequest{
		Merged: merged, Singles: singles, Lang: testLangEN,
		Model: ocrModel(OCRModeSingle), Engine: engine,
	})
	require.NoError(t, err)
	assert.Equal(t, text.ID, again.ID)
	assert.Equal(t, 3, engine.calls)
}

func tslQueueConfig() msgq.Config {
	return msgq.Config{
		AllowBatching: true,
		BatchTimeout:  30 * time.Millisecond,
		BatchArgs:     []int{0},
	}
}

func TestTSLRunAndCache(t *testing.T) {
	st := testStore(t)
	q := testQueue(t, tslQueueConfig(), 1)
	d := NewTSL(st, q, nil)

	src, err := st.GetOrCreateText("hello world")
	require.NoError(t, err)

	engine := &fakeTSLEngine{}
	req := TSLRequest{Text: src, Src: testLangEN, Dst: testLangJA, Model: tslModel(), Engine: engine}
	out, err := d.Run(req)
	require.NoError(t, err)
	assert.Equal(t, "ja:hello+world", out.Text)
	assert.Equal(t, 1, engine.calls)

	again, err := d.Run(req)
	require.NoError(t, err)
	assert.Equal(t, out.ID, again.ID)
	assert.Equal(t, 1, engine.calls)
}

func TestTSLBatchCoalescing(t *testing.T) {
	st := testStore(t)
	q := testQueue(t, tslQueueConfig(), 1)
	d := NewTSL(st, q, nil)

	engine := &fakeTSLEngine{}
	var handles []*TSLHandle
	for _, content := range []string{"one", "two", "three"} {
		text, err := st.GetOrCreateText(content)
		require.NoError(t, err)
		h, err := d.Enqueue(TSLRequest{Text: text, Src: testLangEN, Dst: testLangJA, Model: tslModel(), Engine: engine})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	want := []string{"ja:one", "ja:two", "ja:three"}
	for i, h := range handles {
		out, err := h.Await(2 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, want[i], out.Text)
	}
	assert.Equal(t, 1, engine.calls)
	assert.Equal(t, [][]int{{1, 1, 1}}, engine.batches)
}

func TestTSLManualOverride(t *testing.T) {
	st := testStore(t)
	q := testQueue(t, tslQueueConfig(), 1)
	d := NewTSL(st, q, nil)

	src, err := st.GetOrCreateText("source text")
	require.NoError(t, err)
	require.NoError(t, d.SetManual(src.ID, testLangEN, testLangJA, "corrected"))

	engine := &fakeTSLEngine{}
	out, err := d.Run(TSLRequest{
		Text: src, Src: testLangEN, Dst: testLangJA, Model: tslModel(), Engine: engine,
		FavorManual: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "corrected", out.Text)
	assert.Equal(t, 0, engine.calls)

	// Without the manual preference the model still runs.
	auto, err := d.Run(TSLRequest{Text: src, Src: testLangEN, Dst: testLangJA, Model: tslModel(), Engine: engine})
	require.NoError(t, err)
	assert.Equal(t, "ja:source+text", auto.Text)
	assert.Equal(t, 1, engine.calls)
}

func TestTSLForceWithLazy(t *testing.T) {
	st := testStore(t)
	q := testQueue(t, tslQueueConfig(), 1)
	d := NewTSL(st, q, nil)

	src, err := st.GetOrCreateText("x")
	require.NoError(t, err)
	_, err = d.Run(TSLRequest{Text: src, Src: testLangEN, Dst: testLangJA, Model: tslModel(), Engine: &fakeTSLEngine{}, Force: true, Lazy: true})
	assert.ErrorIs(t, err, ErrForceWithLazy)

	_, err = d.Run(TSLRequest{Text: src, Src: testLangEN, Dst: testLangJA, Model: tslModel(), Engine: &fakeTSLEngine{}, Lazy: true})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
