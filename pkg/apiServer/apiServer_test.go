package apiServer

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ocrtsl "github.com/Crivella/ocr-translate-sub000"
	"github.com/Crivella/ocr-translate-sub000/internal/store"
	"github.com/Crivella/ocr-translate-sub000/pkg/stage"
	"github.com/Crivella/ocr-translate-sub000/pkg/types"
)

type apiBoxEngine struct{}

func (apiBoxEngine) Load() error   { return nil }
func (apiBoxEngine) Unload() error { return nil }
func (apiBoxEngine) Process(_ []byte, _ types.Options) ([]types.Box, error) {
	return []types.Box{{Left: 0, Bottom: 0, Right: 40, Top: 20}}, nil
}

type apiOCREngine struct{}

func (apiOCREngine) Load() error   { return nil }
func (apiOCREngine) Unload() error { return nil }
func (apiOCREngine) Process(_ []byte, _ string, _ types.Options) (string, error) {
	return "detected text", nil
}

type apiTSLEngine struct{}

func (apiTSLEngine) Load() error   { return nil }
func (apiTSLEngine) Unload() error { return nil }
func (apiTSLEngine) Process(batch [][]string, _, _ string, _ types.Options) ([]string, error) {
	out := make([]string, len(batch))
	for i, tokens := range batch {
		out[i] = "translated " + strings.Join(tokens, " ")
	}
	return out, nil
}

func init() {
	stage.RegisterBox("apibox", func(stage.Config) (stage.Box, error) { return apiBoxEngine{}, nil })
	stage.RegisterOCR("apiocr", func(stage.Config) (stage.OCR, error) { return apiOCREngine{}, nil })
	stage.RegisterTSL("apitsl", func(stage.Config) (stage.TSL, error) { return apiTSLEngine{}, nil })
}

// client wraps an httptest server with the csrf cookie dance.
type client struct {
	t    *testing.T
	http *httptest.Server
	csrf *http.Cookie
}

func newClient(t *testing.T, loaded bool) *client {
	t.Helper()
	srv, err := ocrtsl.New(ocrtsl.Config{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { srv.Close() })

	st, err := srv.Store()
	require.NoError(t, err)
	require.NoError(t, st.EnsureLanguage(store.Language{Name: "English", ISO1: "en", ISO3: "eng"}))
	require.NoError(t, st.EnsureLanguage(store.Language{Name: "Japanese", ISO1: "ja", ISO3: "jpn"}))
	langs := []string{"en", "ja"}
	require.NoError(t, st.EnsureModel(store.Model{Name: "abox", Kind: store.KindBox, Entrypoint: "apibox", Languages: langs, Active: true}))
	require.NoError(t, st.EnsureModel(store.Model{Name: "aocr", Kind: store.KindOCR, Entrypoint: "apiocr", Languages: langs, Active: true}))
	require.NoError(t, st.EnsureModel(store.Model{Name: "atsl", Kind: store.KindTSL, Entrypoint: "apitsl", Languages: langs, Active: true}))

	if loaded {
		reg, err := srv.Registry()
		require.NoError(t, err)
		require.NoError(t, reg.SetLanguages("en", "ja"))
		require.NoError(t, reg.LoadBox("abox"))
		require.NoError(t, reg.LoadOCR("aocr"))
		require.NoError(t, reg.LoadTSL("atsl"))
	}

	ts := httptest.NewServer(New(srv))
	t.Cleanup(ts.Close)
	c := &client{t: t, http: ts}
	c.handshake()
	return c
}

func (c *client) handshake() handshakeResponse {
	c.t.Helper()
	resp, err := http.Get(c.http.URL + "/")
	require.NoError(c.t, err)
	defer resp.Body.Close()
	require.Equal(c.t, http.StatusOK, resp.StatusCode)
	for _, cookie := range resp.Cookies() {
		if cookie.Name == csrfCookie {
			c.csrf = cookie
		}
	}
	require.NotNil(c.t, c.csrf, "handshake must set the csrf cookie")
	var hs handshakeResponse
	require.NoError(c.t, json.NewDecoder(resp.Body).Decode(&hs))
	return hs
}

func (c *client) post(path string, body any) *http.Response {
	c.t.Helper()
	data, err := json.Marshal(body)
	require.NoError(c.t, err)
	req, err := http.NewRequest(http.MethodPost, c.http.URL+path, bytes.NewReader(data))
	require.NoError(c.t, err)
	req.AddCookie(c.csrf)
	req.Header.Set(csrfHeader, c.csrf.Value)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	return resp
}

func (c *client) get(path string) *http.Response {
	c.t.Helper()
	resp, err := http.Get(c.http.URL + path)
	require.NoError(c.t, err)
	return resp
}

func decodeInto[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func imagePayload(t *testing.T) (contents, sum string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 20))
	for i := range img.Pix {
		img.Pix[i] = 0xFF
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	contents = base64.StdEncoding.EncodeToString(buf.Bytes())
	h := md5.Sum([]byte(contents))
	return contents, hex.EncodeToString(h[:])
}

func TestHandshake(t *testing.T) {
	c := newClient(t, true)
	hs := c.handshake()
	assert.Equal(t, serverVersion, hs.Version)
	assert.ElementsMatch(t, []string{"en", "ja"}, hs.Languages)
	assert.Equal(t, "en", hs.LangSrc)
	assert.Equal(t, "ja", hs.LangDst)
	assert.Equal(t, []string{"abox"}, hs.BoxModels)
	assert.Equal(t, "abox", hs.BoxSelected)
	assert.Equal(t, "atsl", hs.TSLSelected)
}

func TestPostWithoutCSRFRejected(t *testing.T) {
	c := newClient(t, true)
	resp, err := http.Post(c.http.URL+"/run_tsl/", "application/json", strings.NewReader(`{"text":"x"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWrongMethodRejected(t *testing.T) {
	c := newClient(t, true)
	resp := c.get("/set_lang/")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSetLangAndModels(t *testing.T) {
	c := newClient(t, false)

	resp := c.post("/set_lang/", setLangRequest{LangSrc: "en", LangDst: "ja"})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = c.post("/set_models/", setModelsRequest{BoxModelID: "abox", OCRModelID: "aocr", TSLModelID: "atsl"})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	hs := c.handshake()
	assert.Equal(t, "aocr", hs.OCRSelected)

	resp = c.post("/set_models/", setModelsRequest{BoxModelID: "nope"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSetLangMissingField(t *testing.T) {
	c := newClient(t, true)
	resp := c.post("/set_lang/", setLangRequest{LangSrc: "en"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunOCRTSLFullPipeline(t *testing.T) {
	c := newClient(t, true)
	contents, sum := imagePayload(t)

	resp := c.post("/run_ocrtsl/", runOCRTSLRequest{Contents: contents, MD5: sum})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeInto[runOCRTSLResponse](t, resp)
	require.Len(t, body.Result, 1)
	assert.Equal(t, "detected text", body.Result[0].OCR)
	assert.Equal(t, "translated detected text", body.Result[0].TSL)
	assert.Equal(t, [4]int{0, 0, 40, 20}, body.Result[0].Box)

	// The artefacts are cached now; the lazy variant answers without
	// contents.
	resp = c.post("/run_ocrtsl/", runOCRTSLRequest{MD5: sum})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	lazy := decodeInto[runOCRTSLResponse](t, resp)
	assert.Equal(t, body.Result, lazy.Result)
}

func TestRunOCRTSLValidation(t *testing.T) {
	c := newClient(t, true)
	contents, sum := imagePayload(t)

	resp := c.post("/run_ocrtsl/", runOCRTSLRequest{Contents: contents, MD5: "abc"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	wrong := strings.Repeat("0", 32)
	resp = c.post("/run_ocrtsl/", runOCRTSLRequest{Contents: contents, MD5: wrong})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = c.post("/run_ocrtsl/", runOCRTSLRequest{MD5: sum, Force: true})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunOCRTSLLazyMiss(t *testing.T) {
	c := newClient(t, true)
	resp := c.post("/run_ocrtsl/", runOCRTSLRequest{MD5: strings.Repeat("a", 32)})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotAcceptable, resp.StatusCode)
}

func TestRunOCRTSLRequiresServingState(t *testing.T) {
	c := newClient(t, false)
	contents, sum := imagePayload(t)

	resp := c.post("/run_ocrtsl/", runOCRTSLRequest{Contents: contents, MD5: sum})
	resp.Body.Close()
	assert.Equal(t, statusLanguagesNotLoaded, resp.StatusCode)

	lang := c.post("/set_lang/", setLangRequest{LangSrc: "en", LangDst: "ja"})
	lang.Body.Close()
	require.Equal(t, http.StatusOK, lang.StatusCode)

	resp = c.post("/run_ocrtsl/", runOCRTSLRequest{Contents: contents, MD5: sum})
	resp.Body.Close()
	assert.Equal(t, statusModelsNotLoaded, resp.StatusCode)
}

func TestRunTSLAndXUA(t *testing.T) {
	c := newClient(t, true)

	resp := c.post("/run_tsl/", runTSLRequest{Text: "hello world"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeInto[textResponse](t, resp)
	assert.Equal(t, "translated hello world", body.Text)

	xua := c.get("/run_tsl_xua?text=hello+world")
	defer xua.Body.Close()
	require.Equal(t, http.StatusOK, xua.StatusCode)
	var buf bytes.Buffer
	_, err := buf.ReadFrom(xua.Body)
	require.NoError(t, err)
	assert.Equal(t, "translated hello world", buf.String())
}

func TestManualTranslationFlow(t *testing.T) {
	c := newClient(t, true)

	// get_trans for a text the server never saw.
	resp := c.get("/get_trans/?text=unknown")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = c.post("/run_tsl/", runTSLRequest{Text: "fix me"})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = c.post("/set_manual_translation/", manualTranslationRequest{Text: "fix me", Translation: "fixed"})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Manual overrides shadow the model output.
	resp = c.post("/run_tsl/", runTSLRequest{Text: "fix me"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeInto[textResponse](t, resp)
	assert.Equal(t, "fixed", body.Text)

	trans := c.get("/get_trans/?text=fix+me")
	require.Equal(t, http.StatusOK, trans.StatusCode)
	all := decodeInto[transResponse](t, trans)
	assert.Equal(t, "fixed", all.Translations[store.ManualModel])
	assert.Equal(t, "translated fix me", all.Translations["atsl"])
}

func TestActiveOptions(t *testing.T) {
	c := newClient(t, true)
	resp := c.get("/get_active_options/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeInto[activeOptionsResponse](t, resp)
	assert.Equal(t, "abox", body.Box["model"])
	assert.Equal(t, "atsl", body.TSL["model"])
}

func TestPluginEndpoints(t *testing.T) {
	c := newClient(t, true)

	resp := c.get("/get_plugin_data/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := decodeInto[pluginDataResponse](t, resp)
	assert.NotEmpty(t, data.Plugins)

	post := c.post("/manage_plugins/", managePluginsRequest{Plugins: map[string]bool{"tesseract": true}})
	post.Body.Close()
	require.Equal(t, http.StatusOK, post.StatusCode)

	bad := c.post("/manage_plugins/", managePluginsRequest{Plugins: map[string]bool{"no-such-backend": true}})
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadGateway, bad.StatusCode)
}
