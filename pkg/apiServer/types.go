package apiServer

import (
	"encoding/json"
	"net/http"

	"github.com/Crivella/ocr-translate-sub000/internal/pipeline"
	"github.com/Crivella/ocr-translate-sub000/internal/registry"
	"github.com/Crivella/ocr-translate-sub000/pkg/types"
)

type handshakeResponse struct {
	Version string `json:"version"`

	Languages []string `json:"Languages"`
	LangSrc   string   `json:"lang_src"`
	LangDst   string   `json:"lang_dst"`

	BoxModels []string `json:"BOXModels"`
	OCRModels []string `json:"OCRModels"`
	TSLModels []string `json:"TSLModels"`

	BoxSelected string `json:"box_selected"`
	OCRSelected string `json:"ocr_selected"`
	TSLSelected string `json:"tsl_selected"`
}

type setModelsRequest struct {
	BoxModelID string `json:"box_model_id"`
	OCRModelID string `json:"ocr_model_id"`
	TSLModelID string `json:"tsl_model_id"`
}

type setLangRequest struct {
	LangSrc string `json:"lang_src"`
	LangDst string `json:"lang_dst"`
}

type runOCRTSLRequest struct {
	Contents    string        `json:"contents"`
	MD5         string        `json:"md5"`
	Force       bool          `json:"force"`
	FavorManual *bool         `json:"favor_manual"`
	Options     types.Options `json:"options"`
}

type runOCRTSLResponse struct {
	Result []resultEntry `json:"result"`
}

type resultEntry struct {
	OCR string `json:"ocr"`
	TSL string `json:"tsl"`
	Box [4]int `json:"box"`
}

func toResultEntries(results []pipeline.Result) []resultEntry {
	out := make([]resultEntry, len(results))
	for i, res := range results {
		out[i] = resultEntry{
			OCR: res.OCR,
			TSL: res.TSL,
			Box: res.Box.Slice(),
		}
	}
	return out
}

type runTSLRequest struct {
	Text string `json:"text"`
}

type textResponse struct {
	Text string `json:"text"`
}

type transResponse struct {
	Translations map[string]string `json:"translations"`
}

type manualTranslationRequest struct {
	Text        string `json:"text"`
	Translation string `json:"translation"`
}

type activeOptionsResponse struct {
	Box map[string]any `json:"box"`
	OCR map[string]any `json:"ocr"`
	TSL map[string]any `json:"tsl"`
}

type pluginDataResponse struct {
	Plugins []registry.PluginInfo `json:"plugins"`
}

type managePluginsRequest struct {
	Plugins map[string]bool `json:"plugins"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
