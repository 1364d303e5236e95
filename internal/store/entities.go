package store

import (
	"time"

	"github.com/Crivella/ocr-translate-sub000/pkg/types"
)

// ModelKind discriminates the three stage model families.
type ModelKind string

const (
	KindBox ModelKind = "box"
	KindOCR ModelKind = "ocr"
	KindTSL ModelKind = "tsl"
)

// ManualModel is the sentinel model name under which user-supplied
// translation corrections are stored.
const ManualModel = "manual"

// Language is a persisted language row, keyed by its iso1 code.
type Language struct {
	Name           string        `json:"name"`
	ISO1           string        `json:"iso1"`
	ISO2B          string        `json:"iso2b"`
	ISO2T          string        `json:"iso2t"`
	ISO3           string        `json:"iso3"`
	DefaultOptions types.Options `json:"default_options,omitempty"`
}

// Image is a persisted image row. Only the md5 of the client's base64
// payload is stored; raw pixel bytes are never persisted.
type Image struct {
	MD5       string    `json:"md5"`
	CreatedAt time.Time `json:"created_at"`
}

// BBox is a persisted bounding box. Single boxes reference their merged
// parent; merged boxes have no parent.
type BBox struct {
	ID           string    `json:"id"`
	Box          types.Box `json:"box"`
	ImageMD5     string    `json:"image_md5"`
	FromRun      string    `json:"from_run"`
	MergedParent string    `json:"merged_parent,omitempty"`
}

// Text is a persisted text row. Rows are not unique by content: duplicates
// may arise under racing get-or-create and are permitted; lookups by content
// return the first-created row.
type Text struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Model is a persisted stage model description. Name is unique per kind.
type Model struct {
	Name           string            `json:"name"`
	Kind           ModelKind         `json:"kind"`
	Languages      []string          `json:"languages"`
	DefaultOptions types.Options     `json:"default_options,omitempty"`
	Entrypoint     string            `json:"entrypoint"`
	LanguageFormat string            `json:"language_format"`
	ISO1Map        map[string]string `json:"iso1_map,omitempty"`
	Active         bool              `json:"active"`
	// OCRMode selects whether an OCR model runs once per merged box
	// ("merged") or once per single box ("single"). Only meaningful for
	// KindOCR.
	OCRMode string `json:"ocr_mode,omitempty"`
}

// SupportsLanguage reports whether iso1 is among the model's languages.
func (m Model) SupportsLanguage(iso1 string) bool {
	for _, l := range m.Languages {
		if l == iso1 {
			return true
		}
	}
	return false
}

// LoadEvent records one model or language load. Events are append-only and
// back the "last loaded" / "most loaded" startup policies.
type LoadEvent struct {
	Target    string    `json:"target"`
	Timestamp time.Time `json:"timestamp"`
}

// BoxRunKey identifies a box detection run.
type BoxRunKey struct {
	ImageMD5    string
	Model       string
	LangSrc     string
	OptionsHash string
}

// BoxRun is the persisted result of one box detection: the ids of the
// merged boxes and of their constituent singles.
type BoxRun struct {
	Key          BoxRunKey `json:"key"`
	ResultSingle []string  `json:"result_single"`
	ResultMerged []string  `json:"result_merged"`
}

// LegacyMergedOnly reports whether the run predates the two-tier
// representation: merged results without singles. Such runs are discarded
// and re-executed.
func (r BoxRun) LegacyMergedOnly() bool {
	return len(r.ResultMerged) > 0 && len(r.ResultSingle) == 0
}

// OCRRunKey identifies an OCR run on one bounding box.
type OCRRunKey struct {
	BBoxID      string
	Model       string
	LangSrc     string
	OptionsHash string
}

// OCRRun is the persisted result of one OCR. Exactly one of ResultSingle
// and ResultMerged is set, determined by the model's OCR mode.
type OCRRun struct {
	Key          OCRRunKey `json:"key"`
	ResultSingle string    `json:"result_single,omitempty"`
	ResultMerged string    `json:"result_merged,omitempty"`
}

// TextID returns whichever result text id is set.
func (r OCRRun) TextID() string {
	if r.ResultMerged != "" {
		return r.ResultMerged
	}
	return r.ResultSingle
}

// TSLRunKey identifies a translation run.
type TSLRunKey struct {
	TextID      string
	Model       string
	LangSrc     string
	LangDst     string
	OptionsHash string
}

// TSLRun is the persisted result of one translation.
type TSLRun struct {
	Key    TSLRunKey `json:"key"`
	Result string    `json:"result"`
}
