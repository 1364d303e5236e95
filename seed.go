package ocrtsl

import (
	"github.com/Crivella/ocr-translate-sub000/internal/store"
	"github.com/Crivella/ocr-translate-sub000/pkg/stage"
	"github.com/Crivella/ocr-translate-sub000/pkg/stage/tesseract"
	"github.com/Crivella/ocr-translate-sub000/pkg/types"
)

// builtinLanguages is the language set seeded when AutocreateLanguages is
// on. Space-less scripts carry default pre-tokenisation options; latin
// scripts get hyphenation repair.
var builtinLanguages = []store.Language{
	{Name: "English", ISO1: "en", ISO2B: "eng", ISO2T: "eng", ISO3: "eng",
		DefaultOptions: types.Options{"break_chars": "?!.…", "restore_dash_newlines": true}},
	{Name: "French", ISO1: "fr", ISO2B: "fre", ISO2T: "fra", ISO3: "fra",
		DefaultOptions: types.Options{"break_chars": "?!.…", "restore_dash_newlines": true}},
	{Name: "German", ISO1: "de", ISO2B: "ger", ISO2T: "deu", ISO3: "deu",
		DefaultOptions: types.Options{"break_chars": "?!.…", "restore_dash_newlines": true}},
	{Name: "Italian", ISO1: "it", ISO2B: "ita", ISO2T: "ita", ISO3: "ita",
		DefaultOptions: types.Options{"break_chars": "?!.…", "restore_dash_newlines": true}},
	{Name: "Spanish", ISO1: "es", ISO2B: "spa", ISO2T: "spa", ISO3: "spa",
		DefaultOptions: types.Options{"break_chars": "?!.…¿¡", "restore_dash_newlines": true}},
	{Name: "Portuguese", ISO1: "pt", ISO2B: "por", ISO2T: "por", ISO3: "por",
		DefaultOptions: types.Options{"break_chars": "?!.…", "restore_dash_newlines": true}},
	{Name: "Russian", ISO1: "ru", ISO2B: "rus", ISO2T: "rus", ISO3: "rus",
		DefaultOptions: types.Options{"break_chars": "?!.…", "restore_dash_newlines": true}},
	{Name: "Japanese", ISO1: "ja", ISO2B: "jpn", ISO2T: "jpn", ISO3: "jpn",
		DefaultOptions: types.Options{"break_chars": "。！？…", "ignore_chars": " "}},
	{Name: "Chinese (simplified)", ISO1: "zh", ISO2B: "chi", ISO2T: "zho", ISO3: "zho",
		DefaultOptions: types.Options{"break_chars": "。！？…", "ignore_chars": " "}},
	{Name: "Chinese (traditional)", ISO1: "zht", ISO2B: "chi", ISO2T: "zho", ISO3: "zho",
		DefaultOptions: types.Options{"break_chars": "。！？…", "ignore_chars": " "}},
	{Name: "Korean", ISO1: "ko", ISO2B: "kor", ISO2T: "kor", ISO3: "kor",
		DefaultOptions: types.Options{"break_chars": "?!.…"}},
	{Name: "Lao", ISO1: "lo", ISO2B: "lao", ISO2T: "lao", ISO3: "lao"},
	{Name: "Burmese", ISO1: "my", ISO2B: "bur", ISO2T: "mya", ISO3: "mya"},
}

func seedLanguages(st *store.Store) error {
	for _, lang := range builtinLanguages {
		if err := st.EnsureLanguage(lang); err != nil {
			return err
		}
	}
	return nil
}

// seedModels creates model rows for the compiled-in back-ends so a fresh
// install is usable without manual model administration.
func seedModels(st *store.Store) error {
	if !stage.Known(tesseract.Name) {
		return nil
	}
	langs := make([]string, len(builtinLanguages))
	for i, lang := range builtinLanguages {
		langs[i] = lang.ISO1
	}
	m := store.Model{
		Name:           tesseract.Name,
		Kind:           store.KindOCR,
		Languages:      langs,
		Entrypoint:     tesseract.Name,
		LanguageFormat: stage.FormatISO3,
		// tesseract resolves traditional chinese under its own tag.
		ISO1Map: map[string]string{"zht": "chi_tra", "zh": "chi_sim"},
		Active:  true,
		OCRMode: "merged",
	}
	return st.EnsureModel(m)
}
