package store

import "encoding/json"

func (k BoxRunKey) storageKey() []byte {
	return key(pBoxRun, k.ImageMD5, k.Model, k.LangSrc, k.OptionsHash)
}

func (k OCRRunKey) storageKey() []byte {
	return key(pOCRRun, k.BBoxID, k.Model, k.LangSrc, k.OptionsHash)
}

func (k TSLRunKey) storageKey() []byte {
	return key(pTSLRun, k.TextID, k.Model, k.LangSrc, k.LangDst, k.OptionsHash)
}

// GetBoxRun fetches a cached box run by its cache key.
func (s *Store) GetBoxRun(k BoxRunKey) (BoxRun, error) {
	var run BoxRun
	err := s.getJSON(k.storageKey(), &run)
	return run, err
}

// PutBoxRun persists a box run. Runs are written only after the stage
// handler returned successfully, so a failed run leaves no entry.
func (s *Store) PutBoxRun(run BoxRun) error {
	return s.setJSON(run.Key.storageKey(), run)
}

// DeleteBoxRun removes a box run together with the boxes it produced and
// the OCR runs over those boxes. Used to discard legacy merged-only runs.
func (s *Store) DeleteBoxRun(k BoxRunKey) error {
	run, err := s.GetBoxRun(k)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	ids := append(append([]string{}, run.ResultMerged...), run.ResultSingle...)
	for _, id := range ids {
		if err := s.delete(key(pBBox, id)); err != nil {
			return err
		}
		if err := s.delete(key(pImgBBox, run.Key.ImageMD5, id)); err != nil {
			return err
		}
		if _, err := s.deletePrefix(key(pOCRRun, id, "")); err != nil {
			return err
		}
	}
	return s.delete(k.storageKey())
}

// GetOCRRun fetches a cached OCR run by its cache key.
func (s *Store) GetOCRRun(k OCRRunKey) (OCRRun, error) {
	var run OCRRun
	err := s.getJSON(k.storageKey(), &run)
	return run, err
}

// PutOCRRun persists an OCR run.
func (s *Store) PutOCRRun(run OCRRun) error {
	return s.setJSON(run.Key.storageKey(), run)
}

// GetTSLRun fetches a cached translation run by its cache key.
func (s *Store) GetTSLRun(k TSLRunKey) (TSLRun, error) {
	var run TSLRun
	err := s.getJSON(k.storageKey(), &run)
	return run, err
}

// PutTSLRun persists a translation run.
func (s *Store) PutTSLRun(run TSLRun) error {
	return s.setJSON(run.Key.storageKey(), run)
}

// TranslationsForText returns every stored translation run whose source is
// the given text id, across all models, language pairs and options.
func (s *Store) TranslationsForText(textID string) ([]TSLRun, error) {
	var runs []TSLRun
	err := s.scanPrefix(key(pTSLRun, textID, ""), func(_, v []byte) error {
		var run TSLRun
		if err := json.Unmarshal(v, &run); err != nil {
			return err
		}
		runs = append(runs, run)
		return nil
	})
	return runs, err
}
