package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/Crivella/ocr-translate-sub000/pkg/types"
)

// Key prefixes. The image-to-bbox index ("ibx") exists so that deleting an
// image can cascade to its boxes and their runs.
const (
	pLang    = "lang"
	pImage   = "img"
	pBBox    = "bbox"
	pImgBBox = "ibx"
	pText    = "txt"
	pTextIdx = "txtidx"
	pOptions = "opt"
	pModel   = "model"
	pLoadEv  = "loadev"
	pBoxRun  = "boxrun"
	pOCRRun  = "ocrrun"
	pTSLRun  = "tslrun"
	pPlugin  = "plugin"
)

// EnsureLanguage stores the language row, overwriting any previous row with
// the same iso1 code.
func (s *Store) EnsureLanguage(lang Language) error {
	if lang.ISO1 == "" {
		return fmt.Errorf("store: language without iso1 code")
	}
	return s.setJSON(key(pLang, lang.ISO1), lang)
}

// GetLanguage fetches a language by its iso1 code.
func (s *Store) GetLanguage(iso1 string) (Language, error) {
	var lang Language
	err := s.getJSON(key(pLang, iso1), &lang)
	return lang, err
}

// ListLanguages returns all stored languages ordered by key.
func (s *Store) ListLanguages() ([]Language, error) {
	var langs []Language
	err := s.scanPrefix(key(pLang, ""), func(_, v []byte) error {
		var lang Language
		if err := json.Unmarshal(v, &lang); err != nil {
			return err
		}
		langs = append(langs, lang)
		return nil
	})
	return langs, err
}

// EnsureImage creates the image row for md5 if it does not exist yet and
// returns it.
func (s *Store) EnsureImage(md5 string) (Image, error) {
	k := key(pImage, md5)
	var img Image
	err := s.getJSON(k, &img)
	if err == nil {
		return img, nil
	}
	if err != ErrNotFound {
		return Image{}, err
	}
	img = Image{MD5: md5, CreatedAt: time.Now().UTC()}
	if err := s.setJSON(k, img); err != nil {
		return Image{}, err
	}
	return img, nil
}

// GetImage fetches an image row by md5.
func (s *Store) GetImage(md5 string) (Image, error) {
	var img Image
	err := s.getJSON(key(pImage, md5), &img)
	return img, err
}

// DeleteImage removes the image row and cascades to its bounding boxes, the
// box runs over the image and the OCR runs over those boxes.
func (s *Store) DeleteImage(md5 string) error {
	idxKeys, err := s.deletePrefix(key(pImgBBox, md5, ""))
	if err != nil {
		return err
	}
	for _, k := range idxKeys {
		parts := strings.Split(string(k), ":")
		bboxID := parts[len(parts)-1]
		if err := s.delete(key(pBBox, bboxID)); err != nil {
			return err
		}
		if _, err := s.deletePrefix(key(pOCRRun, bboxID, "")); err != nil {
			return err
		}
	}
	if _, err := s.deletePrefix(key(pBoxRun, md5, "")); err != nil {
		return err
	}
	return s.delete(key(pImage, md5))
}

// CreateBBox persists a new bounding box row and indexes it under its image.
func (s *Store) CreateBBox(box types.Box, imageMD5, fromRun, mergedParent string) (BBox, error) {
	if !box.Valid() {
		return BBox{}, fmt.Errorf("store: invalid bbox %s", box)
	}
	row := BBox{
		ID:           uuid.NewString(),
		Box:          box,
		ImageMD5:     imageMD5,
		FromRun:      fromRun,
		MergedParent: mergedParent,
	}
	if err := s.setJSON(key(pBBox, row.ID), row); err != nil {
		return BBox{}, err
	}
	if err := s.setJSON(key(pImgBBox, imageMD5, row.ID), row.ID); err != nil {
		return BBox{}, err
	}
	return row, nil
}

// GetBBox fetches a bounding box row by id.
func (s *Store) GetBBox(id string) (BBox, error) {
	var row BBox
	err := s.getJSON(key(pBBox, id), &row)
	return row, err
}

// GetOrCreateText returns the first-created text row with exactly this
// content, creating one if none exists. Racing creators may leave duplicate
// rows; the content index always points at the winner and later lookups
// return it.
func (s *Store) GetOrCreateText(content string) (Text, error) {
	sum := sha256.Sum256([]byte(content))
	idxKey := key(pTextIdx, hex.EncodeToString(sum[:]))

	for {
		var row Text
		err := s.getJSON(idxKey, &row)
		if err == nil {
			return row, nil
		}
		if err != ErrNotFound {
			return Text{}, err
		}

		row = Text{ID: uuid.NewString(), Text: content}
		err = s.db.Update(func(txn *badger.Txn) error {
			if _, err := txn.Get(idxKey); err == nil {
				// Lost the race; loop around and read the winner.
				return nil
			} else if err != badger.ErrKeyNotFound {
				return err
			}
			data, err := json.Marshal(row)
			if err != nil {
				return err
			}
			if err := txn.Set(key(pText, row.ID), data); err != nil {
				return err
			}
			return txn.Set(idxKey, data)
		})
		if err == badger.ErrConflict {
			continue
		}
		if err != nil {
			return Text{}, err
		}

		// Re-read through the index so every caller observes the same winner.
		if err := s.getJSON(idxKey, &row); err == nil {
			return row, nil
		}
	}
}

// GetText fetches a text row by id.
func (s *Store) GetText(id string) (Text, error) {
	var row Text
	err := s.getJSON(key(pText, id), &row)
	return row, err
}

// FindText looks a text row up by exact content equality.
func (s *Store) FindText(content string) (Text, error) {
	sum := sha256.Sum256([]byte(content))
	var row Text
	err := s.getJSON(key(pTextIdx, hex.EncodeToString(sum[:])), &row)
	return row, err
}

// InternOptions stores the option dictionary under its content hash and
// returns the hash. Equal dictionaries intern to the same row.
func (s *Store) InternOptions(opts types.Options) (string, error) {
	h := opts.Hash()
	k := key(pOptions, h)
	ok, err := s.exists(k)
	if err != nil {
		return "", err
	}
	if !ok {
		if opts == nil {
			opts = types.Options{}
		}
		if err := s.setJSON(k, opts); err != nil {
			return "", err
		}
	}
	return h, nil
}

// GetOptions fetches an interned option dictionary by hash.
func (s *Store) GetOptions(hash string) (types.Options, error) {
	var opts types.Options
	err := s.getJSON(key(pOptions, hash), &opts)
	return opts, err
}

// EnsureModel stores the model row. Names are unique per kind and must not
// contain the key separator.
func (s *Store) EnsureModel(m Model) error {
	if m.Name == "" || strings.Contains(m.Name, ":") {
		return fmt.Errorf("store: invalid model name %q", m.Name)
	}
	return s.setJSON(key(pModel, string(m.Kind), m.Name), m)
}

// GetModel fetches a model by kind and name.
func (s *Store) GetModel(kind ModelKind, name string) (Model, error) {
	var m Model
	err := s.getJSON(key(pModel, string(kind), name), &m)
	return m, err
}

// ListModels returns all stored models of one kind.
func (s *Store) ListModels(kind ModelKind) ([]Model, error) {
	var models []Model
	err := s.scanPrefix(key(pModel, string(kind), ""), func(_, v []byte) error {
		var m Model
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		models = append(models, m)
		return nil
	})
	return models, err
}

// RecordLoadEvent appends a load event for the given target (a model name
// or a language code).
func (s *Store) RecordLoadEvent(target string) error {
	now := time.Now().UTC()
	ev := LoadEvent{Target: target, Timestamp: now}
	k := key(pLoadEv, fmt.Sprintf("%020d", now.UnixNano()), uuid.NewString())
	return s.setJSON(k, ev)
}

// LoadEvents returns all recorded load events in append order.
func (s *Store) LoadEvents() ([]LoadEvent, error) {
	var events []LoadEvent
	err := s.scanPrefix(key(pLoadEv, ""), func(_, v []byte) error {
		var ev LoadEvent
		if err := json.Unmarshal(v, &ev); err != nil {
			return err
		}
		events = append(events, ev)
		return nil
	})
	return events, err
}

// SetPluginInstalled records whether a back-end package is installed.
func (s *Store) SetPluginInstalled(name string, installed bool) error {
	return s.setJSON(key(pPlugin, name), installed)
}

// PluginInstalled reports the recorded install state of a back-end package.
func (s *Store) PluginInstalled(name string) (bool, error) {
	var installed bool
	err := s.getJSON(key(pPlugin, name), &installed)
	if err == ErrNotFound {
		return false, nil
	}
	return installed, err
}
