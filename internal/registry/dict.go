package registry

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/Crivella/ocr-translate-sub000/pkg/trie"
)

// TrieFor returns the frequency dictionary for a language, loading it from
// <data-dir>/dictionaries/<iso1>.txt or its xz-compressed variant on first
// use. Returns nil when no dictionary exists; the result, nil included, is
// cached.
func (r *Registry) TrieFor(iso1 string) *trie.Trie {
	r.trieMu.Lock()
	defer r.trieMu.Unlock()
	if t, ok := r.tries[iso1]; ok {
		return t
	}
	t := r.loadDictionary(iso1)
	r.tries[iso1] = t
	return t
}

func (r *Registry) loadDictionary(iso1 string) *trie.Trie {
	base := filepath.Join(r.dataDir, "dictionaries", iso1+".txt")
	for _, path := range []string{base, base + ".xz"} {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		defer f.Close()

		var reader io.Reader = f
		if strings.HasSuffix(path, ".xz") {
			xr, err := xz.NewReader(f)
			if err != nil {
				r.log.Warn("reading dictionary", "path", path, "error", err)
				return nil
			}
			reader = xr
		}
		t, err := parseDictionary(reader)
		if err != nil {
			r.log.Warn("parsing dictionary", "path", path, "error", err)
			return nil
		}
		r.log.Info("dictionary loaded", "lang", iso1, "path", path)
		return t
	}
	return nil
}

// parseDictionary reads "word frequency" lines. Lines without a parsable
// frequency get frequency zero; blank lines and #-comments are skipped.
func parseDictionary(reader io.Reader) (*trie.Trie, error) {
	t := trie.New()
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		freq := 0.0
		if len(fields) > 1 {
			if v, err := strconv.ParseFloat(fields[1], 64); err == nil {
				freq = v
			}
		}
		t.Insert(fields[0], freq)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return t, nil
}
