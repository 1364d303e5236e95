// Package driver composes stages, queues and the artefact store into the
// three cache-aware stage drivers (box, ocr, tsl) plus the deterministic
// text munging they need: pre-tokenisation for translation and line
// reconstruction for single-mode OCR.
package driver

import (
	"math"
	"regexp"
	"strings"

	"github.com/Crivella/ocr-translate-sub000/pkg/trie"
	"github.com/Crivella/ocr-translate-sub000/pkg/types"
)

// Option keys understood by PreTokenize. They cascade from language and
// model default options.
const (
	optBreakChars           = "break_chars"
	optIgnoreChars          = "ignore_chars"
	optBreakNewlines        = "break_newlines"
	optRestoreDashNewlines  = "restore_dash_newlines"
	optRestoreMissingSpaces = "restore_missing_spaces"
	optAllowedStartEnd      = "allowed_start_end"
	optMergeMargin          = "merge_margin"
)

var dashNewline = regexp.MustCompile(`([^\n])-[ ]*\n`)

// PreTokenize turns a raw OCR string into the token list handed to the
// translation stage. The trie may be nil; missing-space recovery is then
// skipped even when requested.
func PreTokenize(text string, opts types.Options, srcTrie *trie.Trie) []string {
	if allowed := optString(opts, optAllowedStartEnd); allowed != "" {
		text = stripDisallowedEnds(text, allowed)
	}

	if optBoolDefault(opts, optRestoreDashNewlines, false) {
		text = dashNewline.ReplaceAllString(text, "$1")
	}

	if ignore := optString(opts, optIgnoreChars); ignore != "" {
		text = strings.Map(func(r rune) rune {
			if strings.ContainsRune(ignore, r) {
				return -1
			}
			return r
		}, text)
	}

	breakChars := optString(opts, optBreakChars)
	if optBoolDefault(opts, optBreakNewlines, true) {
		breakChars += "\n"
	} else {
		text = strings.ReplaceAll(text, "\n", " ")
	}

	if optBoolDefault(opts, optRestoreMissingSpaces, false) && srcTrie != nil {
		text = restoreSpaces(text, srcTrie)
	}

	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return r == ' ' || strings.ContainsRune(breakChars, r)
	})
	if len(tokens) == 0 {
		return []string{" "}
	}
	return tokens
}

// stripDisallowedEnds collapses the leading and trailing runs of characters
// outside the allowed set down to a single boundary character per side.
func stripDisallowedEnds(text, allowed string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		runes := []rune(line)
		start := 0
		for start < len(runes) && !strings.ContainsRune(allowed, runes[start]) {
			start++
		}
		if start > 0 {
			start--
		}
		end := len(runes)
		for end > start && !strings.ContainsRune(allowed, runes[end-1]) {
			end--
		}
		if end < len(runes) {
			end++
		}
		lines[i] = string(runes[start:end])
	}
	return strings.Join(lines, "\n")
}

// restoreSpaces re-inserts spaces a space-less OCR dropped: every
// space-separated token unknown to the trie is decomposed and the best
// decomposition replaces it. Scoring favours a few high-frequency pieces
// over many low-frequency ones.
func restoreSpaces(text string, srcTrie *trie.Trie) string {
	tokens := strings.Split(text, " ")
	for i, token := range tokens {
		if token == "" || srcTrie.Search(token, true) {
			continue
		}
		decompositions := srcTrie.Decompose(token, 1)
		best := decompositions[0]
		bestScore := math.Inf(-1)
		for _, seq := range decompositions {
			var sum float64
			for _, piece := range seq {
				sum += srcTrie.GetFreq(piece)
			}
			score := sum / math.Pow(float64(len(seq)), 4)
			if score > bestScore {
				bestScore = score
				best = seq
			}
		}
		tokens[i] = strings.Join(best, " ")
	}
	return strings.Join(tokens, " ")
}

func optString(opts types.Options, key string) string {
	if v, ok := opts[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func optBoolDefault(opts types.Options, key string, def bool) bool {
	if v, ok := opts[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

func optFloatDefault(opts types.Options, key string, def float64) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}
