// Package trie implements a frequency-annotated prefix tree over lowercase
// words. It backs the missing-space recovery performed during translation
// pre-tokenisation: Decompose splits a run-together string into candidate
// sequences of known words.
package trie

import (
	"sort"
	"strings"
)

type node struct {
	children map[rune]*node
	freq     float64
	isWord   bool
}

func newNode() *node {
	return &node{children: make(map[rune]*node)}
}

// Trie is a prefix tree of lowercase words annotated with frequency.
// The zero value is not usable; construct with New.
type Trie struct {
	root    *node
	charset map[rune]struct{}
}

// New returns an empty trie.
func New() *Trie {
	return &Trie{
		root:    newNode(),
		charset: make(map[rune]struct{}),
	}
}

// Insert stores word with the given frequency, extending the trie's
// character set. Words are normalised to lowercase.
func (t *Trie) Insert(word string, freq float64) {
	word = strings.ToLower(word)
	cur := t.root
	for _, r := range word {
		t.charset[r] = struct{}{}
		next, ok := cur.children[r]
		if !ok {
			next = newNode()
			cur.children[r] = next
		}
		cur = next
	}
	cur.isWord = true
	cur.freq = freq
}

// Search reports whether word is stored in the trie. With strict=true every
// character must lie on a path ending at a word node. With strict=false,
// characters outside the trie's character set are skipped during traversal;
// an empty query returns true.
func (t *Trie) Search(word string, strict bool) bool {
	word = strings.ToLower(word)
	if word == "" {
		return !strict
	}
	cur := t.root
	for _, r := range word {
		if !strict {
			if _, known := t.charset[r]; !known {
				continue
			}
		}
		next, ok := cur.children[r]
		if !ok {
			return false
		}
		cur = next
	}
	return cur.isWord
}

// GetFreq returns the stored frequency of an exact word, or 0 when the word
// is not stored.
func (t *Trie) GetFreq(word string) float64 {
	cur := t.root
	for _, r := range strings.ToLower(word) {
		next, ok := cur.children[r]
		if !ok {
			return 0
		}
		cur = next
	}
	if !cur.isWord {
		return 0
	}
	return cur.freq
}

// Autocomplete returns every stored word beginning with prefix, sorted by
// descending frequency.
func (t *Trie) Autocomplete(prefix string) []string {
	prefix = strings.ToLower(prefix)
	cur := t.root
	for _, r := range prefix {
		next, ok := cur.children[r]
		if !ok {
			return nil
		}
		cur = next
	}

	type entry struct {
		word string
		freq float64
	}
	var entries []entry
	var walk func(n *node, acc string)
	walk = func(n *node, acc string) {
		if n.isWord {
			entries = append(entries, entry{word: acc, freq: n.freq})
		}
		for r, child := range n.children {
			walk(child, acc+string(r))
		}
	}
	walk(cur, prefix)

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].freq > entries[j].freq
	})
	words := make([]string, len(entries))
	for i, e := range entries {
		words[i] = e.word
	}
	return words
}

// Decompose returns every way to split word into a sequence of stored words
// where each piece has at least minLength characters. A query shorter than
// minLength is returned unchanged, and when no decomposition exists the
// result is [[word]].
func (t *Trie) Decompose(word string, minLength int) [][]string {
	word = strings.ToLower(word)
	runes := []rune(word)
	if len(runes) < minLength {
		return [][]string{{word}}
	}

	// Candidate pieces are gathered into a secondary trie keyed on the split
	// sequences; its complete branches are the decompositions.
	seqs := decomposeTrie(t, runes, minLength).branches()
	if len(seqs) == 0 {
		return [][]string{{word}}
	}
	return seqs
}

// seqNode is a node of the secondary trie built during decomposition. Each
// edge is one candidate piece; a branch is complete when it consumes the
// whole input.
type seqNode struct {
	children map[string]*seqNode
	complete bool
}

func decomposeTrie(t *Trie, runes []rune, minLength int) *seqNode {
	root := &seqNode{children: make(map[string]*seqNode)}
	var build func(n *seqNode, at int)
	build = func(n *seqNode, at int) {
		if at == len(runes) {
			n.complete = true
			return
		}
		cur := t.root
		for end := at; end < len(runes); end++ {
			next, ok := cur.children[runes[end]]
			if !ok {
				return
			}
			cur = next
			if cur.isWord && end-at+1 >= minLength {
				piece := string(runes[at : end+1])
				child, ok := n.children[piece]
				if !ok {
					child = &seqNode{children: make(map[string]*seqNode)}
					n.children[piece] = child
				}
				build(child, end+1)
			}
		}
	}
	build(root, 0)
	return root
}

func (n *seqNode) branches() [][]string {
	var out [][]string
	var walk func(n *seqNode, acc []string)
	walk = func(n *seqNode, acc []string) {
		if n.complete {
			out = append(out, append([]string(nil), acc...))
		}
		// Deterministic order keeps results stable across runs.
		pieces := make([]string, 0, len(n.children))
		for p := range n.children {
			pieces = append(pieces, p)
		}
		sort.Strings(pieces)
		for _, p := range pieces {
			walk(n.children[p], append(acc, p))
		}
	}
	walk(n, nil)
	return out
}
