// Package types holds the small value types shared across the pipeline:
// axis-aligned bounding boxes and option dictionaries. Both are plain values
// so they can serve as parts of cache keys and message identities.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Box is an axis-aligned rectangle with left/bottom/right/top pixel
// coordinates. A valid box has Left < Right and Bottom < Top.
type Box struct {
	Left   int `json:"l"`
	Bottom int `json:"b"`
	Right  int `json:"r"`
	Top    int `json:"t"`
}

// Valid reports whether the box has positive extent on both axes.
func (b Box) Valid() bool {
	return b.Left < b.Right && b.Bottom < b.Top
}

// Width returns the horizontal extent.
func (b Box) Width() int { return b.Right - b.Left }

// Height returns the vertical extent.
func (b Box) Height() int { return b.Top - b.Bottom }

// Union returns the smallest box containing both b and o.
func (b Box) Union(o Box) Box {
	u := b
	if o.Left < u.Left {
		u.Left = o.Left
	}
	if o.Bottom < u.Bottom {
		u.Bottom = o.Bottom
	}
	if o.Right > u.Right {
		u.Right = o.Right
	}
	if o.Top > u.Top {
		u.Top = o.Top
	}
	return u
}

// Intersects reports whether the margin-inflated extents of b and o overlap
// on both axes. The margin is a fraction of each box's own extent.
func (b Box) Intersects(o Box, margin float64) bool {
	bl := float64(b.Left) - margin*float64(b.Width())
	br := float64(b.Right) + margin*float64(b.Width())
	bb := float64(b.Bottom) - margin*float64(b.Height())
	bt := float64(b.Top) + margin*float64(b.Height())

	ol := float64(o.Left) - margin*float64(o.Width())
	or := float64(o.Right) + margin*float64(o.Width())
	ob := float64(o.Bottom) - margin*float64(o.Height())
	ot := float64(o.Top) + margin*float64(o.Height())

	return bl <= or && ol <= br && bb <= ot && ob <= bt
}

// Slice returns the box as [left, bottom, right, top], the wire order used
// by the HTTP API.
func (b Box) Slice() [4]int {
	return [4]int{b.Left, b.Bottom, b.Right, b.Top}
}

func (b Box) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d)", b.Left, b.Bottom, b.Right, b.Top)
}

// Options is an option dictionary. Dictionaries are interned by value: two
// dictionaries with equal contents share one Hash and therefore one stored
// row, one cache key and one message identity.
type Options map[string]any

// Hash returns a stable content hash of the dictionary. encoding/json sorts
// map keys, so equal contents always produce equal bytes.
func (o Options) Hash() string {
	if len(o) == 0 {
		return emptyOptionsHash
	}
	data, err := json.Marshal(o)
	if err != nil {
		// Option values come from JSON bodies, so this cannot happen for
		// well-formed requests; fall back to the value's print form.
		data = []byte(fmt.Sprintf("%v", o))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

var emptyOptionsHash = func() string {
	sum := sha256.Sum256([]byte("{}"))
	return hex.EncodeToString(sum[:])
}()

// Merge returns a copy of o with fallback values filled in for keys o does
// not set. Used to cascade model and language default options.
func (o Options) Merge(fallback Options) Options {
	out := make(Options, len(o)+len(fallback))
	for k, v := range fallback {
		out[k] = v
	}
	for k, v := range o {
		out[k] = v
	}
	return out
}
