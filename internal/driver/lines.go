package driver

import (
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/Crivella/ocr-translate-sub000/pkg/types"
)

// Languages written without spaces between words. OCR output in these
// languages has all spaces stripped before persistence, and merged lines
// are joined without separators.
var noSpaceLanguages = map[string]bool{
	"ja": true, "zh": true, "zht": true, "lo": true, "my": true,
}

// Languages that may be typeset vertically.
var verticalLanguages = map[string]bool{
	"ja": true, "zh": true, "zht": true, "ko": true,
}

// NoSpaceLanguage reports whether iso1 is written without spaces.
func NoSpaceLanguage(iso1 string) bool { return noSpaceLanguages[iso1] }

type ocrPiece struct {
	box  types.Box
	text string
}

// assembleMergedText reconstructs the reading-order text of one merged
// block from the OCR results of its single boxes.
//
// The block is vertical when the language may be typeset vertically and the
// merged rectangle is sufficiently taller than wide. Singles are clustered
// into lines along the cross axis with a threshold derived from their mean
// extent, lines are ordered top-to-bottom (or right-to-left for vertical
// text), pieces within a line left-to-right (or top-to-bottom).
func assembleMergedText(merged types.Box, pieces []ocrPiece, iso1 string) string {
	if len(pieces) == 0 {
		return ""
	}

	vertical := verticalLanguages[iso1] && float64(merged.Height())*1.3 > float64(merged.Width())

	extents := make([]float64, len(pieces))
	for i, p := range pieces {
		if vertical {
			extents[i] = float64(p.box.Width())
		} else {
			extents[i] = float64(p.box.Height())
		}
	}
	threshold := stat.Mean(extents, nil) / 1.5

	// Nearest-classifier line assignment. A classifier is the running mean
	// of its members' centers along the cross axis.
	type line struct {
		center float64
		pieces []ocrPiece
	}
	var lines []*line
	for _, p := range pieces {
		var center float64
		if vertical {
			center = float64(p.box.Left+p.box.Right) / 2
		} else {
			center = float64(p.box.Bottom+p.box.Top) / 2
		}

		var bestLine *line
		bestDist := math.Inf(1)
		for _, l := range lines {
			if d := math.Abs(l.center - center); d < bestDist {
				bestDist = d
				bestLine = l
			}
		}
		if bestLine == nil || bestDist > threshold {
			lines = append(lines, &line{center: center, pieces: []ocrPiece{p}})
			continue
		}
		n := float64(len(bestLine.pieces))
		bestLine.center = (bestLine.center*n + center) / (n + 1)
		bestLine.pieces = append(bestLine.pieces, p)
	}

	sort.SliceStable(lines, func(i, j int) bool {
		if vertical {
			return lines[i].center > lines[j].center // right to left
		}
		return lines[i].center < lines[j].center // top to bottom
	})
	for _, l := range lines {
		sort.SliceStable(l.pieces, func(i, j int) bool {
			if vertical {
				return l.pieces[i].box.Bottom < l.pieces[j].box.Bottom // top to bottom
			}
			return l.pieces[i].box.Left < l.pieces[j].box.Left // left to right
		})
	}

	sep := " "
	if noSpaceLanguages[iso1] {
		sep = ""
	}
	var parts []string
	for _, l := range lines {
		for _, p := range l.pieces {
			parts = append(parts, p.text)
		}
	}
	return strings.Join(parts, sep)
}

// stripSpaces removes every space from text. Applied to OCR output for
// languages written without spaces.
func stripSpaces(text string) string {
	return strings.ReplaceAll(text, " ", "")
}
