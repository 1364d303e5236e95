package stage

import "github.com/Crivella/ocr-translate-sub000/pkg/types"

// DefaultMergeMargin is the fraction of a box's own extent used to inflate
// it when testing for intersection during merging.
const DefaultMergeMargin = 0.05

// MergeBoxes groups mutually intersecting rectangles with a union-find pass
// and replaces each component with its bounding rectangle. Rectangles that
// participate in no intersection survive unchanged as their own component.
// The operation is idempotent: merging the merged rectangles again yields
// the same set.
func MergeBoxes(boxes []types.Box, margin float64) []Detection {
	n := len(boxes)
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if boxes[i].Intersects(boxes[j], margin) {
				union(i, j)
			}
		}
	}

	// Components in first-member order keeps output deterministic.
	order := make([]int, 0, n)
	members := make(map[int][]int, n)
	for i := 0; i < n; i++ {
		root := find(i)
		if _, seen := members[root]; !seen {
			order = append(order, root)
		}
		members[root] = append(members[root], i)
	}

	out := make([]Detection, 0, len(order))
	for _, root := range order {
		idxs := members[root]
		merged := boxes[idxs[0]]
		singles := make([]types.Box, 0, len(idxs))
		for _, i := range idxs {
			merged = merged.Union(boxes[i])
			singles = append(singles, boxes[i])
		}
		out = append(out, Detection{Merged: merged, Single: singles})
	}
	return out
}
