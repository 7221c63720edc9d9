// Package merge clusters overlapping detections of the same kind into the
// regions that are actually redacted.
package merge

import (
	"sort"

	"github.com/tidwall/rtree"

	"github.com/hannes/yaak-deid/document"
)

// DefaultIoUThreshold is the overlap at which two detections are treated as
// the same real-world region.
const DefaultIoUThreshold = 0.3

// Merger groups detections whose boxes overlap by at least threshold IoU.
// It holds no state between calls.
type Merger struct {
	threshold float64
}

// New returns a Merger. A threshold outside (0,1] falls back to the default.
func New(threshold float64) *Merger {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultIoUThreshold
	}
	return &Merger{threshold: threshold}
}

// Threshold returns the IoU threshold in use.
func (m *Merger) Threshold() float64 { return m.threshold }

// Merge partitions detections by kind and returns one region per connected
// component of the overlap graph. Every input detection ends up in exactly
// one region. The result does not depend on input order.
func (m *Merger) Merge(detections []document.Detection) []document.MergedRegion {
	byKind := map[document.Kind][]document.Detection{}
	for _, d := range detections {
		byKind[d.Kind] = append(byKind[d.Kind], d)
	}

	kinds := make([]document.Kind, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	var regions []document.MergedRegion
	for _, k := range kinds {
		regions = append(regions, m.mergeKind(byKind[k])...)
	}
	sortRegions(regions)
	return regions
}

func (m *Merger) mergeKind(dets []document.Detection) []document.MergedRegion {
	sortDetections(dets)

	var tree rtree.RTreeG[int]
	for i, d := range dets {
		tree.Insert([2]float64{d.Box.X0, d.Box.Y0}, [2]float64{d.Box.X1, d.Box.Y1}, i)
	}

	uf := newUnionFind(len(dets))
	for i, d := range dets {
		tree.Search([2]float64{d.Box.X0, d.Box.Y0}, [2]float64{d.Box.X1, d.Box.Y1},
			func(_, _ [2]float64, j int) bool {
				if j > i && d.Box.IoU(dets[j].Box) >= m.threshold {
					uf.union(i, j)
				}
				return true
			})
	}

	groups := map[int][]document.Detection{}
	var roots []int
	for i, d := range dets {
		r := uf.find(i)
		if _, ok := groups[r]; !ok {
			roots = append(roots, r)
		}
		groups[r] = append(groups[r], d)
	}

	regions := make([]document.MergedRegion, 0, len(roots))
	for _, r := range roots {
		regions = append(regions, newRegion(groups[r]))
	}
	return regions
}

// newRegion builds a region whose box encloses every member and whose
// category and confidence come from the strongest member.
func newRegion(members []document.Detection) document.MergedRegion {
	best := members[0]
	box := members[0].Box
	for _, d := range members[1:] {
		box = box.Union(d.Box)
		if stronger(d, best) {
			best = d
		}
	}
	return document.MergedRegion{
		Kind:       best.Kind,
		Category:   best.Category,
		Confidence: best.Confidence,
		Box:        box,
		Provenance: best.Provenance,
		Sources:    members,
	}
}

// stronger orders by confidence, then provenance priority, then category
// name so ties resolve the same way every time.
func stronger(a, b document.Detection) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	pa, pb := document.ProvenancePriority(a.Provenance), document.ProvenancePriority(b.Provenance)
	if pa != pb {
		return pa > pb
	}
	return a.Category < b.Category
}

func lessRect(a, b document.Rect) bool {
	switch {
	case a.Y0 != b.Y0:
		return a.Y0 < b.Y0
	case a.X0 != b.X0:
		return a.X0 < b.X0
	case a.Y1 != b.Y1:
		return a.Y1 < b.Y1
	default:
		return a.X1 < b.X1
	}
}

func sortDetections(dets []document.Detection) {
	sort.SliceStable(dets, func(i, j int) bool {
		a, b := dets[i], dets[j]
		if a.Box != b.Box {
			return lessRect(a.Box, b.Box)
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.Provenance < b.Provenance
	})
}

func sortRegions(regions []document.MergedRegion) {
	sort.SliceStable(regions, func(i, j int) bool {
		a, b := regions[i], regions[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Box != b.Box {
			return lessRect(a.Box, b.Box)
		}
		return a.Category < b.Category
	})
}

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	switch {
	case uf.rank[ra] < uf.rank[rb]:
		uf.parent[ra] = rb
	case uf.rank[ra] > uf.rank[rb]:
		uf.parent[rb] = ra
	default:
		uf.parent[rb] = ra
		uf.rank[ra]++
	}
}
