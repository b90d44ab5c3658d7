package codec

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/qmuntal/gltf"

	"modelopt/internal/gltfbuf"
)

// primGroup is a set of triangle primitives that share one vertex set:
// every primitive references the same accessor for each semantic.
type primGroup struct {
	key   string
	names []string
	attrs map[string]int
	prims []*gltf.Primitive
}

func attributeKey(attrs map[string]int) (string, []string) {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s=%d;", name, attrs[name])
	}
	return b.String(), names
}

func validIndex(doc *gltf.Document, i int) bool {
	return i >= 0 && i < len(doc.Accessors)
}

// editable reports whether a primitive's vertex data can be rewritten by
// the topology stages.
func editable(doc *gltf.Document, p *gltf.Primitive) bool {
	if p.Mode != gltf.PrimitiveTriangles || len(p.Targets) > 0 {
		return false
	}
	pos, ok := p.Attributes[gltf.POSITION]
	if !ok || !validIndex(doc, pos) {
		return false
	}
	count := doc.Accessors[pos].Count
	for _, idx := range p.Attributes {
		if !validIndex(doc, idx) {
			return false
		}
		a := doc.Accessors[idx]
		if a.Sparse != nil || a.Count != count {
			return false
		}
	}
	if p.Indices != nil {
		if !validIndex(doc, *p.Indices) || doc.Accessors[*p.Indices].Sparse != nil {
			return false
		}
	}
	return true
}

// triangleGroups partitions the editable primitives of doc by vertex set.
// A group is dropped when any of its accessors is also referenced outside
// the group, since rewriting it would corrupt the other user.
func triangleGroups(doc *gltf.Document) []*primGroup {
	var (
		groups   = make(map[string]*primGroup)
		order    []string
		attrUse  = make(map[int]map[string]bool)
		indexUse = make(map[int]int)
		blocked  = make(map[int]bool)
	)
	for _, m := range doc.Meshes {
		for _, p := range m.Primitives {
			if !editable(doc, p) {
				for _, idx := range p.Attributes {
					blocked[idx] = true
				}
				if p.Indices != nil {
					blocked[*p.Indices] = true
				}
				for _, target := range p.Targets {
					for _, idx := range target {
						blocked[idx] = true
					}
				}
				continue
			}
			key, names := attributeKey(p.Attributes)
			g, ok := groups[key]
			if !ok {
				g = &primGroup{key: key, names: names, attrs: p.Attributes}
				groups[key] = g
				order = append(order, key)
			}
			g.prims = append(g.prims, p)
			for _, idx := range p.Attributes {
				if attrUse[idx] == nil {
					attrUse[idx] = make(map[string]bool)
				}
				attrUse[idx][key] = true
			}
			if p.Indices != nil {
				indexUse[*p.Indices]++
			}
		}
	}

	out := make([]*primGroup, 0, len(order))
	for _, key := range order {
		g := groups[key]
		if groupIsolated(g, attrUse, indexUse, blocked) {
			out = append(out, g)
		}
	}
	return out
}

func groupIsolated(g *primGroup, attrUse map[int]map[string]bool, indexUse map[int]int, blocked map[int]bool) bool {
	for _, idx := range g.attrs {
		if blocked[idx] || len(attrUse[idx]) != 1 || indexUse[idx] > 0 {
			return false
		}
	}
	for _, p := range g.prims {
		if p.Indices == nil {
			continue
		}
		idx := *p.Indices
		if blocked[idx] || indexUse[idx] != 1 || len(attrUse[idx]) > 0 {
			return false
		}
	}
	return true
}

// vertexSet is the decoded vertex data of a group.
type vertexSet struct {
	names []string
	src   []*gltf.Accessor
	elems [][][]byte // [attribute][vertex]
	pos   [][3]float32
	count int
}

func loadVertices(doc *gltf.Document, g *primGroup) (*vertexSet, error) {
	vs := &vertexSet{names: g.names}
	for _, name := range g.names {
		a := doc.Accessors[g.attrs[name]]
		elems, err := gltfbuf.ReadElements(doc, a)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		vs.src = append(vs.src, a)
		vs.elems = append(vs.elems, elems)
		vs.count = a.Count
		if name == gltf.POSITION && a.ComponentType == gltf.ComponentFloat && a.Type == gltf.AccessorVec3 {
			if vs.pos, err = gltfbuf.ReadVec3(doc, a); err != nil {
				return nil, fmt.Errorf("read %s: %w", name, err)
			}
		}
	}
	return vs, nil
}

func loadTriangles(doc *gltf.Document, g *primGroup, vertexCount int) ([][]uint32, error) {
	out := make([][]uint32, len(g.prims))
	for i, p := range g.prims {
		idx, err := gltfbuf.ReadIndices(doc, p)
		if err != nil {
			return nil, err
		}
		idx = idx[:len(idx)-len(idx)%3]
		for _, v := range idx {
			if int(v) >= vertexCount {
				return nil, fmt.Errorf("index %d: %w", v, gltfbuf.ErrOutOfBounds)
			}
		}
		out[i] = idx
	}
	return out, nil
}

// rewrite drops vertices no triangle references, replaces the group's
// attribute accessors in place and stores the new index lists.
// It never produces more vertices than the set had.
func rewrite(doc *gltf.Document, g *primGroup, vs *vertexSet, indices [][]uint32) {
	remap := make([]int64, vs.count)
	for i := range remap {
		remap[i] = -1
	}
	var keep []uint32
	for _, idx := range indices {
		for _, v := range idx {
			if remap[v] < 0 {
				remap[v] = int64(len(keep))
				keep = append(keep, v)
			}
		}
	}

	for ai, name := range vs.names {
		src := vs.src[ai]
		elems := make([][]byte, len(keep))
		for i, v := range keep {
			elems[i] = vs.elems[ai][v]
		}
		data := make([]byte, 0, len(keep)*gltfbuf.ElementSize(src))
		for _, el := range elems {
			data = append(data, el...)
		}
		spec := gltfbuf.AccessorSpec{
			ComponentType: src.ComponentType,
			Type:          src.Type,
			Normalized:    src.Normalized,
			Target:        gltf.TargetArrayBuffer,
		}
		if name == gltf.POSITION {
			if vs.pos != nil {
				pts := make([][3]float32, len(keep))
				for i, v := range keep {
					pts[i] = vs.pos[v]
				}
				spec.Min, spec.Max = gltfbuf.Bounds(pts)
			} else {
				spec.Min, spec.Max = src.Min, src.Max
			}
		}
		gltfbuf.SetAccessor(doc, g.attrs[name], data, len(keep), spec)
	}

	for pi, p := range g.prims {
		out := make([]uint32, len(indices[pi]))
		for i, v := range indices[pi] {
			out[i] = uint32(remap[v])
		}
		gltfbuf.SetIndices(doc, p, out, len(keep))
	}
}

// diagonal is the bounding-box diagonal length of pts.
func diagonal(pts [][3]float32) float64 {
	if len(pts) == 0 {
		return 0
	}
	lo, hi := gltfbuf.Bounds(pts)
	var sum float64
	for c := 0; c < 3; c++ {
		d := hi[c] - lo[c]
		sum += d * d
	}
	return math.Sqrt(sum)
}
