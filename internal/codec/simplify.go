package codec

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/qmuntal/gltf"
	"go.uber.org/zap"
)

// maxSimplifyPasses bounds the greedy collapse loop. Each pass collapses
// an independent set of edges, so progress per pass is large.
const maxSimplifyPasses = 64

// boundaryWeight scales the quadrics that keep open borders in place.
const boundaryWeight = 10

// Simplify reduces the triangle count of every editable vertex set to
// about ratio of its current count using half-edge collapses ordered by
// quadric error. Collapses whose error exceeds the configured tolerance
// are never taken, so the target may not be reached on detailed meshes.
func (e *Engine) Simplify(ctx context.Context, doc *gltf.Document, ratio float64) error {
	if ratio >= 1 {
		return nil
	}
	if ratio < 0 || math.IsNaN(ratio) {
		return fmt.Errorf("simplify ratio %v out of range", ratio)
	}
	for _, g := range triangleGroups(doc) {
		if err := e.simplifyGroup(ctx, doc, g, ratio); err != nil {
			return fmt.Errorf("simplify %s: %w", g.key, err)
		}
	}
	return nil
}

type quadric [10]float64

func planeQuadric(a, b, c, d, w float64) quadric {
	return quadric{
		w * a * a, w * a * b, w * a * c, w * a * d,
		w * b * b, w * b * c, w * b * d,
		w * c * c, w * c * d,
		w * d * d,
	}
}

func (q *quadric) add(o quadric) {
	for i := range q {
		q[i] += o[i]
	}
}

func (q quadric) eval(p vec3) float64 {
	x, y, z := p[0], p[1], p[2]
	return q[0]*x*x + 2*q[1]*x*y + 2*q[2]*x*z + 2*q[3]*x +
		q[4]*y*y + 2*q[5]*y*z + 2*q[6]*y +
		q[7]*z*z + 2*q[8]*z +
		q[9]
}

type vec3 [3]float64

func (a vec3) sub(b vec3) vec3 { return vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }
func (a vec3) dot(b vec3) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}
func (a vec3) cross(b vec3) vec3 {
	return vec3{a[1]*b[2] - a[2]*b[1], a[2]*b[0] - a[0]*b[2], a[0]*b[1] - a[1]*b[0]}
}
func (a vec3) length() float64 { return math.Sqrt(a.dot(a)) }

// mesh is the mutable connectivity used while collapsing.
type mesh struct {
	pos     []vec3
	tris    [][3]uint32
	prim    []int
	alive   []bool
	live    []int // live triangles per primitive
	faces   int
	vtris   [][]int
	quadric []quadric
}

func newMesh(vs *vertexSet, indices [][]uint32) *mesh {
	m := &mesh{
		pos:     make([]vec3, vs.count),
		vtris:   make([][]int, vs.count),
		quadric: make([]quadric, vs.count),
		live:    make([]int, len(indices)),
	}
	for i, p := range vs.pos {
		m.pos[i] = vec3{float64(p[0]), float64(p[1]), float64(p[2])}
	}
	for pi, idx := range indices {
		for t := 0; t+2 < len(idx); t += 3 {
			m.tris = append(m.tris, [3]uint32{idx[t], idx[t+1], idx[t+2]})
			m.prim = append(m.prim, pi)
			m.alive = append(m.alive, true)
			m.live[pi]++
			m.faces++
		}
	}
	return m
}

func (m *mesh) normal(t [3]uint32) vec3 {
	return m.pos[t[1]].sub(m.pos[t[0]]).cross(m.pos[t[2]].sub(m.pos[t[0]]))
}

func (m *mesh) buildAdjacency() {
	for v := range m.vtris {
		m.vtris[v] = m.vtris[v][:0]
	}
	for ti, t := range m.tris {
		if !m.alive[ti] {
			continue
		}
		for _, v := range t {
			m.vtris[v] = append(m.vtris[v], ti)
		}
	}
}

func (m *mesh) initQuadrics(edges map[uint64]int) {
	for _, t := range m.tris {
		n := m.normal(t)
		l := n.length()
		if l == 0 {
			continue
		}
		n = vec3{n[0] / l, n[1] / l, n[2] / l}
		q := planeQuadric(n[0], n[1], n[2], -n.dot(m.pos[t[0]]), 1)
		for _, v := range t {
			m.quadric[v].add(q)
		}
		for k := 0; k < 3; k++ {
			a, b := t[k], t[(k+1)%3]
			if edges[edgeKey(a, b)] != 1 {
				continue
			}
			// Plane through the border edge, perpendicular to the face.
			dir := m.pos[b].sub(m.pos[a])
			bn := dir.cross(n)
			bl := bn.length()
			if bl == 0 {
				continue
			}
			bn = vec3{bn[0] / bl, bn[1] / bl, bn[2] / bl}
			bq := planeQuadric(bn[0], bn[1], bn[2], -bn.dot(m.pos[a]), boundaryWeight)
			m.quadric[a].add(bq)
			m.quadric[b].add(bq)
		}
	}
}

func edgeKey(a, b uint32) uint64 {
	if a > b {
		a, b = b, a
	}
	return uint64(a)<<32 | uint64(b)
}

func (m *mesh) edgeCounts() map[uint64]int {
	edges := make(map[uint64]int, 3*m.faces/2)
	for ti, t := range m.tris {
		if !m.alive[ti] {
			continue
		}
		for k := 0; k < 3; k++ {
			edges[edgeKey(t[k], t[(k+1)%3])]++
		}
	}
	return edges
}

type collapse struct {
	from, to uint32
	cost     float64
}

func (e *Engine) simplifyGroup(ctx context.Context, doc *gltf.Document, g *primGroup, ratio float64) error {
	vs, err := loadVertices(doc, g)
	if err != nil {
		return err
	}
	if vs.pos == nil {
		e.log.Debug("positions are not float, skipping vertex set", zap.String("group", g.key))
		return nil
	}
	indices, err := loadTriangles(doc, g, vs.count)
	if err != nil {
		return err
	}

	m := newMesh(vs, indices)
	target := int(math.Floor(float64(m.faces) * ratio))
	if m.faces <= target || m.faces == 0 {
		return nil
	}
	maxErr := e.opts.SimplifyTolerance * diagonal(vs.pos)
	threshold := maxErr * maxErr

	m.initQuadrics(m.edgeCounts())
	for pass := 0; pass < maxSimplifyPasses && m.faces > target; pass++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.collapsePass(target, threshold) == 0 {
			break
		}
	}

	out := make([][]uint32, len(indices))
	for ti, t := range m.tris {
		if m.alive[ti] {
			out[m.prim[ti]] = append(out[m.prim[ti]], t[0], t[1], t[2])
		}
	}
	rewrite(doc, g, vs, out)
	return nil
}

// collapsePass performs one round of independent collapses and returns
// how many were applied. Vertices touched by a collapse are locked for
// the rest of the pass so adjacency stays exact without rebuilding.
func (m *mesh) collapsePass(target int, threshold float64) int {
	m.buildAdjacency()
	edges := m.edgeCounts()

	boundary := make([]bool, len(m.pos))
	frozen := make([]bool, len(m.pos))
	for k, n := range edges {
		a, b := uint32(k>>32), uint32(k)
		switch {
		case n == 1:
			boundary[a], boundary[b] = true, true
		case n > 2:
			frozen[a], frozen[b] = true, true
		}
	}

	var cands []collapse
	for k, n := range edges {
		if n > 2 {
			continue
		}
		a, b := uint32(k>>32), uint32(k)
		if frozen[a] || frozen[b] {
			continue
		}
		// An interior edge between two border vertices would pinch the surface.
		if n == 2 && boundary[a] && boundary[b] {
			continue
		}
		q := m.quadric[a]
		q.add(m.quadric[b])
		best := collapse{cost: math.Inf(1)}
		if !boundary[b] || boundary[a] {
			best = collapse{from: b, to: a, cost: q.eval(m.pos[a])}
		}
		if !boundary[a] || boundary[b] {
			if c := q.eval(m.pos[b]); c < best.cost {
				best = collapse{from: a, to: b, cost: c}
			}
		}
		if math.IsInf(best.cost, 1) || best.cost > threshold {
			continue
		}
		cands = append(cands, best)
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].cost != cands[j].cost {
			return cands[i].cost < cands[j].cost
		}
		if cands[i].to != cands[j].to {
			return cands[i].to < cands[j].to
		}
		return cands[i].from < cands[j].from
	})

	locked := make([]bool, len(m.pos))
	applied := 0
	for _, c := range cands {
		if m.faces <= target {
			break
		}
		if locked[c.from] || locked[c.to] {
			continue
		}
		if !m.linkOK(c.from, c.to, edges[edgeKey(c.from, c.to)]) || !m.collapseKeepsShape(c.from, c.to) {
			continue
		}
		for _, v := range m.ring(c.from) {
			locked[v] = true
		}
		for _, v := range m.ring(c.to) {
			locked[v] = true
		}
		m.apply(c.from, c.to)
		applied++
	}
	return applied
}

// ring returns v and its neighbors.
func (m *mesh) ring(v uint32) []uint32 {
	out := []uint32{v}
	for _, ti := range m.vtris[v] {
		if !m.alive[ti] {
			continue
		}
		for _, u := range m.tris[ti] {
			if u != v {
				out = append(out, u)
			}
		}
	}
	return out
}

// linkOK checks that a and b share exactly the vertices opposite their
// common edge, so the collapse keeps the surface manifold.
func (m *mesh) linkOK(a, b uint32, edgeTris int) bool {
	na := make(map[uint32]bool)
	for _, u := range m.ring(a) {
		na[u] = true
	}
	common := make(map[uint32]bool)
	for _, u := range m.ring(b) {
		if u != a && u != b && na[u] {
			common[u] = true
		}
	}
	return len(common) == edgeTris
}

// collapseKeepsShape rejects collapses that flip or degenerate a triangle,
// or that would leave a primitive without triangles.
func (m *mesh) collapseKeepsShape(from, to uint32) bool {
	removed := make(map[int]int)
	for _, ti := range m.vtris[from] {
		if !m.alive[ti] {
			continue
		}
		t := m.tris[ti]
		if t[0] == to || t[1] == to || t[2] == to {
			removed[m.prim[ti]]++
			continue
		}
		before := m.normal(t)
		moved := t
		for k := range moved {
			if moved[k] == from {
				moved[k] = to
			}
		}
		after := m.normal(moved)
		if after.length() == 0 || before.dot(after) <= 0 {
			return false
		}
	}
	for p, n := range removed {
		if m.live[p]-n <= 0 {
			return false
		}
	}
	return true
}

func (m *mesh) apply(from, to uint32) {
	for _, ti := range m.vtris[from] {
		if !m.alive[ti] {
			continue
		}
		t := &m.tris[ti]
		if t[0] == to || t[1] == to || t[2] == to {
			m.alive[ti] = false
			m.live[m.prim[ti]]--
			m.faces--
			continue
		}
		for k := range t {
			if t[k] == from {
				t[k] = to
			}
		}
	}
	m.quadric[to].add(m.quadric[from])
}
