package codec

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/qmuntal/gltf"
	"go.uber.org/zap"
)

// Weld merges vertices whose attributes agree within tolerance and drops
// the triangles that collapse as a result. Each vertex set is processed
// independently; the surviving vertex keeps its original attribute values.
func (e *Engine) Weld(ctx context.Context, doc *gltf.Document) error {
	for _, g := range triangleGroups(doc) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.weldGroup(doc, g); err != nil {
			return fmt.Errorf("weld %s: %w", g.key, err)
		}
	}
	return nil
}

func (e *Engine) weldGroup(doc *gltf.Document, g *primGroup) error {
	vs, err := loadVertices(doc, g)
	if err != nil {
		return err
	}
	tris, err := loadTriangles(doc, g, vs.count)
	if err != nil {
		return err
	}

	posCell := e.opts.WeldTolerance * diagonal(vs.pos)
	if posCell == 0 {
		posCell = e.opts.WeldTolerance
	}
	canon := make([]uint32, vs.count)
	seen := make(map[string]uint32, vs.count)
	for v := 0; v < vs.count; v++ {
		k := weldKey(vs, v, posCell, e.opts.WeldTolerance)
		if first, ok := seen[k]; ok {
			canon[v] = first
			continue
		}
		seen[k] = uint32(v)
		canon[v] = uint32(v)
	}

	out := make([][]uint32, len(tris))
	for pi, idx := range tris {
		welded := make([]uint32, 0, len(idx))
		for t := 0; t+2 < len(idx); t += 3 {
			a, b, c := canon[idx[t]], canon[idx[t+1]], canon[idx[t+2]]
			if a == b || b == c || a == c {
				continue
			}
			welded = append(welded, a, b, c)
		}
		if len(welded) == 0 {
			e.log.Debug("weld would empty a primitive, skipping vertex set", zap.String("group", g.key))
			return nil
		}
		out[pi] = welded
	}
	if len(seen) == vs.count && sameTriangles(tris, out) {
		return nil
	}
	rewrite(doc, g, vs, out)
	return nil
}

// weldKey snaps float components to a grid so that vertices within
// tolerance share a key. Non-float attributes compare exactly.
func weldKey(vs *vertexSet, v int, posCell, cell float64) string {
	var b strings.Builder
	for ai, name := range vs.names {
		src := vs.src[ai]
		el := vs.elems[ai][v]
		if src.ComponentType != gltf.ComponentFloat {
			b.Write(el)
			b.WriteByte('|')
			continue
		}
		step := cell
		if name == gltf.POSITION {
			step = posCell
		}
		var buf [8]byte
		for c := 0; c+4 <= len(el); c += 4 {
			f := float64(math.Float32frombits(binary.LittleEndian.Uint32(el[c:])))
			binary.LittleEndian.PutUint64(buf[:], uint64(int64(math.Round(f/step))))
			b.Write(buf[:])
		}
		b.WriteByte('|')
	}
	return b.String()
}

func sameTriangles(a, b [][]uint32) bool {
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				return false
			}
		}
	}
	return true
}
