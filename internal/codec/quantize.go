package codec

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/qmuntal/gltf"
	"go.uber.org/zap"

	"modelopt/internal/gltfbuf"
)

// ExtMeshQuantization is the glTF extension that permits integer vertex
// attribute encodings.
const ExtMeshQuantization = "KHR_mesh_quantization"

// Quantize converts float vertex attributes to fixed-point encodings:
// POSITION to int16 in a per-mesh frame, NORMAL and TANGENT to normalized
// int8, and TEXCOORD_n in [0,1] to normalized uint16. The dequantization
// transform of positions lives in a new child node of every node that
// instantiates the mesh.
func (e *Engine) Quantize(ctx context.Context, doc *gltf.Document) error {
	u := attributeUsage(doc)
	changed := false

	for mi := range doc.Meshes {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := e.quantizePositions(doc, mi, u)
		if err != nil {
			return err
		}
		changed = changed || ok
	}

	done := make(map[int]bool)
	for _, m := range doc.Meshes {
		for _, p := range m.Primitives {
			_, names := attributeKey(p.Attributes)
			for _, name := range names {
				idx := p.Attributes[name]
				if done[idx] || !u.exclusive(idx, name) {
					continue
				}
				done[idx] = true
				ok, err := quantizeAttribute(doc, name, idx)
				if err != nil {
					return err
				}
				changed = changed || ok
			}
		}
	}

	if changed {
		doc.ExtensionsUsed = appendOnce(doc.ExtensionsUsed, ExtMeshQuantization)
		doc.ExtensionsRequired = appendOnce(doc.ExtensionsRequired, ExtMeshQuantization)
	}
	return nil
}

// usage records how every accessor is referenced by mesh primitives.
type usage struct {
	semantics map[int]map[string]bool
	meshes    map[int]map[int]bool
	blocked   map[int]bool
}

func attributeUsage(doc *gltf.Document) *usage {
	u := &usage{
		semantics: make(map[int]map[string]bool),
		meshes:    make(map[int]map[int]bool),
		blocked:   make(map[int]bool),
	}
	for mi, m := range doc.Meshes {
		for _, p := range m.Primitives {
			morphed := len(p.Targets) > 0
			for name, idx := range p.Attributes {
				if u.semantics[idx] == nil {
					u.semantics[idx] = make(map[string]bool)
					u.meshes[idx] = make(map[int]bool)
				}
				u.semantics[idx][name] = true
				u.meshes[idx][mi] = true
				if morphed {
					u.blocked[idx] = true
				}
			}
			if p.Indices != nil {
				u.blocked[*p.Indices] = true
			}
			for _, target := range p.Targets {
				for _, idx := range target {
					u.blocked[idx] = true
				}
			}
		}
	}
	return u
}

// exclusive reports whether accessor idx is only ever read as name.
func (u *usage) exclusive(idx int, name string) bool {
	return !u.blocked[idx] && len(u.semantics[idx]) == 1 && u.semantics[idx][name]
}

func (e *Engine) quantizePositions(doc *gltf.Document, mi int, u *usage) (bool, error) {
	m := doc.Meshes[mi]
	accessors := make(map[int]bool)
	var order []int
	for _, p := range m.Primitives {
		idx, ok := p.Attributes[gltf.POSITION]
		if !ok || !validIndex(doc, idx) || !u.exclusive(idx, gltf.POSITION) || len(u.meshes[idx]) != 1 {
			return false, nil
		}
		a := doc.Accessors[idx]
		if a.ComponentType != gltf.ComponentFloat || a.Type != gltf.AccessorVec3 || a.Sparse != nil {
			return false, nil
		}
		if !accessors[idx] {
			accessors[idx] = true
			order = append(order, idx)
		}
	}
	if len(accessors) == 0 {
		return false, nil
	}
	var instances []int
	for ni, n := range doc.Nodes {
		if n.Mesh == nil || *n.Mesh != mi {
			continue
		}
		if n.Skin != nil {
			e.log.Debug("skinned mesh keeps float positions", zap.Int("mesh", mi))
			return false, nil
		}
		instances = append(instances, ni)
	}

	decoded := make(map[int][][3]float32, len(accessors))
	var all [][3]float32
	for _, idx := range order {
		pts, err := gltfbuf.ReadVec3(doc, doc.Accessors[idx])
		if err != nil {
			return false, err
		}
		decoded[idx] = pts
		all = append(all, pts...)
	}
	lo, hi := gltfbuf.Bounds(all)
	var center [3]float64
	half := 0.0
	for c := 0; c < 3; c++ {
		center[c] = (lo[c] + hi[c]) / 2
		half = math.Max(half, (hi[c]-lo[c])/2)
	}
	scale := half / math.MaxInt16
	if scale == 0 {
		scale = 1
	}

	for _, idx := range order {
		pts := decoded[idx]
		data := make([]byte, 8*len(pts))
		qmin := []float64{math.MaxInt16, math.MaxInt16, math.MaxInt16}
		qmax := []float64{-math.MaxInt16, -math.MaxInt16, -math.MaxInt16}
		for i, p := range pts {
			for c := 0; c < 3; c++ {
				q := clampRound((float64(p[c])-center[c])/scale, -math.MaxInt16, math.MaxInt16)
				binary.LittleEndian.PutUint16(data[8*i+2*c:], uint16(int16(q)))
				qmin[c] = math.Min(qmin[c], q)
				qmax[c] = math.Max(qmax[c], q)
			}
		}
		if len(pts) == 0 {
			qmin, qmax = []float64{0, 0, 0}, []float64{0, 0, 0}
		}
		// Vertex attributes are padded to 4-byte element boundaries.
		gltfbuf.SetAccessor(doc, idx, data, len(pts), gltfbuf.AccessorSpec{
			ComponentType: gltf.ComponentShort,
			Type:          gltf.AccessorVec3,
			Target:        gltf.TargetArrayBuffer,
			Min:           qmin,
			Max:           qmax,
		})
		doc.BufferViews[*doc.Accessors[idx].BufferView].ByteStride = 8
	}

	for _, ni := range instances {
		parent := doc.Nodes[ni]
		child := &gltf.Node{
			Name:        parent.Name + "_dequantize",
			Mesh:        gltfbuf.Ref(mi),
			Translation: center,
			Scale:       [3]float64{scale, scale, scale},
		}
		parent.Mesh = nil
		doc.Nodes = append(doc.Nodes, child)
		parent.Children = append(parent.Children, len(doc.Nodes)-1)
	}
	return true, nil
}

// quantizeAttribute re-encodes one non-position attribute accessor.
func quantizeAttribute(doc *gltf.Document, name string, idx int) (bool, error) {
	if !validIndex(doc, idx) {
		return false, nil
	}
	a := doc.Accessors[idx]
	if a.ComponentType != gltf.ComponentFloat || a.Sparse != nil {
		return false, nil
	}
	switch {
	case name == gltf.NORMAL && a.Type == gltf.AccessorVec3,
		name == gltf.TANGENT && a.Type == gltf.AccessorVec4:
		vals, err := gltfbuf.ReadFloats(doc, a)
		if err != nil {
			return false, err
		}
		n := gltfbuf.ComponentCount(a.Type)
		// int8 VEC3 elements are padded to 4 bytes.
		stride := 4
		data := make([]byte, stride*len(vals))
		for i, v := range vals {
			for c := 0; c < n; c++ {
				data[stride*i+c] = byte(int8(clampRound(float64(v[c])*math.MaxInt8, -math.MaxInt8, math.MaxInt8)))
			}
		}
		gltfbuf.SetAccessor(doc, idx, data, len(vals), gltfbuf.AccessorSpec{
			ComponentType: gltf.ComponentByte,
			Type:          a.Type,
			Normalized:    true,
			Target:        gltf.TargetArrayBuffer,
		})
		doc.BufferViews[*doc.Accessors[idx].BufferView].ByteStride = stride
		return true, nil

	case isTexcoord(name) && a.Type == gltf.AccessorVec2:
		vals, err := gltfbuf.ReadFloats(doc, a)
		if err != nil {
			return false, err
		}
		for _, v := range vals {
			if v[0] < 0 || v[0] > 1 || v[1] < 0 || v[1] > 1 {
				return false, nil
			}
		}
		data := make([]byte, 4*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint16(data[4*i:], uint16(clampRound(float64(v[0])*math.MaxUint16, 0, math.MaxUint16)))
			binary.LittleEndian.PutUint16(data[4*i+2:], uint16(clampRound(float64(v[1])*math.MaxUint16, 0, math.MaxUint16)))
		}
		gltfbuf.SetAccessor(doc, idx, data, len(vals), gltfbuf.AccessorSpec{
			ComponentType: gltf.ComponentUshort,
			Type:          gltf.AccessorVec2,
			Normalized:    true,
			Target:        gltf.TargetArrayBuffer,
		})
		return true, nil
	}
	return false, nil
}

func isTexcoord(name string) bool {
	return len(name) > len("TEXCOORD_") && name[:len("TEXCOORD_")] == "TEXCOORD_"
}

func clampRound(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, math.Round(v)))
}

func appendOnce(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
