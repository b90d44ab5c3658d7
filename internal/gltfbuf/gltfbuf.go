// Package gltfbuf reads and writes accessor data directly against the
// buffers of a glTF document. All appended data goes to buffer 0; Repack
// compacts everything into one GLB-embeddable buffer before encoding.
package gltfbuf

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/qmuntal/gltf"
)

var (
	ErrNotDataURI  = errors.New("uri is not a base64 data uri")
	ErrSparse      = errors.New("sparse accessors are not supported")
	ErrOutOfBounds = errors.New("accessor data out of buffer bounds")
)

// Ref returns a pointer to i, the form glTF uses for optional indices.
func Ref(i int) *int { return &i }

// ComponentSize is the byte width of one component.
func ComponentSize(c gltf.ComponentType) int {
	switch c {
	case gltf.ComponentByte, gltf.ComponentUbyte:
		return 1
	case gltf.ComponentShort, gltf.ComponentUshort:
		return 2
	default:
		return 4
	}
}

// ComponentCount is the number of components of an accessor type.
func ComponentCount(t gltf.AccessorType) int {
	switch t {
	case gltf.AccessorVec2:
		return 2
	case gltf.AccessorVec3:
		return 3
	case gltf.AccessorVec4, gltf.AccessorMat2:
		return 4
	case gltf.AccessorMat3:
		return 9
	case gltf.AccessorMat4:
		return 16
	default:
		return 1
	}
}

// ElementSize is the packed byte size of one accessor element.
func ElementSize(a *gltf.Accessor) int {
	return ComponentSize(a.ComponentType) * ComponentCount(a.Type)
}

// ViewBytes returns the bytes covered by buffer view i, without copying.
func ViewBytes(doc *gltf.Document, i int) ([]byte, error) {
	if i < 0 || i >= len(doc.BufferViews) {
		return nil, fmt.Errorf("buffer view %d: %w", i, ErrOutOfBounds)
	}
	bv := doc.BufferViews[i]
	if bv.Buffer < 0 || bv.Buffer >= len(doc.Buffers) {
		return nil, fmt.Errorf("buffer view %d references buffer %d: %w", i, bv.Buffer, ErrOutOfBounds)
	}
	data := doc.Buffers[bv.Buffer].Data
	end := bv.ByteOffset + bv.ByteLength
	if bv.ByteOffset < 0 || end > len(data) {
		return nil, fmt.Errorf("buffer view %d: %w", i, ErrOutOfBounds)
	}
	return data[bv.ByteOffset:end], nil
}

// ReadElements copies every element of a as packed bytes.
// Accessors without a buffer view are zero-filled.
func ReadElements(doc *gltf.Document, a *gltf.Accessor) ([][]byte, error) {
	if a.Sparse != nil {
		return nil, ErrSparse
	}
	size := ElementSize(a)
	out := make([][]byte, a.Count)
	if a.BufferView == nil {
		for i := range out {
			out[i] = make([]byte, size)
		}
		return out, nil
	}
	view, err := ViewBytes(doc, *a.BufferView)
	if err != nil {
		return nil, err
	}
	stride := doc.BufferViews[*a.BufferView].ByteStride
	if stride == 0 {
		stride = size
	}
	for i := range out {
		off := a.ByteOffset + i*stride
		if off+size > len(view) {
			return nil, fmt.Errorf("element %d: %w", i, ErrOutOfBounds)
		}
		el := make([]byte, size)
		copy(el, view[off:off+size])
		out[i] = el
	}
	return out, nil
}

// ReadFloats decodes a float accessor into one slice per element.
func ReadFloats(doc *gltf.Document, a *gltf.Accessor) ([][]float32, error) {
	if a.ComponentType != gltf.ComponentFloat {
		return nil, fmt.Errorf("accessor component type %v is not float", a.ComponentType)
	}
	elems, err := ReadElements(doc, a)
	if err != nil {
		return nil, err
	}
	n := ComponentCount(a.Type)
	out := make([][]float32, len(elems))
	for i, el := range elems {
		v := make([]float32, n)
		for c := 0; c < n; c++ {
			v[c] = math.Float32frombits(binary.LittleEndian.Uint32(el[c*4:]))
		}
		out[i] = v
	}
	return out, nil
}

// ReadVec3 decodes a float VEC3 accessor such as POSITION.
func ReadVec3(doc *gltf.Document, a *gltf.Accessor) ([][3]float32, error) {
	if a.Type != gltf.AccessorVec3 {
		return nil, fmt.Errorf("accessor type %v is not VEC3", a.Type)
	}
	fs, err := ReadFloats(doc, a)
	if err != nil {
		return nil, err
	}
	out := make([][3]float32, len(fs))
	for i, v := range fs {
		out[i] = [3]float32{v[0], v[1], v[2]}
	}
	return out, nil
}

// ReadIndices returns the triangle/line/point index list of a primitive.
// Non-indexed primitives get the implicit 0..n-1 sequence.
func ReadIndices(doc *gltf.Document, p *gltf.Primitive) ([]uint32, error) {
	if p.Indices == nil {
		pos, ok := p.Attributes[gltf.POSITION]
		if !ok || pos < 0 || pos >= len(doc.Accessors) {
			return nil, errors.New("primitive has no POSITION attribute")
		}
		out := make([]uint32, doc.Accessors[pos].Count)
		for i := range out {
			out[i] = uint32(i)
		}
		return out, nil
	}
	if *p.Indices < 0 || *p.Indices >= len(doc.Accessors) {
		return nil, fmt.Errorf("index accessor %d: %w", *p.Indices, ErrOutOfBounds)
	}
	a := doc.Accessors[*p.Indices]
	elems, err := ReadElements(doc, a)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, len(elems))
	for i, el := range elems {
		switch a.ComponentType {
		case gltf.ComponentUbyte:
			out[i] = uint32(el[0])
		case gltf.ComponentUshort:
			out[i] = uint32(binary.LittleEndian.Uint16(el))
		case gltf.ComponentUint:
			out[i] = binary.LittleEndian.Uint32(el)
		default:
			return nil, fmt.Errorf("unsupported index component type %v", a.ComponentType)
		}
	}
	return out, nil
}

// AppendView appends data to buffer 0 as a new 4-byte aligned buffer view.
func AppendView(doc *gltf.Document, data []byte, target gltf.Target) int {
	if len(doc.Buffers) == 0 {
		doc.Buffers = append(doc.Buffers, &gltf.Buffer{})
	}
	buf := doc.Buffers[0]
	buf.Data = pad4(buf.Data)
	offset := len(buf.Data)
	buf.Data = append(buf.Data, data...)
	buf.ByteLength = len(buf.Data)
	doc.BufferViews = append(doc.BufferViews, &gltf.BufferView{
		Buffer:     0,
		ByteOffset: offset,
		ByteLength: len(data),
		Target:     target,
	})
	return len(doc.BufferViews) - 1
}

// AccessorSpec describes a tightly packed accessor to append.
type AccessorSpec struct {
	ComponentType gltf.ComponentType
	Type          gltf.AccessorType
	Normalized    bool
	Target        gltf.Target
	Min, Max      []float64
}

// AppendAccessor stores count packed elements and returns the new accessor index.
func AppendAccessor(doc *gltf.Document, data []byte, count int, spec AccessorSpec) int {
	view := AppendView(doc, data, spec.Target)
	doc.Accessors = append(doc.Accessors, &gltf.Accessor{
		BufferView:    Ref(view),
		ComponentType: spec.ComponentType,
		Type:          spec.Type,
		Normalized:    spec.Normalized,
		Count:         count,
		Min:           spec.Min,
		Max:           spec.Max,
	})
	return len(doc.Accessors) - 1
}

// SetAccessor stores count packed elements in a new buffer view and
// replaces accessor i in place, so existing references keep pointing at it.
func SetAccessor(doc *gltf.Document, i int, data []byte, count int, spec AccessorSpec) {
	view := AppendView(doc, data, spec.Target)
	doc.Accessors[i] = &gltf.Accessor{
		BufferView:    Ref(view),
		ComponentType: spec.ComponentType,
		Type:          spec.Type,
		Normalized:    spec.Normalized,
		Count:         count,
		Min:           spec.Min,
		Max:           spec.Max,
	}
}

// CloneAccessor appends a copy of src's layout holding elems.
// POSITION bounds are recomputed by the caller when needed.
func CloneAccessor(doc *gltf.Document, src *gltf.Accessor, elems [][]byte) int {
	data := make([]byte, 0, len(elems)*ElementSize(src))
	for _, el := range elems {
		data = append(data, el...)
	}
	return AppendAccessor(doc, data, len(elems), AccessorSpec{
		ComponentType: src.ComponentType,
		Type:          src.Type,
		Normalized:    src.Normalized,
		Target:        gltf.TargetArrayBuffer,
	})
}

// AppendIndices stores an index list using the narrowest component type
// able to address vertexCount vertices.
func AppendIndices(doc *gltf.Document, indices []uint32, vertexCount int) int {
	var data []byte
	ct := gltf.ComponentUint
	if vertexCount <= math.MaxUint16 {
		ct = gltf.ComponentUshort
		data = make([]byte, 2*len(indices))
		for i, v := range indices {
			binary.LittleEndian.PutUint16(data[2*i:], uint16(v))
		}
	} else {
		data = make([]byte, 4*len(indices))
		for i, v := range indices {
			binary.LittleEndian.PutUint32(data[4*i:], v)
		}
	}
	return AppendAccessor(doc, data, len(indices), AccessorSpec{
		ComponentType: ct,
		Type:          gltf.AccessorScalar,
		Target:        gltf.TargetElementArrayBuffer,
	})
}

// SetIndices writes a primitive's index list, reusing its index accessor
// slot when it has one.
func SetIndices(doc *gltf.Document, p *gltf.Primitive, indices []uint32, vertexCount int) {
	idx := AppendIndices(doc, indices, vertexCount)
	if p.Indices == nil {
		p.Indices = Ref(idx)
		return
	}
	doc.Accessors[*p.Indices] = doc.Accessors[idx]
	doc.Accessors = doc.Accessors[:idx]
}

// EncodeVec3 packs float triples little-endian.
func EncodeVec3(v [][3]float32) []byte {
	out := make([]byte, 12*len(v))
	for i, p := range v {
		for c := 0; c < 3; c++ {
			binary.LittleEndian.PutUint32(out[12*i+4*c:], math.Float32bits(p[c]))
		}
	}
	return out
}

// AppendPositions stores a POSITION accessor with its required bounds.
func AppendPositions(doc *gltf.Document, v [][3]float32) int {
	lo, hi := Bounds(v)
	return AppendAccessor(doc, EncodeVec3(v), len(v), AccessorSpec{
		ComponentType: gltf.ComponentFloat,
		Type:          gltf.AccessorVec3,
		Target:        gltf.TargetArrayBuffer,
		Min:           lo,
		Max:           hi,
	})
}

// Bounds returns per-axis min and max.
func Bounds(v [][3]float32) (lo, hi []float64) {
	if len(v) == 0 {
		return []float64{0, 0, 0}, []float64{0, 0, 0}
	}
	lo = []float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi = []float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for _, p := range v {
		for c := 0; c < 3; c++ {
			f := float64(p[c])
			lo[c] = math.Min(lo[c], f)
			hi[c] = math.Max(hi[c], f)
		}
	}
	return lo, hi
}

// IsDataURI reports whether uri embeds its payload.
func IsDataURI(uri string) bool {
	return strings.HasPrefix(uri, "data:")
}

// DecodeDataURI decodes a base64 data URI into its media type and bytes.
func DecodeDataURI(uri string) (string, []byte, error) {
	if !IsDataURI(uri) {
		return "", nil, ErrNotDataURI
	}
	comma := strings.IndexByte(uri, ',')
	if comma < 0 {
		return "", nil, ErrNotDataURI
	}
	meta := uri[len("data:"):comma]
	if !strings.HasSuffix(meta, ";base64") {
		return "", nil, ErrNotDataURI
	}
	data, err := base64.StdEncoding.DecodeString(uri[comma+1:])
	if err != nil {
		return "", nil, fmt.Errorf("decode data uri: %w", err)
	}
	return strings.TrimSuffix(meta, ";base64"), data, nil
}

// ImageBytes returns an image's encoded payload and media type.
func ImageBytes(doc *gltf.Document, img *gltf.Image) ([]byte, string, error) {
	if img.BufferView != nil {
		b, err := ViewBytes(doc, *img.BufferView)
		return b, img.MimeType, err
	}
	mime, data, err := DecodeDataURI(img.URI)
	if err != nil {
		return nil, "", err
	}
	if img.MimeType != "" {
		mime = img.MimeType
	}
	return data, mime, nil
}

// pinnedViewExtensions reference buffer views from extension payloads that
// Repack cannot see, so views are never dropped when one is in use.
var pinnedViewExtensions = []string{
	"KHR_draco_mesh_compression",
	"EXT_meshopt_compression",
	"EXT_mesh_gpu_instancing",
	"KHR_meshopt_compression",
}

func viewsPrunable(doc *gltf.Document) bool {
	for _, used := range doc.ExtensionsUsed {
		for _, pinned := range pinnedViewExtensions {
			if used == pinned {
				return false
			}
		}
	}
	for _, a := range doc.Accessors {
		if a.Sparse != nil {
			return false
		}
	}
	return true
}

// Repack merges every buffer into a single embedded buffer. Buffer views
// no longer referenced by accessors or images are dropped when that is safe.
func Repack(doc *gltf.Document) error {
	used := make([]bool, len(doc.BufferViews))
	if viewsPrunable(doc) {
		for _, a := range doc.Accessors {
			if a.BufferView != nil && *a.BufferView >= 0 && *a.BufferView < len(used) {
				used[*a.BufferView] = true
			}
		}
		for _, img := range doc.Images {
			if img.BufferView != nil && *img.BufferView >= 0 && *img.BufferView < len(used) {
				used[*img.BufferView] = true
			}
		}
	} else {
		for i := range used {
			used[i] = true
		}
	}

	remap := make([]int, len(doc.BufferViews))
	views := make([]*gltf.BufferView, 0, len(doc.BufferViews))
	var out []byte
	for i, bv := range doc.BufferViews {
		if !used[i] {
			remap[i] = -1
			continue
		}
		src, err := ViewBytes(doc, i)
		if err != nil {
			return err
		}
		out = pad4(out)
		nbv := *bv
		nbv.Buffer = 0
		nbv.ByteOffset = len(out)
		out = append(out, src...)
		remap[i] = len(views)
		views = append(views, &nbv)
	}
	out = pad4(out)

	for i, a := range doc.Accessors {
		if a.BufferView == nil {
			continue
		}
		if *a.BufferView < 0 || *a.BufferView >= len(remap) {
			return fmt.Errorf("accessor %d: %w", i, ErrOutOfBounds)
		}
		a.BufferView = Ref(remap[*a.BufferView])
	}
	for i, img := range doc.Images {
		if img.BufferView == nil {
			continue
		}
		if *img.BufferView < 0 || *img.BufferView >= len(remap) {
			return fmt.Errorf("image %d: %w", i, ErrOutOfBounds)
		}
		img.BufferView = Ref(remap[*img.BufferView])
	}
	doc.BufferViews = views
	if len(views) == 0 {
		doc.Buffers = nil
		return nil
	}
	doc.Buffers = []*gltf.Buffer{{ByteLength: len(out), Data: out}}
	return nil
}

func pad4(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}
