// Package gltftest builds small deterministic glTF documents for tests.
package gltftest

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/qmuntal/gltf"

	"modelopt/internal/gltfbuf"
)

// Grid builds a flat cols x rows grid of quads (2*cols*rows triangles)
// with positions, normals, UVs and ushort/uint indices, attached to one node.
func Grid(cols, rows int) *gltf.Document {
	doc := newDoc()
	var (
		pos [][3]float32
		nrm [][3]float32
		uv  [][2]float32
	)
	for y := 0; y <= rows; y++ {
		for x := 0; x <= cols; x++ {
			u, v := float32(x)/float32(cols), float32(y)/float32(rows)
			pos = append(pos, [3]float32{u * float32(cols) / 100, v * float32(rows) / 100, 0})
			nrm = append(nrm, [3]float32{0, 0, 1})
			uv = append(uv, [2]float32{u, v})
		}
	}
	var idx []uint32
	stride := uint32(cols + 1)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			a := uint32(y)*stride + uint32(x)
			b, c, d := a+1, a+stride, a+stride+1
			idx = append(idx, a, b, d, a, d, c)
		}
	}
	addMesh(doc, pos, nrm, uv, idx)
	return doc
}

// Unwelded builds the same surface as Grid but with three private
// vertices per triangle, the layout a naive exporter produces.
func Unwelded(cols, rows int) *gltf.Document {
	src := Grid(cols, rows)
	prim := src.Meshes[0].Primitives[0]
	pos, _ := gltfbuf.ReadVec3(src, src.Accessors[prim.Attributes[gltf.POSITION]])
	idx, _ := gltfbuf.ReadIndices(src, prim)

	doc := newDoc()
	var (
		p   [][3]float32
		n   [][3]float32
		uv  [][2]float32
		out []uint32
	)
	for i, v := range idx {
		p = append(p, pos[v])
		n = append(n, [3]float32{0, 0, 1})
		uv = append(uv, [2]float32{pos[v][0], pos[v][1]})
		out = append(out, uint32(i))
	}
	addMesh(doc, p, n, uv, out)
	return doc
}

// AddTexture attaches a w x h PNG texture through a material on every primitive.
func AddTexture(doc *gltf.Document, w, h int) {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	view := gltfbuf.AppendView(doc, buf.Bytes(), 0)
	doc.Images = append(doc.Images, &gltf.Image{MimeType: "image/png", BufferView: gltfbuf.Ref(view)})
	doc.Textures = append(doc.Textures, &gltf.Texture{Source: gltfbuf.Ref(len(doc.Images) - 1)})
	doc.Materials = append(doc.Materials, &gltf.Material{
		Name: "textured",
		PBRMetallicRoughness: &gltf.PBRMetallicRoughness{
			BaseColorTexture: &gltf.TextureInfo{Index: len(doc.Textures) - 1},
		},
	})
	mat := len(doc.Materials) - 1
	for _, m := range doc.Meshes {
		for _, p := range m.Primitives {
			p.Material = gltfbuf.Ref(mat)
		}
	}
}

// GLB encodes doc as a binary container.
func GLB(t testing.TB, doc *gltf.Document) []byte {
	t.Helper()
	if err := gltfbuf.Repack(doc); err != nil {
		t.Fatalf("repack: %v", err)
	}
	var buf bytes.Buffer
	enc := gltf.NewEncoder(&buf)
	enc.AsBinary = true
	if err := enc.Encode(doc); err != nil {
		t.Fatalf("encode glb: %v", err)
	}
	return buf.Bytes()
}

// JSON encodes doc as a self-contained .gltf document: the buffer and
// every buffer-view image become base64 data URIs.
func JSON(t testing.TB, doc *gltf.Document) []byte {
	t.Helper()
	if err := gltfbuf.Repack(doc); err != nil {
		t.Fatalf("repack: %v", err)
	}
	for _, img := range doc.Images {
		if img.BufferView == nil {
			continue
		}
		data, mime, err := gltfbuf.ImageBytes(doc, img)
		if err != nil {
			t.Fatalf("image bytes: %v", err)
		}
		img.URI = "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
		img.BufferView = nil
	}
	for _, b := range doc.Buffers {
		b.URI = "data:application/octet-stream;base64," + base64.StdEncoding.EncodeToString(b.Data)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal gltf: %v", err)
	}
	return out
}

func newDoc() *gltf.Document {
	return &gltf.Document{
		Asset:  gltf.Asset{Version: "2.0", Generator: "gltftest"},
		Scene:  gltfbuf.Ref(0),
		Scenes: []*gltf.Scene{{Nodes: []int{0}}},
		Nodes: []*gltf.Node{{
			Mesh:     gltfbuf.Ref(0),
			Matrix:   [16]float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1},
			Rotation: [4]float64{0, 0, 0, 1},
			Scale:    [3]float64{1, 1, 1},
		}},
	}
}

func addMesh(doc *gltf.Document, pos, nrm [][3]float32, uv [][2]float32, idx []uint32) {
	posAcc := gltfbuf.AppendPositions(doc, pos)
	nrmAcc := gltfbuf.AppendAccessor(doc, gltfbuf.EncodeVec3(nrm), len(nrm), gltfbuf.AccessorSpec{
		ComponentType: gltf.ComponentFloat,
		Type:          gltf.AccessorVec3,
		Target:        gltf.TargetArrayBuffer,
	})
	uvData := make([]byte, 8*len(uv))
	for i, t := range uv {
		binary.LittleEndian.PutUint32(uvData[8*i:], math.Float32bits(t[0]))
		binary.LittleEndian.PutUint32(uvData[8*i+4:], math.Float32bits(t[1]))
	}
	uvAcc := gltfbuf.AppendAccessor(doc, uvData, len(uv), gltfbuf.AccessorSpec{
		ComponentType: gltf.ComponentFloat,
		Type:          gltf.AccessorVec2,
		Target:        gltf.TargetArrayBuffer,
	})
	idxAcc := gltfbuf.AppendIndices(doc, idx, len(pos))
	doc.Meshes = append(doc.Meshes, &gltf.Mesh{
		Name: "grid",
		Primitives: []*gltf.Primitive{{
			Attributes: map[string]int{
				gltf.POSITION:   posAcc,
				gltf.NORMAL:     nrmAcc,
				gltf.TEXCOORD_0: uvAcc,
			},
			Indices: gltfbuf.Ref(idxAcc),
			Mode:    gltf.PrimitiveTriangles,
		}},
	})
}
