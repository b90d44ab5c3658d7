package stats

import (
	"testing"

	"github.com/qmuntal/gltf"
	"github.com/stretchr/testify/assert"

	"modelopt/internal/gltfbuf"
	"modelopt/internal/gltftest"
	"modelopt/internal/model"
)

func TestExtractGrid(t *testing.T) {
	got := Extract(gltftest.Grid(100, 50))

	assert.Equal(t, model.Counts{Faces: 10000, Vertices: 101 * 51}, got)
}

func TestExtractUnwelded(t *testing.T) {
	got := Extract(gltftest.Unwelded(2, 2))

	assert.Equal(t, model.Counts{Faces: 8, Vertices: 24}, got)
}

func TestExtractSharedPositionCountedOnce(t *testing.T) {
	doc := gltftest.Grid(2, 1)
	prim := doc.Meshes[0].Primitives[0]
	doc.Meshes = append(doc.Meshes, &gltf.Mesh{Primitives: []*gltf.Primitive{{
		Attributes: map[string]int{gltf.POSITION: prim.Attributes[gltf.POSITION]},
		Indices:    prim.Indices,
	}}})

	got := Extract(doc)

	assert.Equal(t, 8, got.Faces)
	assert.Equal(t, 6, got.Vertices)
}

func TestExtractSkipsNonTriangleModes(t *testing.T) {
	doc := &gltf.Document{}
	pos := gltfbuf.AppendPositions(doc, [][3]float32{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {1, 1, 0}})
	doc.Meshes = []*gltf.Mesh{{Primitives: []*gltf.Primitive{
		{Attributes: map[string]int{gltf.POSITION: pos}, Mode: gltf.PrimitiveLines},
		{Attributes: map[string]int{gltf.POSITION: pos}, Mode: gltf.PrimitivePoints},
	}}}

	got := Extract(doc)

	assert.Equal(t, 0, got.Faces)
	assert.Equal(t, 4, got.Vertices)
}

func TestExtractNonIndexedFloorsRemainder(t *testing.T) {
	doc := &gltf.Document{}
	pos := gltfbuf.AppendPositions(doc, make([][3]float32, 7))
	doc.Meshes = []*gltf.Mesh{{Primitives: []*gltf.Primitive{{Attributes: map[string]int{gltf.POSITION: pos}}}}}

	assert.Equal(t, model.Counts{Faces: 2, Vertices: 7}, Extract(doc))
}

func TestExtractEmpty(t *testing.T) {
	assert.Equal(t, model.Counts{}, Extract(&gltf.Document{}))
}
