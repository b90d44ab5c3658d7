package gltfbuf

import (
	"encoding/base64"
	"testing"

	"github.com/qmuntal/gltf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReadPositions(t *testing.T) {
	doc := &gltf.Document{}
	pos := [][3]float32{{0, 0, 0}, {1, 2, 3}, {-1, 0.5, 4}}

	idx := AppendPositions(doc, pos)
	a := doc.Accessors[idx]

	assert.Equal(t, 3, a.Count)
	assert.Equal(t, []float64{-1, 0, 0}, a.Min)
	assert.Equal(t, []float64{1, 2, 4}, a.Max)

	got, err := ReadVec3(doc, a)
	require.NoError(t, err)
	assert.Equal(t, pos, got)
}

func TestAppendIndicesWidth(t *testing.T) {
	doc := &gltf.Document{}

	small := AppendIndices(doc, []uint32{0, 1, 2}, 3)
	assert.Equal(t, gltf.ComponentUshort, doc.Accessors[small].ComponentType)

	big := AppendIndices(doc, []uint32{0, 70000, 1}, 70001)
	assert.Equal(t, gltf.ComponentUint, doc.Accessors[big].ComponentType)

	prim := &gltf.Primitive{Indices: Ref(big)}
	got, err := ReadIndices(doc, prim)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 70000, 1}, got)
}

func TestReadIndicesImplicit(t *testing.T) {
	doc := &gltf.Document{}
	pos := AppendPositions(doc, [][3]float32{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}})
	prim := &gltf.Primitive{Attributes: map[string]int{gltf.POSITION: pos}}

	got, err := ReadIndices(doc, prim)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1, 2}, got)
}

func TestReadElementsStride(t *testing.T) {
	// Two interleaved VEC2 float attributes would use a 16 byte stride;
	// emulate it with raw bytes.
	doc := &gltf.Document{}
	raw := make([]byte, 32)
	raw[0], raw[16] = 1, 2
	view := AppendView(doc, raw, gltf.TargetArrayBuffer)
	doc.BufferViews[view].ByteStride = 16
	a := &gltf.Accessor{BufferView: Ref(view), ComponentType: gltf.ComponentFloat, Type: gltf.AccessorVec2, Count: 2}

	elems, err := ReadElements(doc, a)
	require.NoError(t, err)
	require.Len(t, elems, 2)
	assert.Len(t, elems[0], 8)
	assert.Equal(t, byte(1), elems[0][0])
	assert.Equal(t, byte(2), elems[1][0])
}

func TestReadElementsOutOfBounds(t *testing.T) {
	doc := &gltf.Document{}
	view := AppendView(doc, make([]byte, 12), gltf.TargetArrayBuffer)
	a := &gltf.Accessor{BufferView: Ref(view), ComponentType: gltf.ComponentFloat, Type: gltf.AccessorVec3, Count: 2}

	_, err := ReadElements(doc, a)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestDecodeDataURI(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	uri := "data:application/octet-stream;base64," + base64.StdEncoding.EncodeToString(payload)

	mime, data, err := DecodeDataURI(uri)
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", mime)
	assert.Equal(t, payload, data)

	_, _, err = DecodeDataURI("textures/wood.png")
	assert.ErrorIs(t, err, ErrNotDataURI)

	_, _, err = DecodeDataURI("data:text/plain,hello")
	assert.ErrorIs(t, err, ErrNotDataURI)

	_, _, err = DecodeDataURI("data:image/png;base64,@@@")
	assert.Error(t, err)
}

func TestRepackDropsUnusedViews(t *testing.T) {
	doc := &gltf.Document{}
	stale := AppendPositions(doc, [][3]float32{{9, 9, 9}})
	live := AppendPositions(doc, [][3]float32{{1, 2, 3}, {4, 5, 6}})
	doc.Accessors = []*gltf.Accessor{doc.Accessors[live]}
	_ = stale
	imgView := AppendView(doc, []byte{0xAA, 0xBB}, 0)
	doc.Images = []*gltf.Image{{MimeType: "image/png", BufferView: Ref(imgView)}}
	doc.Buffers = append(doc.Buffers, &gltf.Buffer{ByteLength: 3, Data: []byte{7, 7, 7}})

	require.NoError(t, Repack(doc))

	assert.Len(t, doc.Buffers, 1)
	assert.Len(t, doc.BufferViews, 2)
	assert.Equal(t, 0, *doc.Accessors[0].BufferView)
	assert.Equal(t, 1, *doc.Images[0].BufferView)
	assert.Zero(t, len(doc.Buffers[0].Data)%4)

	got, err := ReadVec3(doc, doc.Accessors[0])
	require.NoError(t, err)
	assert.Equal(t, [][3]float32{{1, 2, 3}, {4, 5, 6}}, got)

	img, mime, err := ImageBytes(doc, doc.Images[0])
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, []byte{0xAA, 0xBB}, img)
}

func TestRepackKeepsViewsForCompressedMeshes(t *testing.T) {
	doc := &gltf.Document{ExtensionsUsed: []string{"KHR_draco_mesh_compression"}}
	AppendView(doc, []byte{1, 2, 3, 4}, 0)

	require.NoError(t, Repack(doc))
	assert.Len(t, doc.BufferViews, 1)
}

func TestSetAccessorReplacesInPlace(t *testing.T) {
	doc := &gltf.Document{}
	pos := AppendPositions(doc, [][3]float32{{1, 1, 1}, {2, 2, 2}})

	SetAccessor(doc, pos, EncodeVec3([][3]float32{{3, 3, 3}}), 1, AccessorSpec{
		ComponentType: gltf.ComponentFloat,
		Type:          gltf.AccessorVec3,
	})

	require.Len(t, doc.Accessors, 1)
	got, err := ReadVec3(doc, doc.Accessors[pos])
	require.NoError(t, err)
	assert.Equal(t, [][3]float32{{3, 3, 3}}, got)
}

func TestSetIndices(t *testing.T) {
	doc := &gltf.Document{}
	pos := AppendPositions(doc, make([][3]float32, 4))
	prim := &gltf.Primitive{Attributes: map[string]int{gltf.POSITION: pos}}

	SetIndices(doc, prim, []uint32{0, 1, 2}, 4)
	require.NotNil(t, prim.Indices)
	first := *prim.Indices

	SetIndices(doc, prim, []uint32{1, 2, 3, 0, 1, 2}, 4)
	assert.Equal(t, first, *prim.Indices)
	assert.Len(t, doc.Accessors, 2)

	got, err := ReadIndices(doc, prim)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 3, 0, 1, 2}, got)
}
