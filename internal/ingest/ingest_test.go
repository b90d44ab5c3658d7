package ingest

import (
	"encoding/json"
	"testing"

	"github.com/qmuntal/gltf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelopt/internal/fault"
	"modelopt/internal/gltfbuf"
	"modelopt/internal/gltftest"
)

func TestReadBinary(t *testing.T) {
	data := gltftest.GLB(t, gltftest.Grid(4, 2))

	for name, io := range map[string]DocumentIO{"binary": NewBinaryIO(), "document": NewDocumentIO()} {
		t.Run(name, func(t *testing.T) {
			doc, err := io.Read(data)
			require.NoError(t, err)
			require.Len(t, doc.Meshes, 1)

			idx, err := gltfbuf.ReadIndices(doc, doc.Meshes[0].Primitives[0])
			require.NoError(t, err)
			assert.Len(t, idx, 4*2*2*3)
		})
	}
}

func TestReadJSONWithDataURIs(t *testing.T) {
	doc := gltftest.Grid(3, 3)
	gltftest.AddTexture(doc, 8, 8)
	data := gltftest.JSON(t, doc)

	got, err := NewDocumentIO().Read(data)
	require.NoError(t, err)
	require.Len(t, got.Images, 1)

	pos, err := gltfbuf.ReadVec3(got, got.Accessors[got.Meshes[0].Primitives[0].Attributes[gltf.POSITION]])
	require.NoError(t, err)
	assert.Len(t, pos, 16)

	img, mime, err := gltfbuf.ImageBytes(got, got.Images[0])
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	assert.NotEmpty(t, img)
}

func TestReadJSONRejectedByBinaryIO(t *testing.T) {
	data := gltftest.JSON(t, gltftest.Grid(1, 1))

	_, err := NewBinaryIO().Read(data)

	var im *fault.InvalidModelError
	require.ErrorAs(t, err, &im)
}

func TestReadRejectsExternalResources(t *testing.T) {
	t.Run("external image", func(t *testing.T) {
		doc := gltftest.Grid(1, 1)
		data := gltftest.JSON(t, doc)
		data = withImageURI(t, data, "textures/wood.png")

		_, err := NewDocumentIO().Read(data)

		var im *fault.InvalidModelError
		require.ErrorAs(t, err, &im)
		assert.Contains(t, im.Reason, "external resources not supported")
	})

	t.Run("external buffer", func(t *testing.T) {
		data := gltftest.JSON(t, gltftest.Grid(1, 1))
		var raw map[string]any
		require.NoError(t, json.Unmarshal(data, &raw))
		raw["buffers"].([]any)[0].(map[string]any)["uri"] = "scene.bin"
		data, err := json.Marshal(raw)
		require.NoError(t, err)

		_, err = NewDocumentIO().Read(data)

		var im *fault.InvalidModelError
		require.ErrorAs(t, err, &im)
		assert.Contains(t, im.Reason, "external resources not supported")
	})

	t.Run("external image inside binary container", func(t *testing.T) {
		doc := gltftest.Grid(1, 1)
		doc.Images = append(doc.Images, &gltf.Image{URI: "textures/wood.png"})
		data := gltftest.GLB(t, doc)

		_, err := NewBinaryIO().Read(data)

		var im *fault.InvalidModelError
		require.ErrorAs(t, err, &im)
		assert.Contains(t, im.Reason, "external resources not supported")
	})
}

func TestReadMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "garbage", data: []byte("not a model")},
		{name: "broken json", data: []byte(`{"asset":`)},
		{name: "truncated glb", data: []byte("glTF\x02\x00\x00\x00")},
		{name: "bad base64", data: []byte(`{"asset":{"version":"2.0"},"buffers":[{"byteLength":4,"uri":"data:application/octet-stream;base64,@@@"}]}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDocumentIO().Read(tt.data)

			var im *fault.InvalidModelError
			require.ErrorAs(t, err, &im)
			assert.True(t, fault.IsClient(err))
		})
	}
}

func TestWriteRoundTrip(t *testing.T) {
	src := gltftest.Grid(5, 5)
	gltftest.AddTexture(src, 4, 4)
	io := NewDocumentIO()

	doc, err := io.Read(gltftest.JSON(t, src))
	require.NoError(t, err)

	out, err := io.Write(doc)
	require.NoError(t, err)
	assert.True(t, IsBinary(out))

	again, err := NewBinaryIO().Read(out)
	require.NoError(t, err)
	require.Len(t, again.Buffers, 1)
	require.Len(t, again.Images, 1)
	assert.NotNil(t, again.Images[0].BufferView)
	assert.Empty(t, again.Images[0].URI)

	idx, err := gltfbuf.ReadIndices(again, again.Meshes[0].Primitives[0])
	require.NoError(t, err)
	assert.Len(t, idx, 5*5*2*3)
}

func TestNewPicksCapability(t *testing.T) {
	data := gltftest.JSON(t, gltftest.Grid(1, 1))

	_, err := New(true).Read(data)
	assert.NoError(t, err)

	_, err = New(false).Read(data)
	assert.Error(t, err)
}

func withImageURI(t *testing.T, data []byte, uri string) []byte {
	t.Helper()
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	raw["images"] = []any{map[string]any{"uri": uri}}
	out, err := json.Marshal(raw)
	require.NoError(t, err)
	return out
}
