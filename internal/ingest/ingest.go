// Package ingest turns uploaded bytes into a glTF document and back.
//
// Two capabilities exist: a binary-only reader that accepts GLB containers,
// and a document reader that additionally accepts glTF JSON whose buffers
// and images are embedded as base64 data URIs. Anything that points at an
// external resource is rejected since uploads are a single file.
package ingest

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/qmuntal/gltf"

	"modelopt/internal/fault"
	"modelopt/internal/gltfbuf"
)

const externalResourceReason = "external resources not supported; use a self-contained binary container"

var glbMagic = []byte("glTF")

// DocumentIO reads uploaded bytes into a document and serializes
// documents as GLB.
type DocumentIO interface {
	Read(data []byte) (*gltf.Document, error)
	Write(doc *gltf.Document) ([]byte, error)
}

type documentIO struct {
	allowJSON bool
}

// NewBinaryIO accepts GLB containers only.
func NewBinaryIO() DocumentIO {
	return &documentIO{}
}

// NewDocumentIO accepts GLB and self-contained glTF JSON.
func NewDocumentIO() DocumentIO {
	return &documentIO{allowJSON: true}
}

// New picks the capability from configuration.
func New(allowJSON bool) DocumentIO {
	if allowJSON {
		return NewDocumentIO()
	}
	return NewBinaryIO()
}

// IsBinary reports whether data starts with the GLB magic.
func IsBinary(data []byte) bool {
	return bytes.HasPrefix(data, glbMagic)
}

func (d *documentIO) Read(data []byte) (*gltf.Document, error) {
	if len(data) == 0 {
		return nil, fault.InvalidModel("empty input", nil)
	}

	var (
		header    []byte
		resources map[int][]byte
		err       error
	)
	if IsBinary(data) {
		header, err = glbJSONChunk(data)
		if err != nil {
			return nil, fault.InvalidModel("malformed binary container", err)
		}
		// The BIN chunk backs buffer 0; only extra buffers need URIs.
		resources, err = embeddedResources(header, true)
	} else {
		if !d.allowJSON {
			return nil, fault.InvalidModel("only binary glTF (.glb) input is accepted", nil)
		}
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return nil, fault.InvalidModel("unrecognized model format", nil)
		}
		resources, err = embeddedResources(trimmed, false)
	}
	if err != nil {
		return nil, err
	}

	doc := new(gltf.Document)
	if err := gltf.NewDecoder(bytes.NewReader(data)).Decode(doc); err != nil {
		return nil, fault.InvalidModel("decode failed", err)
	}
	for i, b := range doc.Buffers {
		if len(b.Data) == 0 {
			if raw, ok := resources[i]; ok {
				b.Data = raw
			}
		}
		if len(b.Data) < b.ByteLength {
			return nil, fault.InvalidModel(fmt.Sprintf("buffer %d is shorter than its byteLength", i), nil)
		}
	}
	if err := checkDocument(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Write embeds data-URI images, compacts the buffers and encodes a GLB.
func (d *documentIO) Write(doc *gltf.Document) ([]byte, error) {
	if err := embedImages(doc); err != nil {
		return nil, fmt.Errorf("embed images: %w", err)
	}
	if err := gltfbuf.Repack(doc); err != nil {
		return nil, fmt.Errorf("repack buffers: %w", err)
	}
	var buf bytes.Buffer
	enc := gltf.NewEncoder(&buf)
	enc.AsBinary = true
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode glb: %w", err)
	}
	return buf.Bytes(), nil
}

// glbJSONChunk returns the JSON chunk of a GLB container.
func glbJSONChunk(data []byte) ([]byte, error) {
	const headerLen = 12
	if len(data) < headerLen+8 {
		return nil, errors.New("truncated header")
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != 2 {
		return nil, fmt.Errorf("unsupported container version %d", v)
	}
	chunkLen := int(binary.LittleEndian.Uint32(data[headerLen : headerLen+4]))
	if string(data[headerLen+4:headerLen+8]) != "JSON" {
		return nil, errors.New("first chunk is not JSON")
	}
	start := headerLen + 8
	if chunkLen < 0 || start+chunkLen > len(data) {
		return nil, errors.New("JSON chunk exceeds container length")
	}
	return data[start : start+chunkLen], nil
}

type resourceRefs struct {
	Buffers []struct {
		URI string `json:"uri"`
	} `json:"buffers"`
	Images []struct {
		URI string `json:"uri"`
	} `json:"images"`
}

// embeddedResources validates every resource URI of the JSON header and
// decodes the data-URI buffers by index.
func embeddedResources(header []byte, binaryContainer bool) (map[int][]byte, error) {
	var refs resourceRefs
	if err := json.Unmarshal(header, &refs); err != nil {
		return nil, fault.InvalidModel("malformed JSON", err)
	}
	out := make(map[int][]byte, len(refs.Buffers))
	for i, b := range refs.Buffers {
		if b.URI == "" {
			if binaryContainer && i == 0 {
				continue
			}
			return nil, fault.InvalidModel(fmt.Sprintf("buffer %d has no data", i), nil)
		}
		if !gltfbuf.IsDataURI(b.URI) {
			return nil, fault.InvalidModel(externalResourceReason, nil)
		}
		_, raw, err := gltfbuf.DecodeDataURI(b.URI)
		if err != nil {
			return nil, fault.InvalidModel(fmt.Sprintf("buffer %d", i), err)
		}
		out[i] = raw
	}
	for i, img := range refs.Images {
		if img.URI == "" {
			continue
		}
		if !gltfbuf.IsDataURI(img.URI) {
			return nil, fault.InvalidModel(externalResourceReason, nil)
		}
		if _, _, err := gltfbuf.DecodeDataURI(img.URI); err != nil {
			return nil, fault.InvalidModel(fmt.Sprintf("image %d", i), err)
		}
	}
	return out, nil
}

// checkDocument verifies the references the pipeline dereferences.
func checkDocument(doc *gltf.Document) error {
	for i, img := range doc.Images {
		if img.BufferView == nil && !gltfbuf.IsDataURI(img.URI) {
			return fault.InvalidModel(externalResourceReason, nil)
		}
		if img.BufferView != nil {
			if _, err := gltfbuf.ViewBytes(doc, *img.BufferView); err != nil {
				return fault.InvalidModel(fmt.Sprintf("image %d", i), err)
			}
		}
	}
	for i := range doc.BufferViews {
		if _, err := gltfbuf.ViewBytes(doc, i); err != nil {
			return fault.InvalidModel("buffer view out of range", err)
		}
	}
	for i, a := range doc.Accessors {
		if a.BufferView != nil && (*a.BufferView < 0 || *a.BufferView >= len(doc.BufferViews)) {
			return fault.InvalidModel(fmt.Sprintf("accessor %d references a missing buffer view", i), nil)
		}
	}
	for mi, m := range doc.Meshes {
		for pi, p := range m.Primitives {
			for name, idx := range p.Attributes {
				if idx < 0 || idx >= len(doc.Accessors) {
					return fault.InvalidModel(fmt.Sprintf("mesh %d primitive %d attribute %s references a missing accessor", mi, pi, name), nil)
				}
			}
			if p.Indices != nil && (*p.Indices < 0 || *p.Indices >= len(doc.Accessors)) {
				return fault.InvalidModel(fmt.Sprintf("mesh %d primitive %d references missing indices", mi, pi), nil)
			}
		}
	}
	return nil
}

// embedImages moves data-URI images into buffer views so the GLB carries
// a single binary chunk.
func embedImages(doc *gltf.Document) error {
	for i, img := range doc.Images {
		if img.BufferView != nil || !gltfbuf.IsDataURI(img.URI) {
			continue
		}
		data, mime, err := gltfbuf.ImageBytes(doc, img)
		if err != nil {
			return fmt.Errorf("image %d: %w", i, err)
		}
		img.BufferView = gltfbuf.Ref(gltfbuf.AppendView(doc, data, 0))
		img.MimeType = mime
		img.URI = ""
	}
	return nil
}
