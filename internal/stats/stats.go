// Package stats measures face and vertex counts of a document.
package stats

import (
	"github.com/qmuntal/gltf"

	"modelopt/internal/model"
)

// Extract counts triangles over triangle-list primitives and vertices over
// distinct POSITION accessors. Accessors shared by several primitives are
// counted once.
func Extract(doc *gltf.Document) model.Counts {
	var c model.Counts
	seen := make(map[int]bool)
	for _, m := range doc.Meshes {
		for _, p := range m.Primitives {
			pos, hasPos := p.Attributes[gltf.POSITION]
			if hasPos && validAccessor(doc, pos) && !seen[pos] {
				seen[pos] = true
				c.Vertices += doc.Accessors[pos].Count
			}
			if p.Mode != gltf.PrimitiveTriangles {
				continue
			}
			switch {
			case p.Indices != nil && validAccessor(doc, *p.Indices):
				c.Faces += doc.Accessors[*p.Indices].Count / 3
			case hasPos && validAccessor(doc, pos):
				c.Faces += doc.Accessors[pos].Count / 3
			}
		}
	}
	return c
}

func validAccessor(doc *gltf.Document, i int) bool {
	return i >= 0 && i < len(doc.Accessors)
}
