package codec

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/qmuntal/gltf"
	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"modelopt/internal/gltfbuf"
)

const jpegQuality = 90

// ResizeTextures downsizes every PNG or JPEG image whose larger side
// exceeds maxSize so that it fits in a maxSize square, keeping the aspect
// ratio and the original format. Other formats are left untouched.
func (e *Engine) ResizeTextures(ctx context.Context, doc *gltf.Document, maxSize int) error {
	if maxSize <= 0 {
		return nil
	}
	for i, img := range doc.Images {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, mime, err := gltfbuf.ImageBytes(doc, img)
		if err != nil {
			return fmt.Errorf("image %d: %w", i, err)
		}
		if mime != "image/png" && mime != "image/jpeg" {
			e.log.Debug("unsupported image format, keeping as-is", zap.Int("image", i), zap.String("mime", mime))
			continue
		}
		out, resized, err := resizeImage(data, mime, maxSize)
		if err != nil {
			return fmt.Errorf("image %d: %w", i, err)
		}
		if !resized {
			continue
		}
		img.BufferView = gltfbuf.Ref(gltfbuf.AppendView(doc, out, 0))
		img.MimeType = mime
		img.URI = ""
	}
	return nil
}

func resizeImage(data []byte, mime string, maxSize int) ([]byte, bool, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, false, fmt.Errorf("decode header: %w", err)
	}
	w, h := fitWithin(cfg.Width, cfg.Height, maxSize)
	if w == cfg.Width && h == cfg.Height {
		return nil, false, nil
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, false, fmt.Errorf("decode: %w", err)
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	switch mime {
	case "image/jpeg":
		err = jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality})
	default:
		err = png.Encode(&buf, dst)
	}
	if err != nil {
		return nil, false, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), true, nil
}

// fitWithin scales (w, h) down so neither side exceeds limit.
func fitWithin(w, h, limit int) (int, int) {
	if w <= limit && h <= limit {
		return w, h
	}
	if w >= h {
		nh := max(1, h*limit/w)
		return limit, nh
	}
	nw := max(1, w*limit/h)
	return nw, limit
}
