package codec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/qmuntal/gltf"
	"go.uber.org/zap"

	"modelopt/internal/gltfbuf"
)

// ExtDracoMeshCompression marks primitives encoded with Draco.
const ExtDracoMeshCompression = "KHR_draco_mesh_compression"

// ErrEncoderUnavailable is returned when the Draco encoder binary cannot
// be found on this host.
var ErrEncoderUnavailable = errors.New("draco encoder unavailable")

// EncodeOptions parameterizes the geometry codec.
type EncodeOptions struct {
	EncodeSpeed int
	DecodeSpeed int
}

// EncodeGeometry compresses every mesh with Draco. The document is handed
// to the encoder process as GLB and replaced by its output.
func (e *Engine) EncodeGeometry(ctx context.Context, doc *gltf.Document, opts EncodeOptions) error {
	bin, err := exec.LookPath(e.opts.DracoEncoderBin)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncoderUnavailable, err)
	}

	dir, err := os.MkdirTemp(e.opts.TempDir, "draco-*")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in.glb")
	out := filepath.Join(dir, "out.glb")
	if err := writeGLB(in, doc); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.EncoderTimeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "draco", in, out,
		"--encode-speed", strconv.Itoa(opts.EncodeSpeed),
		"--decode-speed", strconv.Itoa(opts.DecodeSpeed),
	)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		e.log.Warn("draco encoder failed",
			zap.String("event", "draco_failed"),
			zap.String("stderr", lastLine(stderr.String())),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			return fmt.Errorf("draco encoder: %w", ctx.Err())
		}
		return fmt.Errorf("draco encoder: %w", err)
	}

	encoded, err := gltf.Open(out)
	if err != nil {
		return fmt.Errorf("read encoder output: %w", err)
	}
	*doc = *encoded
	return nil
}

func writeGLB(path string, doc *gltf.Document) error {
	if err := gltfbuf.Repack(doc); err != nil {
		return fmt.Errorf("repack buffers: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create encoder input: %w", err)
	}
	enc := gltf.NewEncoder(f)
	enc.AsBinary = true
	if err := enc.Encode(doc); err != nil {
		f.Close()
		return fmt.Errorf("write encoder input: %w", err)
	}
	return f.Close()
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
