// Package codec holds the geometry transform primitives applied by the
// optimization pipeline: vertex welding, error-bounded edge-collapse
// simplification, texture downscaling, attribute quantization and the
// Draco geometry encoder.
//
// An Engine is immutable once built. The process creates one at startup
// through Shared and hands the same handle to every job.
package codec

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultWeldTolerance     = 1e-4
	defaultSimplifyTolerance = 1e-2
	defaultEncoderTimeout    = 2 * time.Minute
	defaultEncoderBin        = "gltf-transform"

	// MaxEncodeSpeed is the fastest Draco encoder setting, also used as
	// the decode speed of every encoded document.
	MaxEncodeSpeed = 10
)

// Options configures an Engine.
type Options struct {
	// WeldTolerance is the position snapping distance relative to the
	// bounding-box diagonal. Other float attributes snap to the same
	// absolute grid.
	WeldTolerance float64
	// SimplifyTolerance bounds the geometric error of each edge collapse,
	// relative to the bounding-box diagonal.
	SimplifyTolerance float64
	DracoEncoderBin   string
	EncoderTimeout    time.Duration
	TempDir           string
	Logger            *zap.Logger
}

// Engine applies transform primitives to documents. It holds no per-job
// state and is safe for concurrent use.
type Engine struct {
	opts Options
	log  *zap.Logger
}

var (
	sharedOnce   sync.Once
	sharedEngine *Engine
)

// Shared returns the process-wide engine, building it from opts on the
// first call. Later calls ignore opts.
func Shared(opts Options) *Engine {
	sharedOnce.Do(func() {
		sharedEngine = New(opts)
	})
	return sharedEngine
}

// New builds an engine with defaults applied to unset options.
func New(opts Options) *Engine {
	if opts.WeldTolerance <= 0 {
		opts.WeldTolerance = defaultWeldTolerance
	}
	if opts.SimplifyTolerance <= 0 {
		opts.SimplifyTolerance = defaultSimplifyTolerance
	}
	if opts.EncoderTimeout <= 0 {
		opts.EncoderTimeout = defaultEncoderTimeout
	}
	if opts.DracoEncoderBin == "" {
		opts.DracoEncoderBin = defaultEncoderBin
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{opts: opts, log: log.With(zap.String("component", "codec"))}
}

// Options returns a copy of the engine configuration.
func (e *Engine) Options() Options {
	return e.opts
}

// DracoLevelToEncodeSpeed maps a compression level (higher compresses
// more) to the encoder's speed knob: 10 - round(level), clamped to [0, 10].
func DracoLevelToEncodeSpeed(level float64) int {
	speed := MaxEncodeSpeed - int(math.Round(level))
	if speed < 0 {
		return 0
	}
	if speed > MaxEncodeSpeed {
		return MaxEncodeSpeed
	}
	return speed
}
