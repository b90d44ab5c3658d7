// Package pipeline sequences the transform stages of one optimization job.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/qmuntal/gltf"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"modelopt/internal/codec"
	"modelopt/internal/fault"
	"modelopt/internal/ingest"
	"modelopt/internal/metrics"
	"modelopt/internal/model"
	"modelopt/internal/progress"
	"modelopt/internal/stats"
)

// Progress marks reached after each stage. 100 is emitted by the caller
// once the output is persisted.
const (
	ProgressWeld      = 25
	ProgressSimplify  = 45
	ProgressTexture   = 60
	ProgressQuantize  = 70
	ProgressEncode    = 80
	ProgressSerialize = 90
)

// Stage names used in spans, metrics and errors.
const (
	StageIngest    = "ingest"
	StageWeld      = "weld"
	StageSimplify  = "simplify"
	StageTexture   = "texture"
	StageQuantize  = "quantize"
	StageEncode    = "draco"
	StageSerialize = "serialize"
)

// Codec is the set of transform primitives the pipeline drives.
type Codec interface {
	Weld(ctx context.Context, doc *gltf.Document) error
	Simplify(ctx context.Context, doc *gltf.Document, ratio float64) error
	ResizeTextures(ctx context.Context, doc *gltf.Document, maxSize int) error
	Quantize(ctx context.Context, doc *gltf.Document) error
	EncodeGeometry(ctx context.Context, doc *gltf.Document, opts codec.EncodeOptions) error
}

// Result is the serialized output of a job and its statistics.
type Result struct {
	Output []byte
	Stats  model.Stats
}

// Pipeline is stateless between jobs and safe for concurrent use.
type Pipeline struct {
	io      ingest.DocumentIO
	codec   Codec
	metrics *metrics.Jobs
	tracer  trace.Tracer
	log     *zap.Logger
}

// New creates a Pipeline.
func New(io ingest.DocumentIO, c Codec, m *metrics.Jobs, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		io:      io,
		codec:   c,
		metrics: m,
		tracer:  otel.Tracer("modelopt/pipeline"),
		log:     log.With(zap.String("component", "pipeline")),
	}
}

// Ingest parses an uploaded buffer. Failures are InvalidModel errors.
func (p *Pipeline) Ingest(ctx context.Context, data []byte) (*gltf.Document, error) {
	_, span := p.tracer.Start(ctx, "pipeline."+StageIngest, trace.WithAttributes(attribute.Int("input.bytes", len(data))))
	defer span.End()

	doc, err := p.io.Read(data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid model")
		return nil, err
	}
	return doc, nil
}

// Transform runs every enabled stage in order, mutating doc, and returns
// the serialized output. Disabled stages still report their progress mark.
func (p *Pipeline) Transform(ctx context.Context, doc *gltf.Document, s model.OptimizeSettings, em progress.Emitter) (*Result, error) {
	before := stats.Extract(doc)

	if err := p.stage(ctx, StageWeld, s.Weld, em, ProgressWeld, "welding vertices", func(ctx context.Context) error {
		return p.codec.Weld(ctx, doc)
	}); err != nil {
		return nil, err
	}

	if err := p.stage(ctx, StageSimplify, s.DecimateRatio < 1, em, ProgressSimplify, "simplifying mesh", func(ctx context.Context) error {
		return p.codec.Simplify(ctx, doc, s.DecimateRatio)
	}); err != nil {
		return nil, err
	}

	// Later stages do not change topology.
	after := stats.Extract(doc)

	if err := p.stage(ctx, StageTexture, s.TextureQuality > 0, em, ProgressTexture, "resizing textures", func(ctx context.Context) error {
		return p.codec.ResizeTextures(ctx, doc, s.TextureQuality)
	}); err != nil {
		return nil, err
	}

	if err := p.stage(ctx, StageQuantize, s.Quantize, em, ProgressQuantize, "quantizing attributes", func(ctx context.Context) error {
		return p.codec.Quantize(ctx, doc)
	}); err != nil {
		return nil, err
	}

	if err := p.stage(ctx, StageEncode, s.Draco, em, ProgressEncode, "compressing geometry", func(ctx context.Context) error {
		return p.codec.EncodeGeometry(ctx, doc, codec.EncodeOptions{
			EncodeSpeed: codec.DracoLevelToEncodeSpeed(float64(s.DracoLevel)),
			DecodeSpeed: codec.MaxEncodeSpeed,
		})
	}); err != nil {
		return nil, err
	}

	var out []byte
	if err := p.stage(ctx, StageSerialize, true, em, ProgressSerialize, "writing output", func(context.Context) error {
		var err error
		out, err = p.io.Write(doc)
		return err
	}); err != nil {
		return nil, err
	}

	return &Result{Output: out, Stats: model.NewStats(before, after)}, nil
}

func (p *Pipeline) stage(ctx context.Context, name string, enabled bool, em progress.Emitter, mark int, message string, run func(context.Context) error) error {
	if !enabled {
		em.Emit(mark, fmt.Sprintf("%s skipped", name))
		return nil
	}

	ctx, span := p.tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	start := time.Now()
	err := run(ctx)
	elapsed := time.Since(start)
	p.metrics.ObserveStage(name, elapsed)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+" failed")
		p.log.Warn("stage failed",
			zap.String("event", "stage_failed"),
			zap.String("stage", name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return fault.OptimizationFailed(name, err)
	}
	p.log.Debug("stage done",
		zap.String("event", "stage_done"),
		zap.String("stage", name),
		zap.Duration("elapsed", elapsed),
	)
	em.Emit(mark, message)
	return nil
}
