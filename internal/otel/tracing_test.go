package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRatio(t *testing.T) {
	assert.Equal(t, 0.25, ratio("0.25"))
	assert.Equal(t, 1.0, ratio(""))
	assert.Equal(t, 1.0, ratio("2"))
	assert.Equal(t, 1.0, ratio("abc"))
}

func TestSamplerFor(t *testing.T) {
	parentAlwaysOn := "ParentBased{root:AlwaysOnSampler,remoteParentSampled:AlwaysOnSampler,remoteParentNotSampled:AlwaysOffSampler,localParentSampled:AlwaysOnSampler,localParentNotSampled:AlwaysOffSampler}"

	tests := []struct {
		name string
		arg  string
		want string
	}{
		{"always_on", "", "AlwaysOnSampler"},
		{"always_off", "", "AlwaysOffSampler"},
		{"traceidratio", "0.5", "TraceIDRatioBased{0.5}"},
		{"parentbased_always_on", "", parentAlwaysOn},
		{"something_else", "", parentAlwaysOn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, samplerFor(tt.name, tt.arg).Description())
		})
	}
}

func TestSettingsFromEnv(t *testing.T) {
	for _, k := range []string{
		"OTEL_SDK_DISABLED", "OTEL_SERVICE_NAME", "OTEL_EXPORTER_OTLP_PROTOCOL",
		"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "OTEL_TRACES_SAMPLER", "OTEL_TRACES_SAMPLER_ARG",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4317")

	s := settingsFromEnv()

	assert.False(t, s.disabled)
	assert.Equal(t, "modelopt", s.service)
	assert.Equal(t, "grpc", s.protocol)
	assert.Equal(t, "http://collector:4317", s.endpoint)
	assert.Equal(t, "parentbased_traceidratio", s.sampler)

	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "http://traces:4318")
	assert.Equal(t, "http://traces:4318", settingsFromEnv().endpoint)
}

func TestNewExporterRejectsUnknownProtocol(t *testing.T) {
	_, err := newExporter(context.Background(), "carrier-pigeon")
	assert.ErrorContains(t, err, `unsupported OTLP protocol "carrier-pigeon"`)
}

func TestInitWithoutExporter(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		t.Setenv("OTEL_SDK_DISABLED", "true")
		t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4317")

		shutdown, err := Init(context.Background(), zap.NewNop())
		require.NoError(t, err)
		assert.NoError(t, shutdown(context.Background()))
	})

	t.Run("no endpoint", func(t *testing.T) {
		t.Setenv("OTEL_SDK_DISABLED", "")
		t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
		t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "")

		shutdown, err := Init(context.Background(), zap.NewNop())
		require.NoError(t, err)
		assert.NoError(t, shutdown(context.Background()))
	})
}
