package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"

	"modelopt/internal/fault"
)

const (
	DefaultDecimateRatio = 1.0
	DefaultDracoLevel    = 5
	MaxDracoLevel        = 10
	MaxTextureQuality    = 16384
)

// SettingsInput is the wire shape of optimize settings. Pointer fields
// distinguish "omitted" from zero values.
type SettingsInput struct {
	DecimateRatio  *float64 `json:"decimateRatio,omitempty"`
	DracoLevel     *float64 `json:"dracoLevel,omitempty"`
	TextureQuality *int     `json:"textureQuality,omitempty"`
	Weld           *bool    `json:"weld,omitempty"`
	Quantize       *bool    `json:"quantize,omitempty"`
	Draco          *bool    `json:"draco,omitempty"`
}

// OptimizeSettings is the validated, immutable form used by the pipeline.
type OptimizeSettings struct {
	DecimateRatio  float64 `json:"decimateRatio"`
	DracoLevel     int     `json:"dracoLevel"`
	TextureQuality int     `json:"textureQuality,omitempty"` // 0 means keep textures as-is
	Weld           bool    `json:"weld"`
	Quantize       bool    `json:"quantize"`
	Draco          bool    `json:"draco"`
}

// DefaultSettings returns the settings used when the caller sends none.
func DefaultSettings() OptimizeSettings {
	return OptimizeSettings{
		DecimateRatio: DefaultDecimateRatio,
		DracoLevel:    DefaultDracoLevel,
		Weld:          true,
		Quantize:      true,
		Draco:         true,
	}
}

// ParseSettings decodes and validates a settings payload. An empty payload
// yields DefaultSettings. Unknown fields are rejected.
func ParseSettings(raw []byte) (OptimizeSettings, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return DefaultSettings(), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var in SettingsInput
	if err := dec.Decode(&in); err != nil {
		return OptimizeSettings{}, fault.InvalidSettings("payload", "is not valid JSON: "+err.Error())
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return OptimizeSettings{}, fault.InvalidSettings("payload", "has trailing data")
	}
	return in.Validate()
}

// Validate applies defaults and range checks.
func (in SettingsInput) Validate() (OptimizeSettings, error) {
	s := DefaultSettings()

	if in.DecimateRatio != nil {
		r := *in.DecimateRatio
		if math.IsNaN(r) || r < 0 || r > 1 {
			return OptimizeSettings{}, fault.InvalidSettings("decimateRatio", "must be between 0 and 1")
		}
		s.DecimateRatio = r
	}
	if in.DracoLevel != nil {
		l := *in.DracoLevel
		if math.IsNaN(l) || l != math.Trunc(l) || l < 0 || l > MaxDracoLevel {
			return OptimizeSettings{}, fault.InvalidSettings("dracoLevel", "must be an integer between 0 and 10")
		}
		s.DracoLevel = int(l)
	}
	if in.TextureQuality != nil {
		q := *in.TextureQuality
		if q < 1 || q > MaxTextureQuality {
			return OptimizeSettings{}, fault.InvalidSettings("textureQuality", "must be between 1 and 16384")
		}
		s.TextureQuality = q
	}
	if in.Weld != nil {
		s.Weld = *in.Weld
	}
	if in.Quantize != nil {
		s.Quantize = *in.Quantize
	}
	if in.Draco != nil {
		s.Draco = *in.Draco
	}
	return s, nil
}
