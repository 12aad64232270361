package vtex

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gekko3d/vtex/vt/core"
	"gopkg.in/yaml.v3"
)

// Settings is the configuration surface of one virtual texture.
type Settings struct {
	IsEnable              bool    `yaml:"is_enable"`
	TileSize              uint32  `yaml:"tile_size"`
	PhysicalTextureSize   uint32  `yaml:"physical_texture_size"`
	VirtualTextureSize    uint32  `yaml:"virtual_texture_size"`
	FeedbackBufferDivisor uint32  `yaml:"feedback_buffer_divisor"`
	MipmapLevelBias       float32 `yaml:"mipmap_level_bias"`
	MipmapLevelScale      float32 `yaml:"mipmap_level_scale"`
	FeedbackBias          float32 `yaml:"feedback_bias"`

	// Workers bounds concurrent tile loads.
	Workers int `yaml:"workers"`
	// CompletionQueueSize bounds loaded tiles waiting for upload.
	CompletionQueueSize int `yaml:"completion_queue_size"`
	// MaxUploadsPerFrame caps tiles drained per frame; 0 is unlimited.
	MaxUploadsPerFrame int `yaml:"max_uploads_per_frame"`
	// FailureRetryFrames is how long a failed tile is not requested again.
	FailureRetryFrames uint64 `yaml:"failure_retry_frames"`
	// DeferredTTLFrames drops a loaded tile that found no slot and has not
	// been requested for that many frames.
	DeferredTTLFrames uint64 `yaml:"deferred_ttl_frames"`
	// PinFallbackMip keeps the single tile of the coarsest mip resident.
	PinFallbackMip bool   `yaml:"pin_fallback_mip"`
	FeedbackID     uint32 `yaml:"feedback_id"`
	Debug          bool   `yaml:"debug"`
}

func DefaultSettings() Settings {
	return Settings{
		IsEnable:              true,
		TileSize:              256,
		PhysicalTextureSize:   4096,
		VirtualTextureSize:    512000,
		FeedbackBufferDivisor: 10,
		Workers:               4,
		CompletionQueueSize:   256,
		MaxUploadsPerFrame:    32,
		FailureRetryFrames:    60,
		DeferredTTLFrames:     120,
		PinFallbackMip:        true,
	}
}

// ParseSettings decodes YAML on top of DefaultSettings. Unknown keys are an
// error.
func ParseSettings(data []byte) (Settings, error) {
	s := DefaultSettings()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return Settings{}, fmt.Errorf("failed to parse virtual texture settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func LoadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read settings %s: %w", path, err)
	}
	return ParseSettings(data)
}

// Validate checks the size ratios and engine options.
func (s Settings) Validate() error {
	if _, err := s.Config(); err != nil {
		return err
	}
	if s.FeedbackBufferDivisor == 0 {
		return fmt.Errorf("%w: feedback_buffer_divisor must be at least 1", core.ErrInvalidConfiguration)
	}
	if s.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1", core.ErrInvalidConfiguration)
	}
	if s.CompletionQueueSize < 1 {
		return fmt.Errorf("%w: completion_queue_size must be at least 1", core.ErrInvalidConfiguration)
	}
	if s.MaxUploadsPerFrame < 0 {
		return fmt.Errorf("%w: max_uploads_per_frame is negative", core.ErrInvalidConfiguration)
	}
	if s.FeedbackID == 0xFFFFFFFF {
		return fmt.Errorf("%w: feedback_id collides with the cleared feedback value", core.ErrInvalidConfiguration)
	}
	return nil
}

func (s Settings) Config() (core.Config, error) {
	return core.NewConfig(s.PhysicalTextureSize, s.VirtualTextureSize, s.TileSize)
}
