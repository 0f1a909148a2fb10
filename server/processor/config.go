package processor

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/san-kum/knife-guard/server/detection"
)

// Config holds the tunables of the per-frame pipeline. In JSON the cooldown
// is carried in milliseconds as capture_cooldown_ms, the key Merge reads.
type Config struct {
	ConfidenceThreshold float64       `json:"confidence_threshold"`
	MinSizePixels       float64       `json:"min_size_pixels"`
	IoUThreshold        float64       `json:"nms_iou_threshold"`
	ModelSide           float64       `json:"model_input_side"`
	CaptureCooldown     time.Duration `json:"-"`
}

// jsonConfig has the fields of Config without its methods.
type jsonConfig Config

type wireConfig struct {
	jsonConfig
	CaptureCooldownMS int64 `json:"capture_cooldown_ms"`
}

func (c Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireConfig{
		jsonConfig:        jsonConfig(c),
		CaptureCooldownMS: c.CaptureCooldown.Milliseconds(),
	})
}

func (c *Config) UnmarshalJSON(data []byte) error {
	w := wireConfig{jsonConfig: jsonConfig(*c), CaptureCooldownMS: c.CaptureCooldown.Milliseconds()}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*c = Config(w.jsonConfig)
	c.CaptureCooldown = time.Duration(w.CaptureCooldownMS) * time.Millisecond
	return nil
}

func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.6,
		MinSizePixels:       70,
		IoUThreshold:        0.5,
		ModelSide:           detection.DefaultModelSide,
		CaptureCooldown:     2 * time.Second,
	}
}

func (c Config) Validate() error {
	var err error
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		err = multierr.Append(err, fmt.Errorf("confidence threshold %v outside [0,1]", c.ConfidenceThreshold))
	}
	if c.IoUThreshold < 0 || c.IoUThreshold > 1 {
		err = multierr.Append(err, fmt.Errorf("nms iou threshold %v outside [0,1]", c.IoUThreshold))
	}
	if c.MinSizePixels < 0 {
		err = multierr.Append(err, fmt.Errorf("min size %v must not be negative", c.MinSizePixels))
	}
	if c.ModelSide <= 0 {
		err = multierr.Append(err, fmt.Errorf("model input side %v must be positive", c.ModelSide))
	}
	if c.CaptureCooldown < 0 {
		err = multierr.Append(err, fmt.Errorf("capture cooldown %v must not be negative", c.CaptureCooldown))
	}
	return err
}

// Merge applies the keys present in overrides, as sent by clients in a
// "config" message, on top of c.
func (c Config) Merge(overrides map[string]any) Config {
	out := c
	if v, ok := overrides["confidence_threshold"].(float64); ok {
		out.ConfidenceThreshold = v
	}
	if v, ok := overrides["min_size_pixels"].(float64); ok {
		out.MinSizePixels = v
	}
	if v, ok := overrides["nms_iou_threshold"].(float64); ok {
		out.IoUThreshold = v
	}
	if v, ok := overrides["capture_cooldown_ms"].(float64); ok {
		out.CaptureCooldown = time.Duration(v) * time.Millisecond
	}
	return out
}
