package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// DefaultGatingDivisor divides the frame diagonal to obtain the association
// gate, so a 1920x1080 frame gates at roughly 92 px.
const DefaultGatingDivisor = 24.0

// TuningConfig holds the tracker's tunable parameters. Every field is
// optional; the Get* accessors supply the default for fields left unset so
// partial files are safe.
type TuningConfig struct {
	// Stream geometry, used when the frame source does not announce it.
	FPS         *float64 `json:"fps,omitempty" yaml:"fps,omitempty" validate:"omitempty,gt=0"`
	FrameWidth  *int     `json:"frame_width,omitempty" yaml:"frame_width,omitempty" validate:"omitempty,gt=0"`
	FrameHeight *int     `json:"frame_height,omitempty" yaml:"frame_height,omitempty" validate:"omitempty,gt=0"`

	// Kalman filter parameters applied to every new track.
	ControlX *float64 `json:"control_x,omitempty" yaml:"control_x,omitempty"`
	ControlY *float64 `json:"control_y,omitempty" yaml:"control_y,omitempty"`
	StdAcc   *float64 `json:"std_acc,omitempty" yaml:"std_acc,omitempty" validate:"omitempty,gte=0"`
	StdMeasX *float64 `json:"std_meas_x,omitempty" yaml:"std_meas_x,omitempty" validate:"omitempty,gt=0"`
	StdMeasY *float64 `json:"std_meas_y,omitempty" yaml:"std_meas_y,omitempty" validate:"omitempty,gt=0"`

	// Association gate. GatingThreshold, when set, overrides the
	// diagonal/GatingDivisor rule with an absolute distance.
	GatingDivisor   *float64 `json:"gating_divisor,omitempty" yaml:"gating_divisor,omitempty" validate:"omitempty,gt=0"`
	GatingThreshold *float64 `json:"gating_threshold,omitempty" yaml:"gating_threshold,omitempty" validate:"omitempty,gt=0"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields unset.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON or YAML file, chosen by
// extension (.json, .yaml, .yml). Fields omitted from the file keep their
// defaults.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents up to the repository
// root. Panics if the file cannot be loaded; intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

var validate = validator.New()

// Validate checks field ranges with struct tags and the cross-field rules
// the tags cannot express.
func (c *TuningConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	for name, v := range map[string]*float64{
		"fps":              c.FPS,
		"control_x":        c.ControlX,
		"control_y":        c.ControlY,
		"std_acc":          c.StdAcc,
		"std_meas_x":       c.StdMeasX,
		"std_meas_y":       c.StdMeasY,
		"gating_divisor":   c.GatingDivisor,
		"gating_threshold": c.GatingThreshold,
	} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return fmt.Errorf("%s must be finite, got %v", name, *v)
		}
	}
	return nil
}

// GetFPS returns the fps value or the default.
func (c *TuningConfig) GetFPS() float64 {
	if c.FPS == nil {
		return 30
	}
	return *c.FPS
}

// GetFrameWidth returns the frame_width value or the default.
func (c *TuningConfig) GetFrameWidth() int {
	if c.FrameWidth == nil {
		return 1280
	}
	return *c.FrameWidth
}

// GetFrameHeight returns the frame_height value or the default.
func (c *TuningConfig) GetFrameHeight() int {
	if c.FrameHeight == nil {
		return 720
	}
	return *c.FrameHeight
}

// GetControlX returns the control_x value or the default.
func (c *TuningConfig) GetControlX() float64 {
	if c.ControlX == nil {
		return 1
	}
	return *c.ControlX
}

// GetControlY returns the control_y value or the default.
func (c *TuningConfig) GetControlY() float64 {
	if c.ControlY == nil {
		return 1
	}
	return *c.ControlY
}

// GetStdAcc returns the std_acc value or the default.
func (c *TuningConfig) GetStdAcc() float64 {
	if c.StdAcc == nil {
		return 1
	}
	return *c.StdAcc
}

// GetStdMeasX returns the std_meas_x value or the default.
func (c *TuningConfig) GetStdMeasX() float64 {
	if c.StdMeasX == nil {
		return 0.1
	}
	return *c.StdMeasX
}

// GetStdMeasY returns the std_meas_y value or the default.
func (c *TuningConfig) GetStdMeasY() float64 {
	if c.StdMeasY == nil {
		return 0.1
	}
	return *c.StdMeasY
}

// GetGatingDivisor returns the gating_divisor value or the default.
func (c *TuningConfig) GetGatingDivisor() float64 {
	if c.GatingDivisor == nil {
		return DefaultGatingDivisor
	}
	return *c.GatingDivisor
}

// GetGatingThreshold returns the explicit gating_threshold and whether it
// was set.
func (c *TuningConfig) GetGatingThreshold() (float64, bool) {
	if c.GatingThreshold == nil {
		return 0, false
	}
	return *c.GatingThreshold, true
}
