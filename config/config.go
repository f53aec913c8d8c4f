// config.go defines the YAML configuration of a benchmark run.

// Package config loads the description of a benchmark pipeline: the
// device backend, the codec and its options, and the synthetic input.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	codectypes "github.com/xaionaro-go/hwcodec/codec/types"
	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/device/libav"
	"github.com/xaionaro-go/hwcodec/device/simulated"
	"github.com/xaionaro-go/hwcodec/types"
	"gopkg.in/yaml.v3"
)

type DeviceKind string

const (
	DeviceKindSimulated = DeviceKind("simulated")
	DeviceKindLibav     = DeviceKind("libav")
)

type SimulatedDevice struct {
	HardwareAvailable bool          `yaml:"hardware_available"`
	QueueCapacity     int           `yaml:"queue_capacity"`
	Latency           time.Duration `yaml:"latency"`
	ReleaseLag        time.Duration `yaml:"release_lag"`
	DecodeDelay       int           `yaml:"decode_delay"`
	Alignment         uint32        `yaml:"alignment"`
}

func (cfg SimulatedDevice) Config() simulated.Config {
	return simulated.Config{
		HardwareAvailable: cfg.HardwareAvailable,
		QueueCapacity:     cfg.QueueCapacity,
		Latency:           cfg.Latency,
		ReleaseLag:        cfg.ReleaseLag,
		DecodeDelay:       cfg.DecodeDelay,
		Alignment:         cfg.Alignment,
	}
}

type Device struct {
	Kind      DeviceKind      `yaml:"kind"`
	Simulated SimulatedDevice `yaml:"simulated,omitempty"`
	Libav     libav.Config    `yaml:"libav,omitempty"`
}

// New constructs the configured device.
func (cfg Device) New() (device.Device, error) {
	switch cfg.Kind {
	case DeviceKindSimulated:
		return simulated.New(cfg.Simulated.Config()), nil
	case DeviceKindLibav:
		return libav.New(cfg.Libav), nil
	default:
		return nil, fmt.Errorf("unknown device kind '%s'", cfg.Kind)
	}
}

// Input describes the synthetic raw frames fed to the encoder.
type Input struct {
	Frames     uint              `yaml:"frames"`
	Resolution types.Resolution  `yaml:"resolution"`
	Format     types.PixelFormat `yaml:"format"`
	FrameRate  float64           `yaml:"frame_rate"`

	// ResolutionChangeAt switches the input to ChangedResolution starting
	// from the given frame (0 disables the switch).
	ResolutionChangeAt uint             `yaml:"resolution_change_at,omitempty"`
	ChangedResolution  types.Resolution `yaml:"changed_resolution,omitempty"`
}

type Config struct {
	Device Device `yaml:"device"`
	Codec  string `yaml:"codec"`
	Input  Input  `yaml:"input"`

	// OutputSize makes the encoder scale the input (0x0 keeps the input size).
	OutputSize types.Resolution `yaml:"output_size,omitempty"`

	Encoder codectypes.Options `yaml:"encoder"`
	Decoder codectypes.Options `yaml:"decoder"`

	// ShareContext makes the decoder reuse the device context of the encoder.
	ShareContext bool `yaml:"share_context"`
}

func Default() Config {
	sim := simulated.DefaultConfig()
	return Config{
		Device: Device{
			Kind: DeviceKindSimulated,
			Simulated: SimulatedDevice{
				HardwareAvailable: sim.HardwareAvailable,
				QueueCapacity:     sim.QueueCapacity,
				Latency:           sim.Latency,
				ReleaseLag:        sim.ReleaseLag,
				DecodeDelay:       sim.DecodeDelay,
				Alignment:         sim.Alignment,
			},
		},
		Codec: device.CodecIDH264.String(),
		Input: Input{
			Frames:     300,
			Resolution: types.Resolution{Width: 1280, Height: 720},
			Format:     types.PixelFormatNV12,
			FrameRate:  30,
		},
		Encoder:      codectypes.Default(),
		Decoder:      codectypes.Default(),
		ShareContext: true,
	}
}

func (cfg Config) CodecID() (device.CodecID, error) {
	return device.CodecIDFromString(cfg.Codec)
}

func (cfg Config) Validate() error {
	var errs []error
	if _, err := cfg.CodecID(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Input.Frames == 0 {
		errs = append(errs, fmt.Errorf("input.frames must be positive"))
	}
	if cfg.Input.Resolution.Width == 0 || cfg.Input.Resolution.Height == 0 {
		errs = append(errs, fmt.Errorf("input.resolution must be set"))
	}
	if cfg.Input.Format == types.UndefinedPixelFormat {
		errs = append(errs, fmt.Errorf("input.format must be set"))
	}
	if err := cfg.Encoder.WithDefaults().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("encoder: %w", err))
	}
	if err := cfg.Decoder.WithDefaults().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("decoder: %w", err))
	}
	return errors.Join(errs...)
}

// Read parses the configuration on top of the defaults. Unknown keys are
// rejected.
func Read(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("unable to parse the config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func ReadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("unable to read the config file '%s': %w", path, err)
	}
	return Read(bytes.NewReader(data))
}

func (cfg Config) Bytes() ([]byte, error) {
	return yaml.Marshal(cfg)
}
