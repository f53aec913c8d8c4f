// hardware_device_type.go defines the kind of accelerator a session is opened on.

// Package types provides the small value types shared by every hwcodec package.
package types

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

type HardwareDeviceType int

const (
	// the numbering follows libav's enum AVHWDeviceType, so that the value
	// can be passed to libav-backed devices as is:
	HardwareDeviceTypeNone         = HardwareDeviceType(0x0)
	HardwareDeviceTypeVDPAU        = HardwareDeviceType(0x1)
	HardwareDeviceTypeCUDA         = HardwareDeviceType(0x2)
	HardwareDeviceTypeVAAPI        = HardwareDeviceType(0x3)
	HardwareDeviceTypeDXVA2        = HardwareDeviceType(0x4)
	HardwareDeviceTypeQSV          = HardwareDeviceType(0x5)
	HardwareDeviceTypeVideoToolbox = HardwareDeviceType(0x6)
	HardwareDeviceTypeD3D11VA      = HardwareDeviceType(0x7)
	HardwareDeviceTypeDRM          = HardwareDeviceType(0x8)
	HardwareDeviceTypeOpenCL       = HardwareDeviceType(0x9)
	HardwareDeviceTypeMediaCodec   = HardwareDeviceType(0xa)
	HardwareDeviceTypeVulkan       = HardwareDeviceType(0xb)
	endOfHardwareDeviceType
)

func (t HardwareDeviceType) String() string {
	switch t {
	case HardwareDeviceTypeNone:
		return "none"
	case HardwareDeviceTypeVDPAU:
		return "vdpau"
	case HardwareDeviceTypeCUDA:
		return "cuda"
	case HardwareDeviceTypeVAAPI:
		return "vaapi"
	case HardwareDeviceTypeDXVA2:
		return "dxva2"
	case HardwareDeviceTypeQSV:
		return "qsv"
	case HardwareDeviceTypeVideoToolbox:
		return "videotoolbox"
	case HardwareDeviceTypeD3D11VA:
		return "d3d11va"
	case HardwareDeviceTypeDRM:
		return "drm"
	case HardwareDeviceTypeOpenCL:
		return "opencl"
	case HardwareDeviceTypeMediaCodec:
		return "mediacodec"
	case HardwareDeviceTypeVulkan:
		return "vulkan"
	}
	return fmt.Sprintf("unknown_%X", int64(t))
}

// IsHardware reports whether the type denotes an actual accelerator.
func (t HardwareDeviceType) IsHardware() bool {
	return t > HardwareDeviceTypeNone && t < endOfHardwareDeviceType
}

func HardwareDeviceTypeFromString(s string) (HardwareDeviceType, error) {
	s = strings.Trim(strings.ToLower(s), " \"\n\r\t")
	if s == "" {
		return HardwareDeviceTypeNone, nil
	}
	for candidate := HardwareDeviceTypeNone; candidate < endOfHardwareDeviceType; candidate++ {
		if candidate.String() == s {
			return candidate, nil
		}
	}
	return HardwareDeviceTypeNone, fmt.Errorf("unknown hardware device type: '%s'", s)
}

func (t *HardwareDeviceType) Set(s string) error {
	v, err := HardwareDeviceTypeFromString(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func (t HardwareDeviceType) Type() string {
	return "hardware-device-type"
}

func (t *HardwareDeviceType) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("unable to decode the hardware device type: %w", err)
	}
	return t.Set(s)
}

func (t HardwareDeviceType) MarshalYAML() (any, error) {
	return t.String(), nil
}
