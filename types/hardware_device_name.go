// hardware_device_name.go defines the accelerator node name (e.g. "/dev/dri/renderD128").

package types

type HardwareDeviceName string

func (n HardwareDeviceName) String() string {
	if n == "" {
		return "<default>"
	}
	return string(n)
}
