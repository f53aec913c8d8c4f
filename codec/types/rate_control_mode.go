package types

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

type RateControlMode int

const (
	UndefinedRateControlMode RateControlMode = iota
	RateControlModeCBR
	RateControlModeVBR
	RateControlModeCQP
	RateControlModeAVBR
	endOfRateControlMode
)

func (m RateControlMode) String() string {
	switch m {
	case UndefinedRateControlMode:
		return "<undefined>"
	case RateControlModeCBR:
		return "cbr"
	case RateControlModeVBR:
		return "vbr"
	case RateControlModeCQP:
		return "cqp"
	case RateControlModeAVBR:
		return "avbr"
	default:
		return fmt.Sprintf("<unexpected_%d>", int(m))
	}
}

func RateControlModeFromString(s string) (RateControlMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m := RateControlModeCBR; m < endOfRateControlMode; m++ {
		if m.String() == s {
			return m, nil
		}
	}
	return UndefinedRateControlMode, fmt.Errorf("unknown rate control mode '%s'", s)
}

// Set implements pflag.Value.
func (m *RateControlMode) Set(s string) error {
	v, err := RateControlModeFromString(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Type implements pflag.Value.
func (m *RateControlMode) Type() string {
	return "rate-control-mode"
}

func (m *RateControlMode) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("unable to decode the rate control mode: %w", err)
	}
	return m.Set(s)
}

func (m RateControlMode) MarshalYAML() (any, error) {
	return m.String(), nil
}
