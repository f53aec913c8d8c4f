package types

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// BitratePolicy selects how a bitrate change of a running encoder is applied.
type BitratePolicy int

const (
	// BitratePolicyAuto lets the codec variant decide.
	BitratePolicyAuto BitratePolicy = iota

	// BitratePolicyReset re-applies the parameters to the running device
	// session, keeping the surfaces.
	BitratePolicyReset

	// BitratePolicyHardReset drains the encoder and negotiates it again.
	BitratePolicyHardReset
	endOfBitratePolicy
)

func (p BitratePolicy) String() string {
	switch p {
	case BitratePolicyAuto:
		return "auto"
	case BitratePolicyReset:
		return "reset"
	case BitratePolicyHardReset:
		return "hard_reset"
	default:
		return fmt.Sprintf("<unexpected_%d>", int(p))
	}
}

func BitratePolicyFromString(s string) (BitratePolicy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p := BitratePolicyAuto; p < endOfBitratePolicy; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return BitratePolicyAuto, fmt.Errorf("unknown bitrate policy '%s'", s)
}

func (p *BitratePolicy) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("unable to decode the bitrate policy: %w", err)
	}
	v, err := BitratePolicyFromString(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (p BitratePolicy) MarshalYAML() (any, error) {
	return p.String(), nil
}
