// job_type.go defines the bitmask of pipeline roles sharing a device context.

package types

import (
	"strings"
)

type JobType uint8

const (
	JobTypeDecode JobType = 1 << iota
	JobTypeEncode
	JobTypeVPP

	JobTypeNone JobType = 0
)

func (t JobType) Has(other JobType) bool {
	return other != 0 && t&other == other
}

func (t JobType) String() string {
	if t == JobTypeNone {
		return "none"
	}
	var parts []string
	if t.Has(JobTypeDecode) {
		parts = append(parts, "decode")
	}
	if t.Has(JobTypeEncode) {
		parts = append(parts, "encode")
	}
	if t.Has(JobTypeVPP) {
		parts = append(parts, "vpp")
	}
	return strings.Join(parts, "|")
}
