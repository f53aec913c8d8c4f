// params.go defines the parameters an operation is initialized with.

package device

import (
	"fmt"

	"github.com/xaionaro-go/hwcodec/types"
)

type Role int

const (
	UndefinedRole Role = iota
	RoleDecode
	RoleEncode
	RoleVPP
	EndOfRole
)

func (r Role) String() string {
	switch r {
	case UndefinedRole:
		return "<undefined>"
	case RoleDecode:
		return "decode"
	case RoleEncode:
		return "encode"
	case RoleVPP:
		return "vpp"
	default:
		return fmt.Sprintf("<unexpected_%d>", int(r))
	}
}

func (r Role) JobType() types.JobType {
	switch r {
	case RoleDecode:
		return types.JobTypeDecode
	case RoleEncode:
		return types.JobTypeEncode
	case RoleVPP:
		return types.JobTypeVPP
	default:
		return types.JobTypeNone
	}
}

type CodecID int

const (
	CodecIDUndefined CodecID = iota
	CodecIDH264
	CodecIDHEVC
	CodecIDMJPEG
	CodecIDAV1
	EndOfCodecID
)

func (id CodecID) String() string {
	switch id {
	case CodecIDUndefined:
		return "<undefined>"
	case CodecIDH264:
		return "h264"
	case CodecIDHEVC:
		return "hevc"
	case CodecIDMJPEG:
		return "mjpeg"
	case CodecIDAV1:
		return "av1"
	default:
		return fmt.Sprintf("<unexpected_%d>", int(id))
	}
}

func CodecIDFromString(s string) (CodecID, error) {
	for id := CodecIDH264; id < EndOfCodecID; id++ {
		if id.String() == s {
			return id, nil
		}
	}
	return CodecIDUndefined, fmt.Errorf("unknown codec '%s'", s)
}

type RateControlMethod int

const (
	RateControlUndefined RateControlMethod = iota
	RateControlCBR
	RateControlVBR
	RateControlCQP
	RateControlAVBR
)

func (m RateControlMethod) String() string {
	switch m {
	case RateControlUndefined:
		return "<undefined>"
	case RateControlCBR:
		return "cbr"
	case RateControlVBR:
		return "vbr"
	case RateControlCQP:
		return "cqp"
	case RateControlAVBR:
		return "avbr"
	default:
		return fmt.Sprintf("<unexpected_%d>", int(m))
	}
}

// Params are the operation parameters negotiated with the device.
type Params struct {
	Role    Role
	CodecID CodecID

	// Info is the frame geometry the operation works on: the decoded
	// output, the encoder input or the VPP output.
	Info types.FrameInfo

	// InputInfo is the VPP input geometry; unused by codecs.
	InputInfo types.FrameInfo

	// Denoise is the VPP denoising strength (0 disables it).
	Denoise float64

	AsyncDepth int

	// encoder only:
	RateControl   RateControlMethod
	TargetBitrate uint64
	MaxBitrate    uint64
	QP            uint8
	GOPSize       int
	BFrames       int
	RefFrames     int
	FrameRate     float64

	// Profile and Level are codec-specific values filled by the codec variant.
	Profile int
	Level   int
}

func (p Params) String() string {
	return fmt.Sprintf("%s:%s:%s(async_depth:%d)", p.Role, p.CodecID, p.Info, p.AsyncDepth)
}

// SyncPoint is the handle of a submitted-but-not-finished operation.
type SyncPoint interface {
	fmt.Stringer
}

// Bitstream is a unit of compressed data.
type Bitstream struct {
	Data []byte

	// Offset is the amount of Data the device has already consumed.
	Offset int

	PTS       int64
	DTS       int64
	KeyFrame  bool
	FrameType FrameType
}

func (bs *Bitstream) Remaining() []byte {
	if bs == nil || bs.Offset >= len(bs.Data) {
		return nil
	}
	return bs.Data[bs.Offset:]
}

func (bs *Bitstream) Reset() {
	bs.Data = bs.Data[:0]
	bs.Offset = 0
	bs.PTS = 0
	bs.DTS = 0
	bs.KeyFrame = false
	bs.FrameType = FrameTypeUnknown
}

type FrameType uint8

const (
	FrameTypeUnknown FrameType = iota
	FrameTypeI
	FrameTypeP
	FrameTypeB
	FrameTypeIDR
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeUnknown:
		return "?"
	case FrameTypeI:
		return "I"
	case FrameTypeP:
		return "P"
	case FrameTypeB:
		return "B"
	case FrameTypeIDR:
		return "IDR"
	default:
		return fmt.Sprintf("<unexpected_%d>", int(t))
	}
}

// EncodeControl carries per-frame encoder instructions.
type EncodeControl struct {
	ForceKeyFrame bool
}
