// bitstream.go implements the elementary stream format produced by the
// simulated encoder and consumed by the simulated decoder.

package simulated

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/types"
)

// A unit is laid out as:
//
//	magic "SIMV" | flags u8 | frame type u8 | codec u8 | format u8 |
//	width u32 | height u32 | pts i64 | payload length u32 | payload
const (
	unitMagic      = "SIMV"
	unitHeaderSize = 4 + 1 + 1 + 1 + 1 + 4 + 4 + 8 + 4

	unitFlagKeyFrame       = 0x01
	unitFlagSequenceHeader = 0x02
)

// ErrIncompleteUnit means more data is needed to parse the unit.
var ErrIncompleteUnit = errors.New("incomplete unit")

type UnitHeader struct {
	KeyFrame          bool
	HasSequenceHeader bool
	FrameType         device.FrameType
	CodecID           device.CodecID
	Info              types.FrameInfo
	PTS               int64
}

// AppendUnit serializes a unit to the end of dst.
func AppendUnit(dst []byte, hdr UnitHeader, payload []byte) []byte {
	var flags uint8
	if hdr.KeyFrame {
		flags |= unitFlagKeyFrame
	}
	if hdr.HasSequenceHeader {
		flags |= unitFlagSequenceHeader
	}
	dst = append(dst, unitMagic...)
	dst = append(dst, flags, uint8(hdr.FrameType), uint8(hdr.CodecID), uint8(hdr.Info.Format))
	dst = binary.BigEndian.AppendUint32(dst, hdr.Info.Width)
	dst = binary.BigEndian.AppendUint32(dst, hdr.Info.Height)
	dst = binary.BigEndian.AppendUint64(dst, uint64(hdr.PTS))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// ParseUnit parses the unit at the beginning of data and returns the
// amount of bytes it occupies.
func ParseUnit(data []byte) (UnitHeader, []byte, int, error) {
	var hdr UnitHeader
	if len(data) < unitHeaderSize {
		return hdr, nil, 0, ErrIncompleteUnit
	}
	if string(data[:4]) != unitMagic {
		return hdr, nil, 0, fmt.Errorf("invalid unit magic %q", data[:4])
	}
	flags := data[4]
	hdr.KeyFrame = flags&unitFlagKeyFrame != 0
	hdr.HasSequenceHeader = flags&unitFlagSequenceHeader != 0
	hdr.FrameType = device.FrameType(data[5])
	hdr.CodecID = device.CodecID(data[6])
	hdr.Info.Format = types.PixelFormat(data[7])
	hdr.Info.Width = binary.BigEndian.Uint32(data[8:])
	hdr.Info.Height = binary.BigEndian.Uint32(data[12:])
	hdr.PTS = int64(binary.BigEndian.Uint64(data[16:]))
	payloadLen := int(binary.BigEndian.Uint32(data[24:]))
	total := unitHeaderSize + payloadLen
	if len(data) < total {
		return hdr, nil, 0, ErrIncompleteUnit
	}
	return hdr, data[unitHeaderSize:total], total, nil
}
