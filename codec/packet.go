// packet.go defines the compressed units exchanged with the host.

package codec

import (
	"fmt"

	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/pool"
)

// Packet is a compressed unit: the input of a decoder and the output of
// an encoder.
type Packet struct {
	Data      []byte
	PTS       int64
	DTS       int64
	KeyFrame  bool
	FrameType device.FrameType
}

func (p *Packet) String() string {
	return fmt.Sprintf("Packet(%s; pts:%d; key:%t; %d bytes)", p.FrameType, p.PTS, p.KeyFrame, len(p.Data))
}

var bitstreamPool = pool.NewPool(
	func() *device.Bitstream {
		return &device.Bitstream{}
	},
	func(bs *device.Bitstream) {
		bs.Reset()
	},
)

func packetFromBitstream(bs *device.Bitstream) *Packet {
	return &Packet{
		Data:      append([]byte(nil), bs.Remaining()...),
		PTS:       bs.PTS,
		DTS:       bs.DTS,
		KeyFrame:  bs.KeyFrame,
		FrameType: bs.FrameType,
	}
}
