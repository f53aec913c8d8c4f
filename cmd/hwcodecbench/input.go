// input.go generates the synthetic raw frames.

package main

import (
	"github.com/xaionaro-go/hwcodec/codec"
	"github.com/xaionaro-go/hwcodec/config"
	"github.com/xaionaro-go/hwcodec/types"
)

type frameGenerator struct {
	input  config.Input
	buffer []byte
}

func newFrameGenerator(input config.Input) *frameGenerator {
	return &frameGenerator{input: input}
}

func (g *frameGenerator) resolution(idx uint) types.Resolution {
	if g.input.ResolutionChangeAt > 0 && idx >= g.input.ResolutionChangeAt {
		return g.input.ChangedResolution
	}
	return g.input.Resolution
}

// Frame returns a gradient shifted by the frame index. The returned data
// is reused by the next call.
func (g *frameGenerator) Frame(idx uint) *codec.RawFrame {
	res := g.resolution(idx)
	info := types.FrameInfo{
		Resolution: res,
		Crop:       res,
		Format:     g.input.Format,
	}
	size := info.FrameSize()
	if cap(g.buffer) < size {
		g.buffer = make([]byte, size)
	}
	data := g.buffer[:size]
	shift := int(idx) * 4
	for i := range data {
		data[i] = byte(i + shift)
	}
	return &codec.RawFrame{
		Info: info,
		Data: data,
		PTS:  int64(idx),
	}
}
