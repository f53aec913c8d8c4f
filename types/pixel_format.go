// pixel_format.go defines the raw pixel layouts a surface may hold.

package types

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

type PixelFormat int

const (
	UndefinedPixelFormat PixelFormat = iota
	PixelFormatNV12
	PixelFormatP010
	PixelFormatI420
	PixelFormatYUY2
	PixelFormatBGRA
	endOfPixelFormat
)

func (f PixelFormat) String() string {
	switch f {
	case UndefinedPixelFormat:
		return "<undefined>"
	case PixelFormatNV12:
		return "nv12"
	case PixelFormatP010:
		return "p010"
	case PixelFormatI420:
		return "i420"
	case PixelFormatYUY2:
		return "yuy2"
	case PixelFormatBGRA:
		return "bgra"
	default:
		return fmt.Sprintf("<unexpected_%d>", int(f))
	}
}

func PixelFormatFromString(s string) (PixelFormat, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for f := PixelFormatNV12; f < endOfPixelFormat; f++ {
		if f.String() == s {
			return f, nil
		}
	}
	return UndefinedPixelFormat, fmt.Errorf("unknown pixel format: '%s'", s)
}

// Plane is the geometry of one plane of a tightly packed frame.
type Plane struct {
	RowBytes int
	Rows     int
}

// Planes returns the planes of a tightly packed frame of the given resolution.
func (f PixelFormat) Planes(width, height uint32) []Plane {
	w, h := int(width), int(height)
	cw, ch := (w+1)/2, (h+1)/2
	switch f {
	case PixelFormatNV12:
		return []Plane{{RowBytes: w, Rows: h}, {RowBytes: 2 * cw, Rows: ch}}
	case PixelFormatP010:
		return []Plane{{RowBytes: 2 * w, Rows: h}, {RowBytes: 4 * cw, Rows: ch}}
	case PixelFormatI420:
		return []Plane{{RowBytes: w, Rows: h}, {RowBytes: cw, Rows: ch}, {RowBytes: cw, Rows: ch}}
	case PixelFormatYUY2:
		return []Plane{{RowBytes: 2 * w, Rows: h}}
	case PixelFormatBGRA:
		return []Plane{{RowBytes: 4 * w, Rows: h}}
	default:
		return nil
	}
}

// FrameSize returns the amount of bytes a tightly packed frame of
// the given resolution takes.
func (f PixelFormat) FrameSize(width, height uint32) int {
	size := 0
	for _, p := range f.Planes(width, height) {
		size += p.RowBytes * p.Rows
	}
	return size
}

// CopyPlanes copies the visible area of a frame between two buffers of the
// same pixel format but of different allocated geometry.
func CopyPlanes(dst []byte, dstInfo FrameInfo, src []byte, srcInfo FrameInfo) error {
	if dstInfo.Format != srcInfo.Format {
		return fmt.Errorf("pixel formats differ: %s != %s", dstInfo.Format, srcInfo.Format)
	}
	if len(dst) < dstInfo.FrameSize() || len(src) < srcInfo.FrameSize() {
		return fmt.Errorf("the buffers are too short: %d/%d, %d/%d", len(dst), dstInfo.FrameSize(), len(src), srcInfo.FrameSize())
	}
	visible := srcInfo.Visible()
	if !visible.Fits(dstInfo.Resolution) {
		return fmt.Errorf("%s does not fit into %s", visible, dstInfo.Resolution)
	}
	dstPlanes := dstInfo.Format.Planes(dstInfo.Width, dstInfo.Height)
	srcPlanes := srcInfo.Format.Planes(srcInfo.Width, srcInfo.Height)
	copyPlanes := srcInfo.Format.Planes(visible.Width, visible.Height)
	dstOffset, srcOffset := 0, 0
	for idx, p := range copyPlanes {
		for row := 0; row < p.Rows; row++ {
			copy(
				dst[dstOffset+row*dstPlanes[idx].RowBytes:][:p.RowBytes],
				src[srcOffset+row*srcPlanes[idx].RowBytes:][:p.RowBytes],
			)
		}
		dstOffset += dstPlanes[idx].RowBytes * dstPlanes[idx].Rows
		srcOffset += srcPlanes[idx].RowBytes * srcPlanes[idx].Rows
	}
	return nil
}

func (f *PixelFormat) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("unable to decode the pixel format: %w", err)
	}
	v, err := PixelFormatFromString(s)
	if err != nil {
		return err
	}
	*f = v
	return nil
}

func (f PixelFormat) MarshalYAML() (any, error) {
	return f.String(), nil
}
