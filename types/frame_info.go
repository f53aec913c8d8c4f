// frame_info.go defines the geometry and layout of a surface.

package types

import (
	"fmt"
)

type Resolution struct {
	Width  uint32 `yaml:"width"`
	Height uint32 `yaml:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

func (r *Resolution) Parse(s string) error {
	_, err := fmt.Sscanf(s, "%dx%d", &r.Width, &r.Height)
	if err != nil {
		return fmt.Errorf("unable to parse resolution '%s': %w", s, err)
	}
	return nil
}

// Fits reports whether a picture of resolution "r" can be stored in a
// buffer allocated for resolution "container".
func (r Resolution) Fits(container Resolution) bool {
	return r.Width <= container.Width && r.Height <= container.Height
}

// FrameInfo describes a surface: the allocated geometry, the visible
// (cropped) area and the pixel layout.
type FrameInfo struct {
	Resolution `yaml:",inline"`
	Crop       Resolution  `yaml:"crop"`
	Format     PixelFormat `yaml:"format"`
}

func (i FrameInfo) String() string {
	return fmt.Sprintf("%s(%s crop:%s)", i.Format, i.Resolution, i.Crop)
}

// Visible returns the cropped resolution, or the full one if no crop is set.
func (i FrameInfo) Visible() Resolution {
	if i.Crop.Width == 0 || i.Crop.Height == 0 {
		return i.Resolution
	}
	return i.Crop
}

func (i FrameInfo) FrameSize() int {
	return i.Format.FrameSize(i.Width, i.Height)
}

// Fits reports whether a frame described by "i" can be held by a surface
// allocated with "container".
func (i FrameInfo) Fits(container FrameInfo) bool {
	return i.Format == container.Format && i.Resolution.Fits(container.Resolution)
}
