// convert.go converts surface memory to and from Go images.

package simulated

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"

	"github.com/xaionaro-go/hwcodec/types"
)

func chromaSize(info types.FrameInfo) (int, int) {
	return int((info.Width + 1) / 2), int((info.Height + 1) / 2)
}

// ToImage returns the visible area of the surface memory as an image.
func ToImage(info types.FrameInfo, data []byte) (image.Image, error) {
	if len(data) < info.FrameSize() {
		return nil, fmt.Errorf("the buffer is too short: %d < %d", len(data), info.FrameSize())
	}
	visible := info.Visible()
	rect := image.Rect(0, 0, int(visible.Width), int(visible.Height))
	w, h := int(info.Width), int(info.Height)
	cw, ch := chromaSize(info)

	switch info.Format {
	case types.PixelFormatNV12, types.PixelFormatI420, types.PixelFormatP010:
		img := image.NewYCbCr(rect, image.YCbCrSubsampleRatio420)
		for y := 0; y < rect.Dy(); y++ {
			for x := 0; x < rect.Dx(); x++ {
				img.Y[img.YOffset(x, y)] = lumaAt(info.Format, data, w, x, y)
			}
		}
		for y := 0; y < (rect.Dy()+1)/2; y++ {
			for x := 0; x < (rect.Dx()+1)/2; x++ {
				cb, cr := chromaAt(info.Format, data, w, h, cw, ch, x, y)
				off := img.COffset(2*x, 2*y)
				img.Cb[off] = cb
				img.Cr[off] = cr
			}
		}
		return img, nil
	case types.PixelFormatYUY2:
		img := image.NewYCbCr(rect, image.YCbCrSubsampleRatio422)
		stride := 2 * w
		for y := 0; y < rect.Dy(); y++ {
			for x := 0; x < rect.Dx(); x++ {
				img.Y[img.YOffset(x, y)] = data[y*stride+2*x]
				if x%2 == 0 && x+1 < w {
					pair := y*stride + 4*(x/2)
					off := img.COffset(x, y)
					img.Cb[off] = data[pair+1]
					img.Cr[off] = data[pair+3]
				}
			}
		}
		return img, nil
	case types.PixelFormatBGRA:
		img := image.NewRGBA(rect)
		stride := 4 * w
		for y := 0; y < rect.Dy(); y++ {
			for x := 0; x < rect.Dx(); x++ {
				src := data[y*stride+4*x:]
				dst := img.Pix[img.PixOffset(x, y):]
				dst[0], dst[1], dst[2], dst[3] = src[2], src[1], src[0], src[3]
			}
		}
		return img, nil
	default:
		return nil, fmt.Errorf("unsupported pixel format %s", info.Format)
	}
}

func lumaAt(f types.PixelFormat, data []byte, w, x, y int) uint8 {
	if f == types.PixelFormatP010 {
		return uint8(binary.LittleEndian.Uint16(data[2*(y*w+x):]) >> 8)
	}
	return data[y*w+x]
}

func chromaAt(f types.PixelFormat, data []byte, w, h, cw, ch, x, y int) (uint8, uint8) {
	lumaSize := w * h
	switch f {
	case types.PixelFormatNV12:
		off := lumaSize + y*2*cw + 2*x
		return data[off], data[off+1]
	case types.PixelFormatI420:
		planeSize := cw * ch
		off := y*cw + x
		return data[lumaSize+off], data[lumaSize+planeSize+off]
	case types.PixelFormatP010:
		off := 2*lumaSize + 2*(y*2*cw+2*x)
		return uint8(binary.LittleEndian.Uint16(data[off:]) >> 8), uint8(binary.LittleEndian.Uint16(data[off+2:]) >> 8)
	}
	return 0x80, 0x80
}

// FromImage writes the image into the visible area of the surface memory.
// The image must have the visible size of the surface.
func FromImage(img image.Image, info types.FrameInfo, data []byte) error {
	if len(data) < info.FrameSize() {
		return fmt.Errorf("the buffer is too short: %d < %d", len(data), info.FrameSize())
	}
	visible := info.Visible()
	bounds := img.Bounds()
	if bounds.Dx() != int(visible.Width) || bounds.Dy() != int(visible.Height) {
		return fmt.Errorf("the image is %dx%d, while the surface is %s", bounds.Dx(), bounds.Dy(), visible)
	}
	w := int(info.Width)
	cw, ch := chromaSize(info)
	lumaSize := w * int(info.Height)

	at := func(x, y int) color.YCbCr {
		return color.YCbCrModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.YCbCr)
	}

	switch info.Format {
	case types.PixelFormatNV12, types.PixelFormatI420, types.PixelFormatP010:
		for y := 0; y < bounds.Dy(); y++ {
			for x := 0; x < bounds.Dx(); x++ {
				c := at(x, y)
				if info.Format == types.PixelFormatP010 {
					binary.LittleEndian.PutUint16(data[2*(y*w+x):], uint16(c.Y)<<8)
				} else {
					data[y*w+x] = c.Y
				}
				if x%2 != 0 || y%2 != 0 {
					continue
				}
				cx, cy := x/2, y/2
				switch info.Format {
				case types.PixelFormatNV12:
					off := lumaSize + cy*2*cw + 2*cx
					data[off], data[off+1] = c.Cb, c.Cr
				case types.PixelFormatI420:
					off := cy*cw + cx
					data[lumaSize+off] = c.Cb
					data[lumaSize+cw*ch+off] = c.Cr
				case types.PixelFormatP010:
					off := 2*lumaSize + 2*(cy*2*cw+2*cx)
					binary.LittleEndian.PutUint16(data[off:], uint16(c.Cb)<<8)
					binary.LittleEndian.PutUint16(data[off+2:], uint16(c.Cr)<<8)
				}
			}
		}
	case types.PixelFormatYUY2:
		stride := 2 * w
		for y := 0; y < bounds.Dy(); y++ {
			for x := 0; x < bounds.Dx(); x++ {
				c := at(x, y)
				data[y*stride+2*x] = c.Y
				if x%2 == 0 && x+1 < w {
					pair := y*stride + 4*(x/2)
					data[pair+1] = c.Cb
					data[pair+3] = c.Cr
				}
			}
		}
	case types.PixelFormatBGRA:
		stride := 4 * w
		for y := 0; y < bounds.Dy(); y++ {
			for x := 0; x < bounds.Dx(); x++ {
				c := color.RGBAModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.RGBA)
				dst := data[y*stride+4*x:]
				dst[0], dst[1], dst[2], dst[3] = c.B, c.G, c.R, c.A
			}
		}
	default:
		return fmt.Errorf("unsupported pixel format %s", info.Format)
	}
	return nil
}
