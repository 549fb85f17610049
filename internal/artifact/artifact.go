// Package artifact defines the decoded value the tiers hand around and the
// codecs that turn fetched or persisted bytes into it.
package artifact

import (
	"image"
)

// Artifact 是解码后的资源，内存层持有它，磁盘层只保存其字节。
type Artifact struct {
	Key    string
	Image  image.Image
	Format string
}

// Footprint 估算 Artifact 解码后占用的字节数，作为内存层的权重。
func Footprint(a *Artifact) int64 {
	if a == nil || a.Image == nil {
		return 0
	}
	switch img := a.Image.(type) {
	case *image.RGBA:
		return int64(len(img.Pix))
	case *image.NRGBA:
		return int64(len(img.Pix))
	case *image.RGBA64:
		return int64(len(img.Pix))
	case *image.NRGBA64:
		return int64(len(img.Pix))
	case *image.Gray:
		return int64(len(img.Pix))
	case *image.Gray16:
		return int64(len(img.Pix))
	case *image.Alpha:
		return int64(len(img.Pix))
	case *image.Paletted:
		return int64(len(img.Pix)) + int64(len(img.Palette))*4
	case *image.YCbCr:
		return int64(len(img.Y) + len(img.Cb) + len(img.Cr))
	case *image.NYCbCrA:
		return int64(len(img.Y) + len(img.Cb) + len(img.Cr) + len(img.A))
	case *image.CMYK:
		return int64(len(img.Pix))
	}
	b := a.Image.Bounds()
	return int64(b.Dx()) * int64(b.Dy()) * 4
}
