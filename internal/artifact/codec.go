package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
)

// ErrDecode 表示字节无法解码为 Artifact。
var ErrDecode = errors.New("artifact decode failed")

// Codec 在原始字节与 Artifact 之间转换。
type Codec interface {
	Decode(key string, data []byte) (*Artifact, error)
	Encode(a *Artifact) ([]byte, error)
}

// ImageCodec 通过标准库的格式注册表解码 PNG/JPEG/GIF，统一编码为 PNG。
type ImageCodec struct{}

func (ImageCodec) Decode(key string, data []byte) (*Artifact, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s: empty payload", ErrDecode, key)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, key, err)
	}
	return &Artifact{Key: key, Image: img, Format: format}, nil
}

func (ImageCodec) Encode(a *Artifact) ([]byte, error) {
	if a == nil || a.Image == nil {
		return nil, errors.New("encode: empty artifact")
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, a.Image); err != nil {
		return nil, fmt.Errorf("encode %s: %w", a.Key, err)
	}
	return buf.Bytes(), nil
}
