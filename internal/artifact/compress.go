package artifact

import (
	"fmt"
	"strings"

	"github.com/golang/snappy"
)

// Compressor 作用于写入磁盘层的字节，读取时还原。
type Compressor interface {
	Name() string
	Compress(src []byte) []byte
	Decompress(src []byte) ([]byte, error)
}

// None 原样保存字节。
var None Compressor = noneCompressor{}

// Snappy 使用 snappy block 格式压缩。
var Snappy Compressor = snappyCompressor{}

// CompressorByName 解析配置中的压缩名称，空字符串等同于 none。
func CompressorByName(name string) (Compressor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return None, nil
	case "snappy":
		return Snappy, nil
	}
	return nil, fmt.Errorf("unknown compression %q", name)
}

type noneCompressor struct{}

func (noneCompressor) Name() string                          { return "none" }
func (noneCompressor) Compress(src []byte) []byte            { return src }
func (noneCompressor) Decompress(src []byte) ([]byte, error) { return src, nil }

type snappyCompressor struct{}

func (snappyCompressor) Name() string { return "snappy" }

func (snappyCompressor) Compress(src []byte) []byte {
	return snappy.Encode(nil, src)
}

func (snappyCompressor) Decompress(src []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, fmt.Errorf("%w: snappy: %w", ErrDecode, err)
	}
	return out, nil
}
