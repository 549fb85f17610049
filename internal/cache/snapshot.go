package cache

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Snapshot 是某个条目在 Get 时刻的只读视图。文件句柄在 Get 时打开，
// 之后的删除、淘汰或重新提交不会影响已打开的内容。
type Snapshot struct {
	cache      *DiskCache
	entry      *entry
	key        string
	generation uint64
	files      []*os.File
	sizes      []int64

	closeOnce sync.Once
}

// Key 返回条目 key。
func (s *Snapshot) Key() string {
	return s.key
}

// Generation 返回快照对应的提交代数，用于检测过期编辑。
func (s *Snapshot) Generation() uint64 {
	return s.generation
}

// Length 返回第 i 个 value 的字节数。
func (s *Snapshot) Length(i int) (int64, error) {
	if err := s.checkIndex(i); err != nil {
		return 0, err
	}
	return s.sizes[i], nil
}

// Reader 返回第 i 个 value 的读取流，多次调用共享同一游标。
func (s *Snapshot) Reader(i int) (io.Reader, error) {
	if err := s.checkIndex(i); err != nil {
		return nil, err
	}
	return s.files[i], nil
}

// Bytes 读取第 i 个 value 的完整内容，与 Reader 的游标互不影响。
func (s *Snapshot) Bytes(i int) ([]byte, error) {
	if err := s.checkIndex(i); err != nil {
		return nil, err
	}
	return io.ReadAll(io.NewSectionReader(s.files[i], 0, s.sizes[i]))
}

func (s *Snapshot) checkIndex(i int) error {
	if i < 0 || i >= len(s.files) {
		return fmt.Errorf("value index %d out of range [0,%d)", i, len(s.files))
	}
	return nil
}

// Edit 基于该快照开始编辑；如果条目在快照之后已被重新提交或删除，返回 ErrStaleSnapshot。
func (s *Snapshot) Edit() (*Editor, error) {
	return s.cache.edit(s.key, s.generation)
}

// Close 关闭文件句柄并释放对条目的淘汰保护。
func (s *Snapshot) Close() error {
	var firstErr error
	s.closeOnce.Do(func() {
		for _, f := range s.files {
			if err := f.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		s.cache.release(s.entry)
	})
	return firstErr
}
