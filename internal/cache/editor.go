package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// Editor 负责一次条目写入。写入先落到 <key>.<i>.tmp，Commit 时原子 rename 为正式文件。
// Editor 不是并发安全的，应由单个 goroutine 使用。
type Editor struct {
	cache     *DiskCache
	entry     *entry
	written   []bool
	writers   []*editorWriter
	hasErrors bool
	done      bool
}

// Key 返回正在编辑的 key。
func (ed *Editor) Key() string {
	return ed.entry.key
}

// NewWriter 返回第 i 个 value 的写入流，重复调用会覆盖之前写入的内容。
func (ed *Editor) NewWriter(i int) (io.WriteCloser, error) {
	if i < 0 || i >= ed.cache.valueCount {
		return nil, fmt.Errorf("value index %d out of range [0,%d)", i, ed.cache.valueCount)
	}
	if ed.done {
		return nil, ErrClosed
	}

	path := ed.cache.dirtyPath(ed.entry.key, i)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		// 目录可能被外部删除，重建一次后重试。
		if mkErr := os.MkdirAll(ed.cache.dir, 0o755); mkErr == nil {
			f, err = os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		}
	}
	if err != nil {
		ed.hasErrors = true
		return nil, err
	}

	ed.written[i] = true
	w := &editorWriter{file: f, editor: ed}
	ed.writers = append(ed.writers, w)
	return w, nil
}

// Set 将 data 写为第 i 个 value。
func (ed *Editor) Set(i int, data []byte) error {
	w, err := ed.NewWriter(i)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Reader 打开第 i 个 value 当前已提交的内容；新条目返回 ErrNotFound。
func (ed *Editor) Reader(i int) (io.ReadCloser, error) {
	if i < 0 || i >= ed.cache.valueCount {
		return nil, fmt.Errorf("value index %d out of range [0,%d)", i, ed.cache.valueCount)
	}
	ed.cache.mu.Lock()
	readable := ed.entry.readable
	ed.cache.mu.Unlock()
	if !readable {
		return nil, ErrNotFound
	}
	return os.Open(ed.cache.cleanPath(ed.entry.key, i))
}

// Commit 发布写入内容，使其对读者可见并追加 CLEAN 记录，随后同步执行淘汰。
// 写入出错时编辑被中止、条目被删除，并返回 ErrEditFailed。
func (ed *Editor) Commit() error {
	ed.closeWriters()

	c := ed.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	if ed.done {
		return ErrClosed
	}
	return c.completeEdit(ed, true)
}

// Abort 丢弃所有临时写入；已有的 CLEAN 内容保持不变。
func (ed *Editor) Abort() error {
	ed.closeWriters()

	c := ed.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	if ed.done {
		return ErrClosed
	}
	return c.completeEdit(ed, false)
}

// AbortUnlessCommitted 适合配合 defer 使用。
func (ed *Editor) AbortUnlessCommitted() {
	if !ed.done {
		ed.Abort()
	}
}

func (ed *Editor) closeWriters() {
	for _, w := range ed.writers {
		w.Close()
	}
	ed.writers = nil
}

// editorWriter 记录写入错误，Commit 据此决定是否中止。
type editorWriter struct {
	file   *os.File
	editor *Editor
	closed bool
}

func (w *editorWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	if err != nil {
		w.editor.hasErrors = true
	}
	return n, err
}

func (w *editorWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.file.Close()
	if err != nil {
		w.editor.hasErrors = true
	}
	return err
}
