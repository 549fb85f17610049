package cache

import (
	"container/list"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const anyGeneration = ^uint64(0)

// entry 是 LRU 索引中的一个条目，只在 DiskCache.mu 保护下访问。
type entry struct {
	key        string
	sizes      []int64
	readable   bool
	generation uint64
	editor     *Editor
	readers    int
	elem       *list.Element
}

func (e *entry) total() int64 {
	var sum int64
	for _, size := range e.sizes {
		sum += size
	}
	return sum
}

// Option 调整 DiskCache 的可选行为。
type Option func(*DiskCache)

// WithLogger 注入结构化日志实例，默认使用 logrus 标准 logger。
func WithLogger(logger *logrus.Logger) Option {
	return func(c *DiskCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCompactThreshold 覆盖触发 journal 重写的冗余记录数。
func WithCompactThreshold(n int) Option {
	return func(c *DiskCache) {
		if n > 0 {
			c.compactThreshold = n
		}
	}
}

// DiskCache 是基于 Journal 的持久化、按总字节数限容的 key→blob 存储。
// 磁盘布局：
//
//	<dir>/journal        # 生命周期日志
//	<dir>/<key>.<i>      # 已提交的第 i 个 value
//	<dir>/<key>.<i>.tmp  # 编辑中的第 i 个 value
//
// 所有索引与 journal 变更都在同一把互斥锁内完成；已获取的 Snapshot 持有独立的文件句柄。
// 同一目录在一个进程内只能由一个 DiskCache 打开。
type DiskCache struct {
	dir              string
	valueCount       int
	logger           *logrus.Logger
	compactThreshold int

	mu             sync.Mutex
	maxSize        int64
	size           int64
	journal        *Journal
	entries        map[string]*entry
	lru            *list.List // Front 为最久未使用
	nextGeneration uint64
	evictions      int64
	closed         bool
}

// Stats 是 DiskCache 的运行时快照。
type Stats struct {
	Directory      string `json:"directory"`
	ValueCount     int    `json:"value_count"`
	Entries        int    `json:"entries"`
	SizeBytes      int64  `json:"size_bytes"`
	MaxSizeBytes   int64  `json:"max_size_bytes"`
	Evictions      int64  `json:"evictions"`
	JournalRecords int    `json:"journal_records"`
}

// Open 打开 dir 下的磁盘缓存。appVersion 变化会清空整个目录；maxSize 为所有已提交 value 的字节上限。
func Open(dir string, appVersion, valueCount int, maxSize int64, opts ...Option) (*DiskCache, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("max size must be positive: %d", maxSize)
	}
	if valueCount <= 0 {
		return nil, fmt.Errorf("value count must be positive: %d", valueCount)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %w", ErrCacheUnavailable, dir, err)
	}

	c := &DiskCache{
		dir:              abs,
		valueCount:       valueCount,
		logger:           logrus.StandardLogger(),
		compactThreshold: DefaultCompactThreshold,
		maxSize:          maxSize,
		entries:          make(map[string]*entry),
		lru:              list.New(),
		nextGeneration:   1,
	}
	for _, opt := range opts {
		opt(c)
	}

	journal, replay, err := OpenJournal(abs, appVersion, valueCount)
	if err != nil {
		return nil, err
	}
	c.journal = journal

	c.mu.Lock()
	defer c.mu.Unlock()

	c.load(replay)
	c.sweepOrphans()
	c.trimToSize()
	c.compactIfNeeded()

	c.logger.WithFields(logrus.Fields{
		"action":      "disk_cache_open",
		"dir":         abs,
		"app_version": appVersion,
		"entries":     len(c.entries),
		"size_bytes":  c.size,
		"truncated":   replay.Truncated,
		"invalidated": replay.Invalidated,
		"abandoned":   len(replay.Abandoned),
	}).Debug("disk_cache_opened")
	return c, nil
}

func (c *DiskCache) load(replay *Replay) {
	for _, key := range replay.Abandoned {
		c.deleteFiles(key)
	}
	if len(replay.Abandoned) > 0 {
		c.logger.WithFields(logrus.Fields{
			"action": "journal_replay",
			"dir":    c.dir,
			"keys":   replay.Abandoned,
		}).Warn("abandoned_edits_removed")
	}
	if replay.Truncated {
		c.logger.WithFields(logrus.Fields{
			"action": "journal_replay",
			"dir":    c.dir,
		}).Warn("journal_truncated")
	}

	for _, item := range replay.Entries {
		if err := c.verifyFiles(item); err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"action": "journal_replay",
				"key":    item.Key,
			}).Warn("corrupt_entry_dropped")
			c.deleteFiles(item.Key)
			c.appendLocked(Record{Kind: RecordRemove, Key: item.Key})
			continue
		}
		e := &entry{
			key:        item.Key,
			sizes:      item.Sizes,
			readable:   true,
			generation: c.nextGeneration,
		}
		c.nextGeneration++
		e.elem = c.lru.PushBack(e)
		c.entries[item.Key] = e
		c.size += e.total()
	}
}

func (c *DiskCache) verifyFiles(item ReplayEntry) error {
	for i, want := range item.Sizes {
		info, err := os.Stat(c.cleanPath(item.Key, i))
		if err != nil {
			return err
		}
		if info.Size() != want {
			return fmt.Errorf("value %d has %d bytes, journal recorded %d", i, info.Size(), want)
		}
	}
	return nil
}

// sweepOrphans 删除目录中不属于任何条目的文件（例如崩溃残留的 .tmp）。
func (c *DiskCache) sweepOrphans() {
	items, err := os.ReadDir(c.dir)
	if err != nil {
		c.logger.WithError(err).WithField("dir", c.dir).Warn("disk_sweep_failed")
		return
	}
	removed := 0
	for _, item := range items {
		name := item.Name()
		if item.IsDir() || strings.HasPrefix(name, journalFile) {
			continue
		}
		if c.referenced(name) {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, name)); err == nil {
			removed++
		}
	}
	if removed > 0 {
		c.logger.WithFields(logrus.Fields{"dir": c.dir, "files": removed}).Debug("disk_orphans_removed")
	}
}

func (c *DiskCache) referenced(name string) bool {
	if strings.HasSuffix(name, ".tmp") {
		return false
	}
	dot := strings.LastIndexByte(name, '.')
	if dot <= 0 {
		return false
	}
	idx, err := strconv.Atoi(name[dot+1:])
	if err != nil || idx < 0 || idx >= c.valueCount {
		return false
	}
	_, ok := c.entries[name[:dot]]
	return ok
}

// Get 返回 key 已提交内容的 Snapshot；不存在或仅处于 DIRTY 时返回 ErrNotFound。
// 调用方必须 Close 返回的 Snapshot。
func (c *DiskCache) Get(key string) (*Snapshot, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	e := c.entries[key]
	if e == nil || !e.readable {
		return nil, ErrNotFound
	}

	files := make([]*os.File, c.valueCount)
	for i := range files {
		f, err := os.Open(c.cleanPath(key, i))
		if err != nil {
			for _, opened := range files[:i] {
				opened.Close()
			}
			if errors.Is(err, fs.ErrNotExist) {
				c.logger.WithError(err).WithField("key", key).Warn("corrupt_entry_dropped")
				c.removeLocked(e)
				return nil, ErrNotFound
			}
			return nil, err
		}
		files[i] = f
	}

	e.readers++
	c.lru.MoveToBack(e.elem)
	if err := c.appendLocked(Record{Kind: RecordRead, Key: key}); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("journal_append_failed")
	}
	c.compactIfNeeded()

	return &Snapshot{
		cache:      c,
		entry:      e,
		key:        key,
		generation: e.generation,
		files:      files,
		sizes:      append([]int64(nil), e.sizes...),
	}, nil
}

// Edit 开始写入 key；同一 key 已有 Editor 时返回 ErrEditInProgress。
func (c *DiskCache) Edit(key string) (*Editor, error) {
	return c.edit(key, anyGeneration)
}

func (c *DiskCache) edit(key string, expected uint64) (*Editor, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	e := c.entries[key]
	if expected != anyGeneration && (e == nil || !e.readable || e.generation != expected) {
		return nil, ErrStaleSnapshot
	}
	created := false
	if e == nil {
		e = &entry{key: key, sizes: make([]int64, c.valueCount)}
		e.elem = c.lru.PushBack(e)
		c.entries[key] = e
		created = true
	} else if e.editor != nil {
		return nil, ErrEditInProgress
	}

	ed := &Editor{cache: c, entry: e, written: make([]bool, c.valueCount)}
	e.editor = ed

	// DIRTY 必须先落盘，再创建临时文件，避免崩溃后遗留无人认领的文件。
	if err := c.appendLocked(Record{Kind: RecordDirty, Key: key}); err != nil {
		e.editor = nil
		if created {
			c.lru.Remove(e.elem)
			delete(c.entries, key)
		}
		return nil, fmt.Errorf("journal dirty record: %w", err)
	}
	return ed, nil
}

// completeEdit 在持锁状态下结束一次编辑。commit=false 表示 abort。
func (c *DiskCache) completeEdit(ed *Editor, commit bool) error {
	e := ed.entry
	ed.done = true
	if e.editor != ed {
		return ErrClosed
	}

	var failure error
	var newSizes []int64
	if commit {
		newSizes, failure = c.stageSizes(ed)
	}

	if !commit || failure != nil {
		for i := 0; i < c.valueCount; i++ {
			os.Remove(c.dirtyPath(e.key, i))
		}
		e.editor = nil
		switch {
		case failure != nil || !e.readable:
			c.removeLocked(e)
		default:
			if err := c.appendLocked(Record{Kind: RecordClean, Key: e.key, Sizes: e.sizes}); err != nil {
				failure = fmt.Errorf("journal clean record: %w", err)
			}
		}
		c.compactIfNeeded()
		return failure
	}

	for i, written := range ed.written {
		if !written {
			continue
		}
		if err := os.Rename(c.dirtyPath(e.key, i), c.cleanPath(e.key, i)); err != nil {
			e.editor = nil
			c.removeLocked(e)
			return fmt.Errorf("%w: publish value %d: %w", ErrEditFailed, i, err)
		}
	}

	if e.readable {
		c.size -= e.total()
	}
	e.sizes = newSizes
	c.size += e.total()
	e.readable = true
	e.editor = nil
	e.generation = c.nextGeneration
	c.nextGeneration++
	c.lru.MoveToBack(e.elem)

	var err error
	if appendErr := c.appendLocked(Record{Kind: RecordClean, Key: e.key, Sizes: e.sizes}); appendErr != nil {
		err = fmt.Errorf("journal clean record: %w", appendErr)
	}
	c.trimToSize()
	c.compactIfNeeded()
	return err
}

// stageSizes 校验编辑结果并计算提交后的各 value 大小。超过 maxSize 的条目被拒绝。
func (c *DiskCache) stageSizes(ed *Editor) ([]int64, error) {
	e := ed.entry
	if ed.hasErrors {
		return nil, ErrEditFailed
	}
	sizes := make([]int64, c.valueCount)
	var total int64
	for i := range sizes {
		if !ed.written[i] {
			if !e.readable {
				return nil, fmt.Errorf("%w: value %d was not written", ErrIncompleteEntry, i)
			}
			sizes[i] = e.sizes[i]
			total += sizes[i]
			continue
		}
		info, err := os.Stat(c.dirtyPath(e.key, i))
		if err != nil {
			return nil, fmt.Errorf("%w: stat value %d: %w", ErrEditFailed, i, err)
		}
		sizes[i] = info.Size()
		total += sizes[i]
	}
	if total > c.maxSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrEntryTooLarge, total, c.maxSize)
	}
	return sizes, nil
}

// Remove 删除 key。正在编辑的条目返回 ErrEditInProgress；已打开的 Snapshot 仍可继续读取。
func (c *DiskCache) Remove(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClosed
	}

	e := c.entries[key]
	if e == nil {
		return false, nil
	}
	if e.editor != nil {
		return false, ErrEditInProgress
	}
	c.removeLocked(e)
	c.compactIfNeeded()
	return true, nil
}

// removeLocked 删除条目的全部文件并记录 REMOVE。
func (c *DiskCache) removeLocked(e *entry) {
	c.deleteFiles(e.key)
	if e.readable {
		c.size -= e.total()
	}
	c.lru.Remove(e.elem)
	delete(c.entries, e.key)
	if err := c.appendLocked(Record{Kind: RecordRemove, Key: e.key}); err != nil {
		c.logger.WithError(err).WithField("key", e.key).Warn("journal_append_failed")
	}
}

// trimToSize 按 LRU 顺序淘汰，直到总大小不超过 maxSize。
// 正在编辑或被 Snapshot 持有的条目不会被淘汰。
func (c *DiskCache) trimToSize() {
	for c.size > c.maxSize {
		var victim *entry
		for el := c.lru.Front(); el != nil; el = el.Next() {
			e := el.Value.(*entry)
			if e.readable && e.editor == nil && e.readers == 0 {
				victim = e
				break
			}
		}
		if victim == nil {
			return
		}
		c.removeLocked(victim)
		c.evictions++
		c.logger.WithFields(logrus.Fields{
			"action":     "disk_evict",
			"key":        victim.key,
			"size_bytes": victim.total(),
		}).Debug("disk_entry_evicted")
	}
}

func (c *DiskCache) compactIfNeeded() {
	if !needsCompaction(c.journal.Records(), len(c.entries), c.compactThreshold) {
		return
	}
	if err := c.journal.Rewrite(c.liveRecords()); err != nil {
		c.logger.WithError(err).WithField("dir", c.dir).Warn("journal_compact_failed")
		return
	}
	c.logger.WithFields(logrus.Fields{
		"action":  "journal_compact",
		"entries": len(c.entries),
	}).Debug("journal_compacted")
}

// liveRecords 按 LRU 顺序导出当前索引；编辑中的条目在 CLEAN 之后追加 DIRTY。
func (c *DiskCache) liveRecords() []Record {
	records := make([]Record, 0, len(c.entries))
	for el := c.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.readable {
			records = append(records, Record{Kind: RecordClean, Key: e.key, Sizes: e.sizes})
		}
		if e.editor != nil {
			records = append(records, Record{Kind: RecordDirty, Key: e.key})
		}
	}
	return records
}

func (c *DiskCache) appendLocked(rec Record) error {
	return c.journal.Append(rec)
}

func (c *DiskCache) release(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.readers--
	if !c.closed {
		c.trimToSize()
	}
}

// Size 返回所有已提交 value 的总字节数。
func (c *DiskCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// MaxSize 返回当前字节上限。
func (c *DiskCache) MaxSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSize
}

// SetMaxSize 调整字节上限并立即淘汰到新上限以内。
func (c *DiskCache) SetMaxSize(maxSize int64) {
	if maxSize <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxSize = maxSize
	if !c.closed {
		c.trimToSize()
	}
}

// Len 返回可读条目数。
func (c *DiskCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.readable {
			n++
		}
	}
	return n
}

// Keys 按最近程度从旧到新返回可读的 key，即淘汰顺序。
func (c *DiskCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for el := c.lru.Front(); el != nil; el = el.Next() {
		if e := el.Value.(*entry); e.readable {
			keys = append(keys, e.key)
		}
	}
	return keys
}

// Stats 返回统计快照。
func (c *DiskCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Directory:      c.dir,
		ValueCount:     c.valueCount,
		Entries:        len(c.entries),
		SizeBytes:      c.size,
		MaxSizeBytes:   c.maxSize,
		Evictions:      c.evictions,
		JournalRecords: c.journal.Records(),
	}
}

// Flush 淘汰超限条目并将 journal fsync 到磁盘。
func (c *DiskCache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.trimToSize()
	return c.journal.Sync()
}

// Close 中止所有未完成的编辑并关闭 journal，重复调用安全。
func (c *DiskCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	for _, e := range c.entries {
		if e.editor != nil {
			c.completeEdit(e.editor, false)
		}
	}
	c.trimToSize()
	c.closed = true
	return c.journal.Close()
}

// Delete 关闭缓存并删除整个目录。
func (c *DiskCache) Delete() error {
	if err := c.Close(); err != nil {
		return err
	}
	return os.RemoveAll(c.dir)
}

func (c *DiskCache) deleteFiles(key string) {
	for i := 0; i < c.valueCount; i++ {
		os.Remove(c.cleanPath(key, i))
		os.Remove(c.dirtyPath(key, i))
	}
}

func (c *DiskCache) cleanPath(key string, i int) string {
	return filepath.Join(c.dir, key+"."+strconv.Itoa(i))
}

func (c *DiskCache) dirtyPath(key string, i int) string {
	return c.cleanPath(key, i) + ".tmp"
}

func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
