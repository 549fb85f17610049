package cache

import (
	"bufio"
	"container/list"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const (
	journalFile       = "journal"
	journalTempFile   = "journal.tmp"
	journalBackupFile = "journal.bkp"

	journalMagic   = "tiercache.DiskJournal"
	journalVersion = "1"

	// DefaultCompactThreshold 是触发 journal 重写的冗余记录数下限。
	DefaultCompactThreshold = 2000
)

var keyPattern = regexp.MustCompile(`^[a-z0-9_-]{1,120}$`)

// RecordKind 标识 journal 中一行记录对应的生命周期迁移。
type RecordKind string

const (
	RecordDirty  RecordKind = "DIRTY"
	RecordClean  RecordKind = "CLEAN"
	RecordRemove RecordKind = "REMOVE"
	RecordRead   RecordKind = "READ"
)

// Record 是 journal 的一行：`DIRTY key`、`CLEAN key size...`、`REMOVE key` 或 `READ key`。
type Record struct {
	Kind  RecordKind
	Key   string
	Sizes []int64
}

func (r Record) String() string {
	if r.Kind != RecordClean {
		return string(r.Kind) + " " + r.Key
	}
	var b strings.Builder
	b.WriteString(string(r.Kind))
	b.WriteByte(' ')
	b.WriteString(r.Key)
	for _, size := range r.Sizes {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(size, 10))
	}
	return b.String()
}

func parseRecord(line string, valueCount int) (Record, error) {
	parts := strings.Split(line, " ")
	if len(parts) < 2 {
		return Record{}, fmt.Errorf("malformed journal line %q", line)
	}
	rec := Record{Kind: RecordKind(parts[0]), Key: parts[1]}
	if !keyPattern.MatchString(rec.Key) {
		return Record{}, fmt.Errorf("malformed journal key %q", rec.Key)
	}

	switch rec.Kind {
	case RecordDirty, RecordRemove, RecordRead:
		if len(parts) != 2 {
			return Record{}, fmt.Errorf("unexpected fields in journal line %q", line)
		}
	case RecordClean:
		if len(parts) != 2+valueCount {
			return Record{}, fmt.Errorf("expected %d sizes in journal line %q", valueCount, line)
		}
		rec.Sizes = make([]int64, valueCount)
		for i, raw := range parts[2:] {
			size, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || size < 0 {
				return Record{}, fmt.Errorf("invalid size %q in journal line %q", raw, line)
			}
			rec.Sizes[i] = size
		}
	default:
		return Record{}, fmt.Errorf("unknown journal record %q", line)
	}
	return rec, nil
}

// ReplayEntry 描述 replay 后仍然有效（CLEAN）的条目。
type ReplayEntry struct {
	Key   string
	Sizes []int64
}

// Replay 汇总打开 journal 时的恢复结果，Entries 按最近程度从旧到新排列。
type Replay struct {
	Entries []ReplayEntry
	// Abandoned 是以 DIRTY 结尾、没有后续 CLEAN/REMOVE 的 key，其数据文件需要清理。
	Abandoned []string
	Records   int
	// Truncated 表示正文在某行解析失败，之后的内容被丢弃并重写。
	Truncated bool
	// Invalidated 表示 header 与当前 appVersion/valueCount 不一致，目录已被清空。
	Invalidated bool
	Created     bool
}

// Journal 是 append-only 的元数据日志，是磁盘条目存在性的持久真相来源。
// Journal 不做并发保护，由 DiskCache 的互斥区串行调用。
type Journal struct {
	dir        string
	appVersion int
	valueCount int

	file    *os.File
	writer  *bufio.Writer
	records int
}

// OpenJournal 打开（必要时创建、清空或修复）dir 下的 journal 并回放记录。
// 目录无法创建或 journal 无法写入时返回 ErrCacheUnavailable。
func OpenJournal(dir string, appVersion, valueCount int) (*Journal, *Replay, error) {
	if valueCount <= 0 {
		return nil, nil, fmt.Errorf("value count must be positive: %d", valueCount)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("%w: create %s: %w", ErrCacheUnavailable, dir, err)
	}

	j := &Journal{dir: dir, appVersion: appVersion, valueCount: valueCount}
	if err := j.restoreBackup(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
	}

	replay, err := j.read()
	switch {
	case errors.Is(err, fs.ErrNotExist):
		replay = &Replay{Created: true}
	case errors.Is(err, errHeaderMismatch):
		if err := wipeDirectory(dir); err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
		}
		replay = &Replay{Invalidated: true}
	case err != nil:
		return nil, nil, fmt.Errorf("%w: read journal: %w", ErrCacheUnavailable, err)
	}

	if replay.Created || replay.Invalidated || replay.Truncated {
		records := make([]Record, 0, len(replay.Entries))
		for _, entry := range replay.Entries {
			records = append(records, Record{Kind: RecordClean, Key: entry.Key, Sizes: entry.Sizes})
		}
		if err := j.Rewrite(records); err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
		}
		return j, replay, nil
	}

	if err := j.openAppend(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
	}
	j.records = replay.Records
	for _, key := range replay.Abandoned {
		if err := j.Append(Record{Kind: RecordRemove, Key: key}); err != nil {
			j.Close()
			return nil, nil, fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
		}
	}
	return j, replay, nil
}

var errHeaderMismatch = errors.New("journal header mismatch")

// restoreBackup 处理上一次重写中途崩溃留下的 journal.bkp。
func (j *Journal) restoreBackup() error {
	backup := filepath.Join(j.dir, journalBackupFile)
	if _, err := os.Stat(backup); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	current := filepath.Join(j.dir, journalFile)
	if _, err := os.Stat(current); err == nil {
		return os.Remove(backup)
	}
	return os.Rename(backup, current)
}

type replayState struct {
	key      string
	sizes    []int64
	readable bool
	dirty    bool
}

func (j *Journal) read() (*Replay, error) {
	f, err := os.Open(filepath.Join(j.dir, journalFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	if err := j.readHeader(reader); err != nil {
		return nil, err
	}

	replay := &Replay{}
	order := list.New()
	index := make(map[string]*list.Element)

	for {
		line, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			// 末尾不完整的行视为崩溃时截断。
			if line != "" {
				replay.Truncated = true
			}
			break
		}
		if err != nil {
			return nil, err
		}
		rec, parseErr := parseRecord(strings.TrimSuffix(line, "\n"), j.valueCount)
		if parseErr != nil {
			replay.Truncated = true
			break
		}
		replay.Records++
		applyRecord(order, index, rec)
	}

	for el := order.Front(); el != nil; el = el.Next() {
		state := el.Value.(*replayState)
		switch {
		case state.dirty:
			replay.Abandoned = append(replay.Abandoned, state.key)
		case state.readable:
			replay.Entries = append(replay.Entries, ReplayEntry{Key: state.key, Sizes: state.sizes})
		}
	}
	return replay, nil
}

// applyRecord 回放一条记录。READ 不改变顺序，顺序只由 CLEAN/DIRTY 决定。
func applyRecord(order *list.List, index map[string]*list.Element, rec Record) {
	el, ok := index[rec.Key]
	switch rec.Kind {
	case RecordRemove:
		if ok {
			order.Remove(el)
			delete(index, rec.Key)
		}
		return
	case RecordRead:
		return
	}

	if !ok {
		el = order.PushBack(&replayState{key: rec.Key})
		index[rec.Key] = el
	} else {
		order.MoveToBack(el)
	}
	state := el.Value.(*replayState)
	switch rec.Kind {
	case RecordClean:
		state.readable = true
		state.dirty = false
		state.sizes = rec.Sizes
	case RecordDirty:
		state.dirty = true
	}
}

func (j *Journal) readHeader(reader *bufio.Reader) error {
	expected := j.header()
	for i, want := range expected {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if strings.TrimSuffix(line, "\n") != want {
			return fmt.Errorf("%w: line %d is %q, expected %q", errHeaderMismatch, i+1, line, want)
		}
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: truncated header", errHeaderMismatch)
		}
	}
	return nil
}

func (j *Journal) header() []string {
	return []string{
		journalMagic,
		journalVersion,
		strconv.Itoa(j.appVersion),
		strconv.Itoa(j.valueCount),
		"",
	}
}

func (j *Journal) openAppend() error {
	f, err := os.OpenFile(filepath.Join(j.dir, journalFile), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	j.file = f
	j.writer = bufio.NewWriter(f)
	return nil
}

// Append 写入一条记录并立即 flush 到操作系统，调用方可据此安全地继续后续文件操作。
func (j *Journal) Append(rec Record) error {
	if j.writer == nil {
		return ErrClosed
	}
	if _, err := j.writer.WriteString(rec.String() + "\n"); err != nil {
		return err
	}
	if err := j.writer.Flush(); err != nil {
		return err
	}
	j.records++
	return nil
}

// Records 返回当前 journal 正文中的记录数。
func (j *Journal) Records() int {
	return j.records
}

// Rewrite 以 records 为正文重建 journal：先写 journal.tmp 并 fsync，再经由 journal.bkp 原子替换。
// 替换失败时重新打开原 journal 的追加句柄，之后的 Append 仍落在旧文件上。
func (j *Journal) Rewrite(records []Record) error {
	tempPath := filepath.Join(j.dir, journalTempFile)
	if err := j.writeTemp(tempPath, records); err != nil {
		return err
	}
	if err := j.Close(); err != nil {
		os.Remove(tempPath)
		return errors.Join(fmt.Errorf("close journal: %w", err), j.openAppend())
	}

	current := filepath.Join(j.dir, journalFile)
	backup := filepath.Join(j.dir, journalBackupFile)
	if err := install(tempPath, current, backup); err != nil {
		if reopenErr := j.openAppend(); reopenErr != nil {
			return errors.Join(err, reopenErr)
		}
		return err
	}

	j.records = len(records)
	if err := j.openAppend(); err != nil {
		return err
	}
	if err := os.Remove(backup); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove journal backup: %w", err)
	}
	return nil
}

func (j *Journal) writeTemp(path string, records []Record) error {
	tmp, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create journal: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, line := range j.header() {
		w.WriteString(line + "\n")
	}
	for _, rec := range records {
		w.WriteString(rec.String() + "\n")
	}
	err = w.Flush()
	if err == nil {
		err = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("write journal: %w", err)
	}
	return nil
}

// install 把 temp 换成 current。失败时 current 保持原内容。
func install(temp, current, backup string) error {
	hadCurrent := false
	if _, err := os.Stat(current); err == nil {
		if err := os.Rename(current, backup); err != nil {
			os.Remove(temp)
			return fmt.Errorf("backup journal: %w", err)
		}
		hadCurrent = true
	}
	if err := os.Rename(temp, current); err != nil {
		os.Remove(temp)
		if hadCurrent {
			os.Rename(backup, current)
		}
		return fmt.Errorf("install journal: %w", err)
	}
	return nil
}

// Sync flush 缓冲并 fsync journal 文件。
func (j *Journal) Sync() error {
	if j.file == nil {
		return ErrClosed
	}
	if err := j.writer.Flush(); err != nil {
		return err
	}
	return j.file.Sync()
}

// Close 关闭 journal 文件，重复调用安全。
func (j *Journal) Close() error {
	if j.file == nil {
		return nil
	}
	flushErr := j.writer.Flush()
	closeErr := j.file.Close()
	j.file, j.writer = nil, nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// needsCompaction 判断冗余记录是否多到值得重写 journal。
func needsCompaction(records, live, threshold int) bool {
	redundant := records - live
	return redundant >= threshold && redundant >= live
}

func wipeDirectory(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("wipe %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}
