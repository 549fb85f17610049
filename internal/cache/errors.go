package cache

import "errors"

// ErrCacheUnavailable 表示缓存目录或 journal 无法建立，调用方应将整个磁盘层视为不存在。
var ErrCacheUnavailable = errors.New("disk cache unavailable")

// ErrNotFound 表示条目不存在或尚未提交。
var ErrNotFound = errors.New("cache entry not found")

// ErrEditInProgress 表示同一 key 已有未完成的 Editor（单写者约束）。
var ErrEditInProgress = errors.New("cache entry is being edited")

// ErrStaleSnapshot 表示 Snapshot 读取后条目已被重新提交，基于旧版本的编辑被拒绝。
var ErrStaleSnapshot = errors.New("cache entry changed since snapshot")

// ErrEntryTooLarge 表示单个条目提交后的大小超过 maxSize，写入被拒绝。
var ErrEntryTooLarge = errors.New("cache entry exceeds max size")

// ErrIncompleteEntry 表示新条目提交时未写满所有 value。
var ErrIncompleteEntry = errors.New("cache entry is missing values")

// ErrEditFailed 表示编辑期间写入出错，提交被转为 abort。
var ErrEditFailed = errors.New("cache edit failed")

// ErrClosed 表示缓存已关闭。
var ErrClosed = errors.New("cache is closed")

// ErrInvalidKey 表示 key 不满足 [a-z0-9_-]{1,120}。
var ErrInvalidKey = errors.New("invalid cache key")
