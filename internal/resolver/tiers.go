package resolver

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/any-hub/tiercache/internal/artifact"
	"github.com/any-hub/tiercache/internal/cache"
	"github.com/any-hub/tiercache/internal/memcache"
)

// MemoryTier 是进程内缓存，调用必须快且不阻塞。
type MemoryTier interface {
	Get(key string) (*artifact.Artifact, bool)
	Put(key string, a *artifact.Artifact) bool
}

// DiskTier 是持久层。Read 在未命中时返回 cache.ErrNotFound。
type DiskTier interface {
	Read(key string) ([]byte, error)
	Write(key string, data []byte) error
	Remove(key string) error
}

// NewMemoryTier 创建以 artifact.Footprint 计权、容量为 maxBytes 的内存层。
func NewMemoryTier(maxBytes int64, opts ...memcache.Option[string, *artifact.Artifact]) *memcache.Cache[string, *artifact.Artifact] {
	opts = append([]memcache.Option[string, *artifact.Artifact]{
		memcache.WithSizeFunc(func(_ string, a *artifact.Artifact) int64 {
			return artifact.Footprint(a)
		}),
	}, opts...)
	return memcache.New[string, *artifact.Artifact](maxBytes, opts...)
}

// DiskKey 把任意 key 映射为磁盘缓存可接受的文件名：key 的 MD5 十六进制。
func DiskKey(key string) string {
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

type diskTier struct {
	cache *cache.DiskCache
}

// NewDiskTier 把单 value 的 DiskCache 适配为 DiskTier。
func NewDiskTier(c *cache.DiskCache) DiskTier {
	return &diskTier{cache: c}
}

func (d *diskTier) Read(key string) ([]byte, error) {
	snap, err := d.cache.Get(DiskKey(key))
	if err != nil {
		return nil, err
	}
	defer snap.Close()
	return snap.Bytes(0)
}

func (d *diskTier) Write(key string, data []byte) error {
	ed, err := d.cache.Edit(DiskKey(key))
	if err != nil {
		return err
	}
	defer ed.AbortUnlessCommitted()
	if err := ed.Set(0, data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return ed.Commit()
}

func (d *diskTier) Remove(key string) error {
	_, err := d.cache.Remove(DiskKey(key))
	if errors.Is(err, cache.ErrEditInProgress) {
		return nil
	}
	return err
}
