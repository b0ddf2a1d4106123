// Package ownership 根据代码托管平台的贡献记录推断代码归属人
package ownership

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/qs3c/codeatlas/internal/model"
)

// Hints 架构图提供的线索，用来收窄提交范围
type Hints struct {
	Files []string
}

// Resolver 返回按置信度排序的归属人。没有人类贡献者时返回空切片和 nil
type Resolver interface {
	Resolve(ctx context.Context, repoURL string, hints Hints) ([]model.OwnerInfo, error)
}

// Cached 以仓库地址和文件线索为键缓存结果，错误不缓存
type Cached struct {
	inner Resolver
	cache *expirable.LRU[string, []model.OwnerInfo]
}

func NewCached(inner Resolver, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = 256
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cached{
		inner: inner,
		cache: expirable.NewLRU[string, []model.OwnerInfo](size, nil, ttl),
	}
}

// cacheKey 文件线索与顺序无关
func cacheKey(repoURL string, hints Hints) string {
	repo := strings.TrimSuffix(strings.TrimSuffix(strings.ToLower(repoURL), "/"), ".git")
	if len(hints.Files) == 0 {
		return repo
	}
	files := append([]string(nil), hints.Files...)
	sort.Strings(files)
	sum := sha256.Sum256([]byte(strings.Join(files, "\n")))
	return repo + "#" + hex.EncodeToString(sum[:8])
}

func (c *Cached) Resolve(ctx context.Context, repoURL string, hints Hints) ([]model.OwnerInfo, error) {
	key := cacheKey(repoURL, hints)
	if owners, ok := c.cache.Get(key); ok {
		log.Printf("Ownership cache hit for %s", repoURL)
		return owners, nil
	}

	owners, err := c.inner.Resolve(ctx, repoURL, hints)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, owners)
	return owners, nil
}

// Purge 清空缓存
func (c *Cached) Purge() {
	c.cache.Purge()
}
