package cache

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"net/http"
	"strings"
	"time"
)

// Storage 管理所有命名 Bucket。同一时刻只有一个 Bucket 属于当前版本，其余在激活时清理。
type Storage interface {
	// Open 打开（或创建）指定名称的 Bucket。
	Open(ctx context.Context, name string) (Bucket, error)

	// Keys 返回当前存在的全部 Bucket 名称，按字典序排列。
	Keys(ctx context.Context) ([]string, error)

	// Has 判断 Bucket 是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整个 Bucket，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Close 释放底层资源。
	Close() error
}

// Bucket 是单个版本的 请求标识 → 响应快照 存储。
type Bucket interface {
	Name() string

	// Match 返回 key 对应的快照，不存在时返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Entry, error)

	// Put 写入快照并覆盖旧值（last-write-wins）。
	Put(ctx context.Context, key string, entry Entry) error

	// PutAll 原子写入一组快照：要么全部可见，要么全部不可见。
	PutAll(ctx context.Context, records []Record) error

	// Len 返回 Bucket 内的条目数量。
	Len(ctx context.Context) (int, error)
}

// Entry 是一次成功响应的快照（状态、头部、正文）。
type Entry struct {
	Key        string
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
	Hash32     uint32
}

// Record 将请求标识与快照配对，供批量写入使用。
type Record struct {
	Key   string
	Entry Entry
}

var (
	// ErrNotFound 表示 Bucket 中不存在该条目。
	ErrNotFound = errors.New("cache entry not found")
	// ErrBucketDeleted 表示 Bucket 在写入前已被清理（版本已被替换）。
	ErrBucketDeleted = errors.New("cache bucket deleted")
)

// NewEntry 复制头部并计算正文校验和，去掉与正文长度相关的头部。
func NewEntry(key string, status int, statusText string, header http.Header, body []byte, storedAt time.Time) Entry {
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Del("Content-Length")
	return Entry{
		Key:        key,
		Status:     status,
		StatusText: statusText,
		Header:     h,
		Body:       body,
		StoredAt:   storedAt.UTC(),
		Hash32:     crc32.ChecksumIEEE(body),
	}
}

// Size 返回快照正文字节数。
func (e Entry) Size() int {
	return len(e.Body)
}

// ValidateBucketName 拒绝空名称或包含控制字符的名称。
func ValidateBucketName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("bucket name required")
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("bucket name %q contains control characters", name)
		}
	}
	return nil
}

// Open 根据 driver 构建 Storage，driver 为空时使用 fs。
func Open(driver, basePath string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverFS:
		return NewFileStorage(basePath)
	case DriverLevelDB:
		return NewLevelStorage(basePath)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}

const (
	DriverFS      = "fs"
	DriverLevelDB = "leveldb"
)
