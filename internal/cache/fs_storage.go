package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// 磁盘布局：
//
//	<StoragePath>/<sha1(bucket)>/bucket.name          # Bucket 原始名称
//	<StoragePath>/<sha1(bucket)>/entries/<sha1(key)>  # gob 编码的 Entry
const (
	bucketNameFile = "bucket.name"
	entriesDir     = "entries"
	entrySuffix    = ".entry"
)

// NewFileStorage 以 basePath 为根目录构建磁盘存储，整站复用一份实例。
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 entryLock 避免同一条目并发写入；rw 让写入（读锁）与
// Bucket 删除（写锁）互斥。
type fileStorage struct {
	basePath string
	rw       sync.RWMutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileBucket struct {
	storage *fileStorage
	name    string
	dir     string
}

func (s *fileStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateBucketName(name); err != nil {
		return nil, err
	}

	dir := s.bucketDir(name)
	if err := os.MkdirAll(filepath.Join(dir, entriesDir), 0o755); err != nil {
		return nil, fmt.Errorf("create bucket dir: %w", err)
	}
	marker := filepath.Join(dir, bucketNameFile)
	if _, err := os.Stat(marker); errors.Is(err, fs.ErrNotExist) {
		if err := writeFileAtomic(marker, []byte(name)); err != nil {
			return nil, fmt.Errorf("write bucket marker: %w", err)
		}
	}
	return &fileBucket{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if !item.IsDir() || strings.HasPrefix(item.Name(), ".") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.basePath, item.Name(), bucketNameFile))
		if err != nil {
			// 没有 marker 的目录不是 Bucket（例如写入中断的残留）。
			continue
		}
		names = append(names, string(raw))
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(s.bucketDir(name), bucketNameFile))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.rw.Lock()
	defer s.rw.Unlock()

	dir := s.bucketDir(name)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	// 先改名再删除，避免 Keys 读到删除到一半的 Bucket。
	trash, err := os.MkdirTemp(s.basePath, ".trash-*")
	if err != nil {
		return false, err
	}
	target := filepath.Join(trash, filepath.Base(dir))
	if err := os.Rename(dir, target); err != nil {
		os.RemoveAll(trash)
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(trash); err != nil {
		return true, err
	}
	return true, nil
}

func (s *fileStorage) Close() error {
	return nil
}

func (s *fileStorage) bucketDir(name string) string {
	return filepath.Join(s.basePath, hashName(name))
}

func (b *fileBucket) Name() string {
	return b.name
}

func (b *fileBucket) Match(ctx context.Context, key string) (*Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	raw, err := os.ReadFile(b.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	entry, err := decodeEntry(raw)
	if err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return entry, nil
}

func (b *fileBucket) Put(ctx context.Context, key string, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.storage.rw.RLock()
	defer b.storage.rw.RUnlock()
	unlock := b.storage.lockEntry(b.name, key)
	defer unlock()

	if err := b.ensureAlive(); err != nil {
		return err
	}
	entry.Key = key
	payload, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	return writeFileAtomic(b.entryPath(key), payload)
}

func (b *fileBucket) PutAll(ctx context.Context, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	latest := make(map[string]Entry, len(records))
	for _, rec := range records {
		latest[rec.Key] = rec.Entry
	}
	keys := make([]string, 0, len(latest))
	for key := range latest {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	b.storage.rw.RLock()
	defer b.storage.rw.RUnlock()
	for _, key := range keys {
		unlock := b.storage.lockEntry(b.name, key)
		defer unlock()
	}
	if err := b.ensureAlive(); err != nil {
		return err
	}

	// 所有临时文件写成功后才开始 rename。
	temps := make(map[string]string, len(keys))
	cleanup := func() {
		for _, tmp := range temps {
			os.Remove(tmp)
		}
	}
	for _, key := range keys {
		entry := latest[key]
		entry.Key = key
		payload, err := encodeEntry(entry)
		if err != nil {
			cleanup()
			return err
		}
		tmp, err := writeTemp(filepath.Join(b.dir, entriesDir), payload)
		if err != nil {
			cleanup()
			return err
		}
		temps[key] = tmp
	}
	for _, key := range keys {
		if err := os.Rename(temps[key], b.entryPath(key)); err != nil {
			cleanup()
			return err
		}
		delete(temps, key)
	}
	return nil
}

func (b *fileBucket) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	items, err := os.ReadDir(filepath.Join(b.dir, entriesDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	count := 0
	for _, item := range items {
		if !item.IsDir() && strings.HasSuffix(item.Name(), entrySuffix) {
			count++
		}
	}
	return count, nil
}

func (b *fileBucket) ensureAlive() error {
	if _, err := os.Stat(filepath.Join(b.dir, bucketNameFile)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrBucketDeleted, b.name)
		}
		return err
	}
	return nil
}

func (b *fileBucket) entryPath(key string) string {
	return filepath.Join(b.dir, entriesDir, hashName(key)+entrySuffix)
}

func (s *fileStorage) lockEntry(bucket, key string) func() {
	lockKey := bucket + "::" + key
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

func writeFileAtomic(path string, payload []byte) error {
	tmp, err := writeTemp(filepath.Dir(path), payload)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func writeTemp(dir string, payload []byte) (string, error) {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return "", err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return "", err
	}
	return tempName, nil
}

func hashName(value string) string {
	sum := sha1.Sum([]byte(value))
	return hex.EncodeToString(sum[:])
}
