package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// leveldb 键空间：
//
//	b:<bucket>            -> Bucket 存在标记
//	e:<bucket>\x00<key>   -> gob 编码的 Entry
var (
	bucketPrefix = []byte("b:")
	entryPrefix  = []byte("e:")
)

// NewLevelStorage 在 basePath/leveldb 下打开单个 leveldb 实例，所有 Bucket 共用。
func NewLevelStorage(basePath string) (Storage, error) {
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
	db, err := leveldb.OpenFile(filepath.Join(abs, "leveldb"), nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	s := &levelStorage{db: db}
	if _, err := s.sweepOrphans(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sweep orphaned entries: %w", err)
	}
	return s, nil
}

// levelStorage 用 rw 把条目写入与 Bucket 删除串行化：写入持读锁，
// Delete 持写锁，保证删除之后不会再出现该 Bucket 的条目。
type levelStorage struct {
	db *leveldb.DB
	rw sync.RWMutex
}

type levelBucket struct {
	storage *levelStorage
	db      *leveldb.DB
	name    string
}

func (s *levelStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateBucketName(name); err != nil {
		return nil, err
	}
	s.rw.RLock()
	defer s.rw.RUnlock()

	marker := bucketMarker(name)
	ok, err := s.db.Has(marker, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := s.db.Put(marker, []byte(name), nil); err != nil {
			return nil, err
		}
	}
	return &levelBucket{storage: s, db: s.db, name: name}, nil
}

func (s *levelStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it := s.db.NewIterator(util.BytesPrefix(bucketPrefix), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), bucketPrefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *levelStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.db.Has(bucketMarker(name), nil)
}

func (s *levelStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.rw.Lock()
	defer s.rw.Unlock()

	marker := bucketMarker(name)
	existed, err := s.db.Has(marker, nil)
	if err != nil {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(marker)
	it := s.db.NewIterator(util.BytesPrefix(entryBucketPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	removed := batch.Len() > 1

	if _, err := s.sweepOrphans(); err != nil {
		return existed || removed, err
	}
	return existed || removed, nil
}

// sweepOrphans 删除没有 b: 标记的条目（旧版本写入中断或崩溃的残留）。
// 调用方需持有写锁，或在存储尚未对外可见时调用。
func (s *levelStorage) sweepOrphans() (int, error) {
	alive := map[string]bool{}
	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix(entryPrefix), nil)
	for it.Next() {
		rest := bytes.TrimPrefix(it.Key(), entryPrefix)
		sep := bytes.IndexByte(rest, 0)
		if sep < 0 {
			batch.Delete(append([]byte(nil), it.Key()...))
			continue
		}
		name := string(rest[:sep])
		ok, seen := alive[name]
		if !seen {
			has, err := s.db.Has(bucketMarker(name), nil)
			if err != nil {
				it.Release()
				return 0, err
			}
			ok = has
			alive[name] = ok
		}
		if !ok {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return 0, err
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	return batch.Len(), s.db.Write(batch, nil)
}

func (s *levelStorage) Close() error {
	return s.db.Close()
}

func (b *levelBucket) Name() string {
	return b.name
}

func (b *levelBucket) Match(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := b.db.Get(entryKey(b.name, key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
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

func (b *levelBucket) Put(ctx context.Context, key string, entry Entry) error {
	return b.PutAll(ctx, []Record{{Key: key, Entry: entry}})
}

func (b *levelBucket) PutAll(ctx context.Context, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	b.storage.rw.RLock()
	defer b.storage.rw.RUnlock()

	alive, err := b.db.Has(bucketMarker(b.name), nil)
	if err != nil {
		return err
	}
	if !alive {
		return fmt.Errorf("%w: %s", ErrBucketDeleted, b.name)
	}

	batch := new(leveldb.Batch)
	for _, rec := range records {
		entry := rec.Entry
		entry.Key = rec.Key
		payload, err := encodeEntry(entry)
		if err != nil {
			return err
		}
		batch.Put(entryKey(b.name, rec.Key), payload)
	}
	return b.db.Write(batch, nil)
}

func (b *levelBucket) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	it := b.db.NewIterator(util.BytesPrefix(entryBucketPrefix(b.name)), nil)
	defer it.Release()
	count := 0
	for it.Next() {
		count++
	}
	return count, it.Error()
}

func bucketMarker(name string) []byte {
	return append(append([]byte(nil), bucketPrefix...), name...)
}

func entryBucketPrefix(name string) []byte {
	out := append(append([]byte(nil), entryPrefix...), name...)
	return append(out, 0)
}

func entryKey(bucket, key string) []byte {
	return append(entryBucketPrefix(bucket), key...)
}
