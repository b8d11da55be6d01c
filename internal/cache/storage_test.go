package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestBucketPutAndMatch(t *testing.T) {
	forEachDriver(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		bucket, err := storage.Open(ctx, "library-v1")
		if err != nil {
			t.Fatalf("open error: %v", err)
		}

		header := http.Header{}
		header.Set("Content-Type", "text/html")
		header.Set("Content-Length", "7")
		storedAt := time.Now().Add(-time.Hour)
		key := "GET https://library.local/index.html"
		if err := bucket.Put(ctx, key, NewEntry(key, 200, "200 OK", header, []byte("payload"), storedAt)); err != nil {
			t.Fatalf("put error: %v", err)
		}

		entry, err := bucket.Match(ctx, key)
		if err != nil {
			t.Fatalf("match error: %v", err)
		}
		if string(entry.Body) != "payload" {
			t.Fatalf("cached payload mismatch: %s", string(entry.Body))
		}
		if entry.Header.Get("Content-Type") != "text/html" {
			t.Fatalf("content type not preserved: %v", entry.Header)
		}
		if entry.Header.Get("Content-Length") != "" {
			t.Fatalf("content length should be dropped from snapshots")
		}
		if !entry.StoredAt.Equal(storedAt.UTC()) {
			t.Fatalf("stored-at mismatch: expected %v got %v", storedAt.UTC(), entry.StoredAt)
		}
		if entry.Key != key {
			t.Fatalf("expected key %s, got %s", key, entry.Key)
		}
	})
}

func TestBucketMatchMissing(t *testing.T) {
	forEachDriver(t, func(t *testing.T, storage Storage) {
		bucket, err := storage.Open(context.Background(), "library-v1")
		if err != nil {
			t.Fatalf("open error: %v", err)
		}
		if _, err := bucket.Match(context.Background(), "GET https://library.local/missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestBucketPutOverwrites(t *testing.T) {
	forEachDriver(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		bucket, _ := storage.Open(ctx, "library-v1")
		key := "GET https://library.local/app.js"
		for _, body := range []string{"v1", "v2"} {
			if err := bucket.Put(ctx, key, NewEntry(key, 200, "200 OK", nil, []byte(body), time.Now())); err != nil {
				t.Fatalf("put error: %v", err)
			}
		}
		entry, err := bucket.Match(ctx, key)
		if err != nil {
			t.Fatalf("match error: %v", err)
		}
		if string(entry.Body) != "v2" {
			t.Fatalf("expected last write to win, got %s", string(entry.Body))
		}
		if n, _ := bucket.Len(ctx); n != 1 {
			t.Fatalf("expected a single entry, got %d", n)
		}
	})
}

func TestBucketPutAll(t *testing.T) {
	forEachDriver(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		bucket, _ := storage.Open(ctx, "library-v1")
		records := []Record{
			{Key: "GET https://library.local/", Entry: NewEntry("", 200, "200 OK", nil, []byte("root"), time.Now())},
			{Key: "GET https://library.local/index.html", Entry: NewEntry("", 200, "200 OK", nil, []byte("index"), time.Now())},
			{Key: "GET https://library.local/manifest.json", Entry: NewEntry("", 200, "200 OK", nil, []byte("{}"), time.Now())},
		}
		if err := bucket.PutAll(ctx, records); err != nil {
			t.Fatalf("put all error: %v", err)
		}
		if n, _ := bucket.Len(ctx); n != len(records) {
			t.Fatalf("expected %d entries, got %d", len(records), n)
		}
		entry, err := bucket.Match(ctx, "GET https://library.local/index.html")
		if err != nil || string(entry.Body) != "index" {
			t.Fatalf("unexpected seeded entry: %v %v", entry, err)
		}
	})
}

func TestStorageKeysAndDelete(t *testing.T) {
	forEachDriver(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		for _, name := range []string{"v2", "v1", "Costa&Costa Library-v-1716"} {
			bucket, err := storage.Open(ctx, name)
			if err != nil {
				t.Fatalf("open %s error: %v", name, err)
			}
			_ = bucket.Put(ctx, "GET https://library.local/", NewEntry("", 200, "200 OK", nil, []byte(name), time.Now()))
		}

		names, err := storage.Keys(ctx)
		if err != nil {
			t.Fatalf("keys error: %v", err)
		}
		if len(names) != 3 || names[0] != "Costa&Costa Library-v-1716" || names[1] != "v1" || names[2] != "v2" {
			t.Fatalf("unexpected bucket names: %v", names)
		}

		existed, err := storage.Delete(ctx, "v1")
		if err != nil || !existed {
			t.Fatalf("expected v1 deleted, existed=%v err=%v", existed, err)
		}
		existed, err = storage.Delete(ctx, "v1")
		if err != nil || existed {
			t.Fatalf("second delete should report absence, existed=%v err=%v", existed, err)
		}
		if ok, _ := storage.Has(ctx, "v1"); ok {
			t.Fatalf("v1 should be gone")
		}

		v2, _ := storage.Open(ctx, "v2")
		entry, err := v2.Match(ctx, "GET https://library.local/")
		if err != nil || string(entry.Body) != "v2" {
			t.Fatalf("other buckets must be untouched: %v %v", entry, err)
		}
	})
}

func TestPutAfterDeleteFails(t *testing.T) {
	forEachDriver(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		bucket, _ := storage.Open(ctx, "old")
		if _, err := storage.Delete(ctx, "old"); err != nil {
			t.Fatalf("delete error: %v", err)
		}
		err := bucket.Put(ctx, "GET https://library.local/", NewEntry("", 200, "200 OK", nil, []byte("late"), time.Now()))
		if err == nil {
			t.Fatalf("writes into a deleted bucket must fail")
		}
		if names, _ := storage.Keys(ctx); len(names) != 0 {
			t.Fatalf("deleted bucket must not be resurrected: %v", names)
		}
	})
}

func TestConcurrentPutAndDeleteLeavesNoEntries(t *testing.T) {
	forEachDriver(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		for round := 0; round < 20; round++ {
			bucket, err := storage.Open(ctx, "old")
			if err != nil {
				t.Fatalf("open error: %v", err)
			}

			var wg sync.WaitGroup
			start := make(chan struct{})
			for w := 0; w < 8; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					for i := 0; i < 50; i++ {
						key := fmt.Sprintf("GET https://library.local/%d/%d", w, i)
						if err := bucket.Put(ctx, key, NewEntry(key, 200, "200 OK", nil, []byte("x"), time.Now())); err != nil {
							if !errors.Is(err, ErrBucketDeleted) {
								t.Errorf("unexpected put error: %v", err)
							}
							return
						}
					}
				}()
			}
			close(start)
			if _, err := storage.Delete(ctx, "old"); err != nil {
				t.Fatalf("delete error: %v", err)
			}
			wg.Wait()

			if names, _ := storage.Keys(ctx); len(names) != 0 {
				t.Fatalf("round %d: deleted bucket listed: %v", round, names)
			}
			reopened, err := storage.Open(ctx, "old")
			if err != nil {
				t.Fatalf("reopen error: %v", err)
			}
			if n, err := reopened.Len(ctx); err != nil || n != 0 {
				t.Fatalf("round %d: %d entries survived deletion (err %v)", round, n, err)
			}
			if _, err := storage.Delete(ctx, "old"); err != nil {
				t.Fatalf("cleanup delete error: %v", err)
			}
		}
	})
}

func TestLevelStorageSweepsOrphanedEntries(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewLevelStorage(dir)
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	db := storage.(*levelStorage).db
	if err := db.Put(entryKey("ghost-v-1", "GET https://library.local/"), []byte("stale"), nil); err != nil {
		t.Fatalf("seed orphan error: %v", err)
	}

	ctx := context.Background()
	live, _ := storage.Open(ctx, "live")
	key := "GET https://library.local/index.html"
	if err := live.Put(ctx, key, NewEntry(key, 200, "200 OK", nil, []byte("keep"), time.Now())); err != nil {
		t.Fatalf("put error: %v", err)
	}

	// Delete 顺带清理无标记的条目。
	if _, err := storage.Delete(ctx, "unrelated"); err != nil {
		t.Fatalf("delete error: %v", err)
	}
	if ok, _ := db.Has(entryKey("ghost-v-1", "GET https://library.local/"), nil); ok {
		t.Fatalf("orphaned entry survived Delete")
	}
	if _, err := live.Match(ctx, key); err != nil {
		t.Fatalf("live entry must survive sweep: %v", err)
	}
	if err := db.Put(entryKey("ghost-v-2", "GET https://library.local/"), []byte("stale"), nil); err != nil {
		t.Fatalf("seed orphan error: %v", err)
	}
	if err := storage.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	// 重新打开时也会清理。
	storage, err = NewLevelStorage(dir)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer storage.Close()
	db = storage.(*levelStorage).db
	if ok, _ := db.Has(entryKey("ghost-v-2", "GET https://library.local/"), nil); ok {
		t.Fatalf("orphaned entry survived reopen")
	}
}

func TestFileStorageIgnoresUnmarkedDirectories(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "leftover", entriesDir), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	names, err := storage.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected no buckets, got %v", names)
	}
}

func TestOpenRejectsEmptyName(t *testing.T) {
	forEachDriver(t, func(t *testing.T, storage Storage) {
		if _, err := storage.Open(context.Background(), "  "); err == nil {
			t.Fatalf("empty bucket name should be rejected")
		}
	})
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open("redis", t.TempDir()); err == nil {
		t.Fatalf("unknown driver should fail")
	}
}

func TestRequestKeyNormalizesHost(t *testing.T) {
	a, _ := url.Parse("HTTPS://Library.Local/books?id=1#top")
	b, _ := url.Parse("https://library.local/books?id=1")
	if KeyFor("get", a) != KeyFor(http.MethodGet, b) {
		t.Fatalf("keys should match: %s vs %s", KeyFor("get", a), KeyFor(http.MethodGet, b))
	}
	req, _ := http.NewRequest(http.MethodGet, "https://library.local", nil)
	if got := RequestKey(req); got != "GET https://library.local/" {
		t.Fatalf("unexpected root key %s", got)
	}
}

// forEachDriver runs fn against every storage driver backed by a temp dir.
func forEachDriver(t *testing.T, fn func(t *testing.T, storage Storage)) {
	t.Helper()
	for _, driver := range []string{DriverFS, DriverLevelDB} {
		t.Run(driver, func(t *testing.T) {
			storage, err := Open(driver, t.TempDir())
			if err != nil {
				t.Fatalf("failed to create %s storage: %v", driver, err)
			}
			t.Cleanup(func() { _ = storage.Close() })
			fn(t, storage)
		})
	}
}
