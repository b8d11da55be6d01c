// Package cache defines the named, versioned buckets that hold request →
// response snapshots. A Storage owns every bucket; exactly one of them is the
// current generation at a time and the rest are swept on activation. Two
// drivers exist: a directory-per-bucket file store (temp file + rename) and a
// single goleveldb database keyed by bucket prefix. The worker package depends
// on this package to persist snapshots without knowing which driver is active.
package cache
