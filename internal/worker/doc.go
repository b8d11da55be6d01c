// Package worker implements the cache controller that sits between clients and
// the library origin. A Controller owns one versioned bucket and exposes three
// lifecycle entry points: Install seeds the bucket, Activate sweeps every
// bucket of older versions, and Fetch answers requests stale-while-revalidate.
// Background work spawned by Fetch is detached from the caller and can be
// awaited with Wait during shutdown.
package worker
