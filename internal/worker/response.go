package worker

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/costa-library/offline-edge/internal/cache"
)

// OfflineMessage is the plain-text body returned when a miss meets a dead network.
const OfflineMessage = "Offline - check your connection"

// OfflineResponse synthesizes the 503 answer for a cache miss while the
// network is unreachable.
func OfflineResponse(req *http.Request) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Cache-Control", "no-store")
	body := []byte(OfflineMessage)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", http.StatusServiceUnavailable, http.StatusText(http.StatusServiceUnavailable)),
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          newTrackedReader(body, ResponseBasic),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// responseFromEntry rebuilds a fresh response from a stored snapshot. Each call
// gets its own body reader.
func responseFromEntry(req *http.Request, entry *cache.Entry) *http.Response {
	status := entry.StatusText
	if status == "" {
		status = fmt.Sprintf("%d %s", entry.Status, http.StatusText(entry.Status))
	}
	header := entry.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        status,
		StatusCode:    entry.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          newTrackedReader(entry.Body, ResponseBasic),
		ContentLength: int64(len(entry.Body)),
		Request:       req,
	}
}

// snapshotResponse reads the body once and hands the caller a fresh reader
// over the same bytes. Bodies above limit, or bodies that fail mid-read, are
// not snapshotted; the caller still receives every byte (or the read error).
func snapshotResponse(resp *http.Response, key string, limit int64, now time.Time) (cache.Entry, bool) {
	typ := TypeOf(resp)
	inner := resp.Body
	if tb, ok := inner.(*trackedBody); ok {
		inner = tb.rc
	}

	var src io.Reader = inner
	if limit > 0 {
		src = io.LimitReader(inner, limit+1)
	}
	buf, err := io.ReadAll(src)
	switch {
	case err != nil:
		resp.Body = &trackedBody{
			rc:  &multiReadCloser{Reader: io.MultiReader(bytes.NewReader(buf), errReader{err}), closer: inner},
			typ: typ,
		}
		return cache.Entry{}, false
	case limit > 0 && int64(len(buf)) > limit:
		resp.Body = &trackedBody{
			rc:  &multiReadCloser{Reader: io.MultiReader(bytes.NewReader(buf), inner), closer: inner},
			typ: typ,
		}
		return cache.Entry{}, false
	}

	_ = inner.Close()
	resp.Body = newTrackedReader(buf, typ)
	resp.ContentLength = int64(len(buf))
	return cache.NewEntry(key, resp.StatusCode, resp.Status, resp.Header, buf, now), true
}
