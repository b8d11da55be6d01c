package worker

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
)

// ResponseType mirrors how the response relates to the origin.
type ResponseType string

const (
	// ResponseBasic is a same-origin, non-redirect response. Only these are stored.
	ResponseBasic ResponseType = "basic"
	// ResponseCORS is a response from another host.
	ResponseCORS ResponseType = "cors"
	// ResponseOpaqueRedirect is an unfollowed redirect.
	ResponseOpaqueRedirect ResponseType = "opaqueredirect"
	// ResponseOpaque is anything the controller cannot classify.
	ResponseOpaque ResponseType = "opaque"
)

// trackedBody records whether anyone started reading or closed the body.
type trackedBody struct {
	rc   io.ReadCloser
	typ  ResponseType
	used atomic.Bool
}

func (b *trackedBody) Read(p []byte) (int, error) {
	b.used.Store(true)
	return b.rc.Read(p)
}

func (b *trackedBody) Close() error {
	b.used.Store(true)
	return b.rc.Close()
}

// TrackBody wraps resp.Body so BodyUsed and TypeOf work on it. A nil body is
// replaced by an empty one.
func TrackBody(resp *http.Response, typ ResponseType) *http.Response {
	if resp == nil {
		return nil
	}
	body := resp.Body
	if body == nil {
		body = http.NoBody
	}
	if tb, ok := body.(*trackedBody); ok {
		tb.typ = typ
		return resp
	}
	resp.Body = &trackedBody{rc: body, typ: typ}
	return resp
}

// BodyUsed reports whether the body was read, closed, or is missing.
func BodyUsed(resp *http.Response) bool {
	if resp == nil || resp.Body == nil {
		return true
	}
	if tb, ok := resp.Body.(*trackedBody); ok {
		return tb.used.Load()
	}
	return false
}

// TypeOf returns the response type recorded by TrackBody. Untracked responses
// are opaque.
func TypeOf(resp *http.Response) ResponseType {
	if resp == nil {
		return ResponseOpaque
	}
	if tb, ok := resp.Body.(*trackedBody); ok {
		return tb.typ
	}
	return ResponseOpaque
}

// IsCacheable reports whether resp may be persisted: status 200, basic type,
// body not yet consumed, and nothing in the response that binds it to one
// client (Cache-Control private or no-store, Set-Cookie). The bucket is shared
// by every client of the edge.
func IsCacheable(resp *http.Response) bool {
	if resp == nil || resp.StatusCode != http.StatusOK {
		return false
	}
	if TypeOf(resp) != ResponseBasic {
		return false
	}
	if resp.Header.Get("Set-Cookie") != "" || hasDirective(resp.Header, "private", "no-store") {
		return false
	}
	return !BodyUsed(resp)
}

// credentialHeaders identify a request as belonging to one client.
var credentialHeaders = []string{"Cookie", "Authorization", "Proxy-Authorization"}

// HasCredentials reports whether req carries client credentials.
func HasCredentials(req *http.Request) bool {
	if req == nil {
		return false
	}
	for _, name := range credentialHeaders {
		if req.Header.Get(name) != "" {
			return true
		}
	}
	return false
}

// StoreAllowed combines IsCacheable with the request side: a response fetched
// with credentials is only stored when the origin marked it public.
func StoreAllowed(req *http.Request, resp *http.Response) bool {
	if !IsCacheable(resp) {
		return false
	}
	return !HasCredentials(req) || hasDirective(resp.Header, "public")
}

func stripCredentials(h http.Header) {
	for _, name := range credentialHeaders {
		h.Del(name)
	}
}

func hasDirective(h http.Header, names ...string) bool {
	for _, value := range h.Values("Cache-Control") {
		for _, part := range strings.Split(value, ",") {
			directive := strings.ToLower(strings.TrimSpace(part))
			if i := strings.IndexByte(directive, '='); i >= 0 {
				directive = strings.TrimSpace(directive[:i])
			}
			for _, name := range names {
				if directive == name {
					return true
				}
			}
		}
	}
	return false
}

func newTrackedReader(b []byte, typ ResponseType) io.ReadCloser {
	return &trackedBody{rc: io.NopCloser(bytes.NewReader(b)), typ: typ}
}

// multiReadCloser replays a buffered prefix and then continues with the
// remainder of the original body.
type multiReadCloser struct {
	io.Reader
	closer io.Closer
}

func (m *multiReadCloser) Close() error {
	return m.closer.Close()
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }
