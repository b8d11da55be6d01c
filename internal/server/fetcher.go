package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/costa-library/offline-edge/internal/worker"
)

// OriginFetcher is the network layer behind the cache controller. Requests for
// the public host or the origin host are sent to the origin and tagged basic;
// any other host is forwarded as-is and tagged cors, so it is never stored.
type OriginFetcher struct {
	client *http.Client
	origin *url.URL
	public *url.URL
}

// NewOriginFetcher builds a fetcher. public may be nil when clients address the
// origin directly.
func NewOriginFetcher(client *http.Client, origin, public *url.URL) (*OriginFetcher, error) {
	if client == nil {
		return nil, errors.New("http client is required")
	}
	if origin == nil || origin.Host == "" {
		return nil, errors.New("origin is required")
	}
	if public == nil {
		public = origin
	}
	return &OriginFetcher{client: client, origin: origin, public: public}, nil
}

// Fetch performs req against the network and wraps the body for
// consumption tracking.
func (f *OriginFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	target := *req.URL
	typ := worker.ResponseCORS
	if f.sameOrigin(target.Host) {
		target.Scheme = f.origin.Scheme
		target.Host = f.origin.Host
		typ = worker.ResponseBasic
	}
	target.Fragment = ""

	body := req.Body
	if body == nil {
		body = http.NoBody
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = req.ContentLength
	CopyHeaders(out.Header, req.Header)
	// Let the transport negotiate compression so stored bodies are plain bytes.
	out.Header.Del("Accept-Encoding")
	if typ == worker.ResponseBasic {
		out.Host = f.origin.Host
		out.Header.Set("X-Forwarded-Host", req.URL.Host)
		out.Header.Set("X-Forwarded-Proto", req.URL.Scheme)
	}

	resp, err := f.client.Do(out)
	if err != nil {
		return nil, err
	}
	StripHopByHop(resp.Header)
	if isRedirect(resp.StatusCode) {
		typ = worker.ResponseOpaqueRedirect
	}
	return worker.TrackBody(resp, typ), nil
}

func (f *OriginFetcher) sameOrigin(host string) bool {
	host = strings.ToLower(host)
	return host == strings.ToLower(f.public.Host) || host == strings.ToLower(f.origin.Host)
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}
