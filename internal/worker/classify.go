package worker

import (
	"net/http"
	"strings"
)

// Exclusion reasons reported in logs and metrics.
const (
	ReasonMethod     = "method"
	ReasonScheme     = "scheme"
	ReasonBackend    = "backend"
	ReasonSuffix     = "suffix"
	ReasonDevTooling = "dev_tooling"
)

// Classification is the outcome of Classify. Excluded requests never touch a
// bucket.
type Classification struct {
	Excluded bool
	Reason   string
}

// Classifier decides which requests are cache candidates. It only looks at the
// method and the URL.
type Classifier struct {
	// BackendDomain is matched as a case-insensitive substring of the host.
	BackendDomain string
	// ExcludedSuffixes are matched case-insensitively against the end of the path.
	ExcludedSuffixes []string
	// DevMarkers are matched as substrings of the path.
	DevMarkers []string
}

// DefaultClassifier excludes .pdf documents and Vite dev-server assets.
func DefaultClassifier(backendDomain string) Classifier {
	return Classifier{
		BackendDomain:    backendDomain,
		ExcludedSuffixes: []string{".pdf"},
		DevMarkers:       []string{"vite", "@vite"},
	}
}

// Classify reports whether req must bypass the cache and why.
func (c Classifier) Classify(req *http.Request) Classification {
	if req == nil || req.URL == nil {
		return excluded(ReasonScheme)
	}
	if req.Method != http.MethodGet {
		return excluded(ReasonMethod)
	}
	switch strings.ToLower(req.URL.Scheme) {
	case "http", "https":
	default:
		return excluded(ReasonScheme)
	}
	if domain := strings.ToLower(strings.TrimSpace(c.BackendDomain)); domain != "" {
		if strings.Contains(strings.ToLower(req.URL.Hostname()), domain) {
			return excluded(ReasonBackend)
		}
	}

	path := req.URL.Path
	lowerPath := strings.ToLower(path)
	for _, suffix := range c.ExcludedSuffixes {
		if suffix != "" && strings.HasSuffix(lowerPath, strings.ToLower(suffix)) {
			return excluded(ReasonSuffix)
		}
	}
	for _, marker := range c.DevMarkers {
		if marker != "" && strings.Contains(path, marker) {
			return excluded(ReasonDevTooling)
		}
	}
	return Classification{}
}

func excluded(reason string) Classification {
	return Classification{Excluded: true, Reason: reason}
}
