package voyworker

import (
	"net/http"
	"strings"
)

type Strategy int

const (
	NetworkFirst Strategy = iota
	CacheFirst
	StaleWhileRevalidate
)

func (s Strategy) String() string {
	switch s {
	case CacheFirst:
		return "cache_first"
	case StaleWhileRevalidate:
		return "stale_while_revalidate"
	default:
		return "network_first"
	}
}

// SelectStrategy picks the caching strategy for req. ok is false when the
// request must not be intercepted at all (non-GET or non-http(s) scheme).
func SelectStrategy(req *Request, staticMarker string) (Strategy, bool) {
	if req == nil || req.URL == nil || req.Method != http.MethodGet {
		return 0, false
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return 0, false
	}

	switch req.Destination {
	case "image":
		return StaleWhileRevalidate, true
	case "script", "style":
		return CacheFirst, true
	}
	if staticMarker != "" && strings.Contains(req.URL.Path, staticMarker) {
		return CacheFirst, true
	}
	return NetworkFirst, true
}
