package server

import (
	"net/http"
	"net/netip"
	"strings"
)

// ------------------------------------------------------------
// Client IP (access log only, never used for authorization)
//
// Sources are tried in order and the first public address wins:
//  1. X-Forwarded-For, left to right
//  2. CloudFront-Viewer-Address ("ip:port", IPv6 unbracketed)
//  3. RemoteAddr
//
// IPv4-mapped IPv6 is reported as plain IPv4.
// ------------------------------------------------------------

var ipSources = []func(*http.Request) []string{
	func(r *http.Request) []string {
		return strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	},
	func(r *http.Request) []string {
		v := r.Header.Get("CloudFront-Viewer-Address")
		if i := strings.LastIndexByte(v, ':'); i > 0 {
			v = v[:i]
		}
		return []string{v}
	},
	func(r *http.Request) []string {
		if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
			return []string{ap.Addr().String()}
		}
		return []string{r.RemoteAddr}
	},
}

func clientIP(r *http.Request) string {
	for _, src := range ipSources {
		for _, cand := range src(r) {
			if a, ok := publicAddr(cand); ok {
				return a.String()
			}
		}
	}
	return ""
}

func publicAddr(s string) (netip.Addr, bool) {
	a, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, false
	}
	a = a.Unmap()
	switch {
	case a.IsUnspecified(), a.IsPrivate(), a.IsLoopback(),
		a.IsLinkLocalUnicast(), a.IsLinkLocalMulticast():
		return netip.Addr{}, false
	}
	return a, true
}
