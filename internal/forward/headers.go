package forward

import (
	"net/http"
	"strings"
)

// hopByHopHeaders are connection-scoped headers that must not cross a proxy
// leg (RFC 7230 §6.1). Transfer-Encoding is owned by each leg's transport.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// OutboundHeaders builds the header set for the upstream request: a copy of
// the inbound headers minus hop-by-hop headers and any header named in the
// inbound Connection header. Content-Type and Content-Length pass through
// untouched since the body is relayed byte for byte.
func OutboundHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		dst[key] = append([]string(nil), vals...)
	}
	stripHopByHop(dst, src)
	return dst
}

// RelayResponseHeaders copies upstream response headers onto the client
// response, minus hop-by-hop headers.
func RelayResponseHeaders(dst, src http.Header) {
	connNamed := connectionNamed(src)
	for key, vals := range src {
		if isHopByHop(key) || connNamed[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}

// AppendForwarded records the client on the outbound request the standard
// way: X-Forwarded-For is appended to, X-Forwarded-Host and X-Forwarded-Proto
// are set only when absent so an earlier proxy's values survive.
func AppendForwarded(h http.Header, clientIP, host, proto string) {
	if clientIP != "" {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			h.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			h.Set("X-Forwarded-For", clientIP)
		}
	}
	if h.Get("X-Forwarded-Host") == "" && host != "" {
		h.Set("X-Forwarded-Host", host)
	}
	if h.Get("X-Forwarded-Proto") == "" && proto != "" {
		h.Set("X-Forwarded-Proto", proto)
	}
}

func stripHopByHop(dst, src http.Header) {
	for name := range connectionNamed(src) {
		dst.Del(name)
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
}

// connectionNamed returns the canonical names of headers listed in the
// Connection header, which are hop-by-hop by declaration.
func connectionNamed(h http.Header) map[string]bool {
	named := make(map[string]bool)
	for _, v := range h.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			token = strings.TrimSpace(token)
			if token != "" && !strings.EqualFold(token, "close") {
				named[http.CanonicalHeaderKey(token)] = true
			}
		}
	}
	return named
}

func isHopByHop(key string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}
