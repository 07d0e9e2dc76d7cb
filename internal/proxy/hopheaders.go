package proxy

import "net/http"

// alwaysStripped lists headers that are never meaningful across a proxy
// hop, per RFC 7230 §6.1. Connection and Upgrade are handled separately
// below since the Upgrade proxy must preserve them.
var alwaysStripped = map[string]bool{
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
}

// copyForwardableHeaders copies src into dst, always stripping the
// unconditional hop-by-hop set. If stripConnection is true, Connection,
// Upgrade, and Sec-WebSocket-* are also stripped (the plain HTTP proxy);
// otherwise they are preserved (the Upgrade proxy, which requires them to
// negotiate the protocol switch on the far side).
func copyForwardableHeaders(dst, src http.Header, stripConnection bool) {
	for name, values := range src {
		canon := http.CanonicalHeaderKey(name)
		if alwaysStripped[canon] {
			continue
		}
		if stripConnection && isConnectionRelated(canon) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func isConnectionRelated(canon string) bool {
	if canon == "Upgrade" || canon == "Connection" {
		return true
	}
	const prefix = "Sec-Websocket"
	return len(canon) >= len(prefix) && canon[:len(prefix)] == prefix
}
