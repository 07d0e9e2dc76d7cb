package proxy

import (
	"net/http"
	"testing"
)

func TestCopyForwardableHeadersStripsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Set("Keep-Alive", "timeout=5")
	src.Set("Transfer-Encoding", "chunked")
	src.Set("X-Custom", "keep-me")

	dst := http.Header{}
	copyForwardableHeaders(dst, src, true)

	if dst.Get("Keep-Alive") != "" || dst.Get("Transfer-Encoding") != "" {
		t.Fatal("expected hop-by-hop headers to be stripped")
	}
	if dst.Get("X-Custom") != "keep-me" {
		t.Fatal("expected ordinary headers to pass through")
	}
}

func TestCopyForwardableHeadersStripsConnectionForHTTPProxy(t *testing.T) {
	src := http.Header{}
	src.Set("Connection", "keep-alive")
	src.Set("Upgrade", "websocket")

	dst := http.Header{}
	copyForwardableHeaders(dst, src, true)

	if dst.Get("Connection") != "" || dst.Get("Upgrade") != "" {
		t.Fatal("expected Connection/Upgrade to be stripped for the plain HTTP proxy")
	}
}

func TestCopyForwardableHeadersPreservesUpgradeHeaders(t *testing.T) {
	src := http.Header{}
	src.Set("Connection", "Upgrade")
	src.Set("Upgrade", "websocket")
	src.Set("Sec-WebSocket-Key", "abc123")
	src.Set("Sec-WebSocket-Version", "13")

	dst := http.Header{}
	copyForwardableHeaders(dst, src, false)

	if dst.Get("Connection") != "Upgrade" {
		t.Fatal("expected Connection to be preserved for the upgrade proxy")
	}
	if dst.Get("Upgrade") != "websocket" {
		t.Fatal("expected Upgrade header to be preserved")
	}
	if dst.Get("Sec-WebSocket-Key") != "abc123" {
		t.Fatal("expected Sec-WebSocket-Key to be preserved")
	}
}
