package proxy

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// ServeUpgrade implements the Service Proxy (Upgrade): it composes a
// minimal HTTP/1.1 upgrade request on a freshly-opened tunnel stream,
// replays the client's already-buffered body (the HTTP parser's residue)
// if any, then pipes bytes both directions until either side closes. It
// never parses the upstream's WebSocket frames; it is a transparent byte
// bridge after the upgrade line is composed.
func (p *Proxy) ServeUpgrade(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := newRequestID()

	_, session, port, upstreamPath, err := p.resolveTarget(r)
	if err != nil {
		p.writeProxyError(w, err)
		p.logCompletion(reqID, session.SessionID, r.Method, statusOf(err), 0, 0, time.Since(start), err)
		return
	}

	stream, err := p.deps.OpenStream(r.Context(), session.SessionID, port)
	if err != nil {
		http.Error(w, "no tunnel registered for session", http.StatusServiceUnavailable)
		p.logCompletion(reqID, session.SessionID, r.Method, http.StatusServiceUnavailable, 0, 0, time.Since(start), err)
		return
	}

	upstreamHost := fmt.Sprintf("127.0.0.1:%d", port)
	upstreamReq, err := http.NewRequest(r.Method, "http://"+upstreamHost+upstreamPath, nil)
	if err != nil {
		stream.Close()
		http.Error(w, "malformed request", http.StatusBadGateway)
		p.logCompletion(reqID, session.SessionID, r.Method, http.StatusBadGateway, 0, 0, time.Since(start), err)
		return
	}
	upstreamReq.Host = upstreamHost
	copyForwardableHeaders(upstreamReq.Header, r.Header, false)

	bytesUp, err := countingWrite(stream, upstreamReq)
	if err != nil {
		stream.Close()
		http.Error(w, "upstream write failed: "+err.Error(), http.StatusBadGateway)
		p.logCompletion(reqID, session.SessionID, r.Method, http.StatusBadGateway, bytesUp, 0, time.Since(start), err)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		stream.Close()
		http.Error(w, "upgrade unsupported", http.StatusInternalServerError)
		p.logCompletion(reqID, session.SessionID, r.Method, http.StatusInternalServerError, bytesUp, 0, time.Since(start), fmt.Errorf("response writer does not support hijacking"))
		return
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		stream.Close()
		p.logCompletion(reqID, session.SessionID, r.Method, http.StatusInternalServerError, bytesUp, 0, time.Since(start), err)
		return
	}

	// Replay whatever bytes the HTTP parser had already buffered past the
	// request line before Hijack handed the connection back to us.
	if n := clientBuf.Reader.Buffered(); n > 0 {
		residue := make([]byte, n)
		clientBuf.Read(residue)
		stream.Write(residue)
	}

	p.relay(clientConn, stream)
	p.logCompletion(reqID, session.SessionID, r.Method, http.StatusSwitchingProtocols, bytesUp, 0, time.Since(start), nil)
}

// relay pipes bytes both directions until either side closes, then closes
// both ends.
func (p *Proxy) relay(client io.ReadWriteCloser, upstream io.ReadWriteCloser) {
	done := make(chan struct{}, 2)

	go func() {
		io.Copy(upstream, client)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(client, upstream)
		done <- struct{}{}
	}()

	<-done
	client.Close()
	upstream.Close()
	log.Printf("[proxy] upgrade relay torn down")
}
