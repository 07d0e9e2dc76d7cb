package proxy

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// resolveTarget extracts the raw alias, session id, port, and upstream path
// shared by both the HTTP and Upgrade proxies, enforcing access.
func (p *Proxy) resolveTarget(r *http.Request) (rawAlias string, session SessionView, port int, upstreamPath string, err error) {
	rawAlias = chi.URLParam(r, "sid")
	sessionID := p.deps.ResolveSessionID(rawAlias)

	session, ok := p.deps.LookupActiveSession(sessionID)
	if !ok || !session.Active {
		return rawAlias, session, 0, "", errNotFound
	}
	if !p.deps.Authorize(session) {
		return rawAlias, session, 0, "", errForbidden
	}

	portStr := chi.URLParam(r, "port")
	port, convErr := strconv.Atoi(portStr)
	if convErr != nil || port < 1 || port > 65535 {
		return rawAlias, session, 0, "", errInvalid
	}

	suffix := chi.URLParam(r, "*")
	upstreamPath = "/" + suffix
	if r.URL.RawQuery != "" {
		upstreamPath += "?" + r.URL.RawQuery
	}

	return rawAlias, session, port, upstreamPath, nil
}

type proxyError struct {
	status int
	msg    string
}

func (e *proxyError) Error() string { return e.msg }

var (
	errNotFound  = &proxyError{http.StatusNotFound, "session not found"}
	errForbidden = &proxyError{http.StatusForbidden, "access denied"}
	errInvalid   = &proxyError{http.StatusBadRequest, "invalid port"}
)

// ServeHTTP implements the plain Service Proxy (HTTP): it composes a
// minimal HTTP/1.1 request on a freshly-opened tunnel stream and streams
// the response back.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := newRequestID()

	rawAlias, session, port, upstreamPath, err := p.resolveTarget(r)
	if err != nil {
		p.writeProxyError(w, err)
		p.logCompletion(reqID, session.SessionID, r.Method, statusOf(err), 0, 0, time.Since(start), err)
		return
	}

	if err := p.deps.RateLimiter.Allow(session.SessionID); err != nil {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		p.logCompletion(reqID, session.SessionID, r.Method, http.StatusTooManyRequests, 0, 0, time.Since(start), err)
		return
	}

	stream, err := p.deps.OpenStream(r.Context(), session.SessionID, port)
	if err != nil {
		http.Error(w, "no tunnel registered for session", http.StatusServiceUnavailable)
		p.logCompletion(reqID, session.SessionID, r.Method, http.StatusServiceUnavailable, 0, 0, time.Since(start), err)
		return
	}
	defer stream.Close()

	upstreamHost := fmt.Sprintf("127.0.0.1:%d", port)
	upstreamReq, err := http.NewRequest(r.Method, "http://"+upstreamHost+upstreamPath, r.Body)
	if err != nil {
		http.Error(w, "malformed request", http.StatusBadGateway)
		p.logCompletion(reqID, session.SessionID, r.Method, http.StatusBadGateway, 0, 0, time.Since(start), err)
		return
	}
	upstreamReq.Host = upstreamHost
	copyForwardableHeaders(upstreamReq.Header, r.Header, true)
	upstreamReq.Header.Set("X-Forwarded-Proto", forwardedProto(r))
	upstreamReq.Header.Set("X-Forwarded-Host", r.Host)
	upstreamReq.Header.Set("X-Forwarded-For", r.RemoteAddr)
	upstreamReq.Header.Set("X-Forwarded-Prefix", "/api/sessions/"+rawAlias+"/service/"+strconv.Itoa(port))

	bytesUp, err := countingWrite(stream, upstreamReq)
	if err != nil {
		http.Error(w, "upstream write failed: "+err.Error(), http.StatusBadGateway)
		p.logCompletion(reqID, session.SessionID, r.Method, http.StatusBadGateway, bytesUp, 0, time.Since(start), err)
		return
	}

	resp, err := readResponseWithTimeout(stream, upstreamReq, p.deps.FirstByteTimeout)
	if err != nil {
		http.Error(w, "upstream error: "+err.Error(), http.StatusBadGateway)
		p.logCompletion(reqID, session.SessionID, r.Method, http.StatusBadGateway, bytesUp, 0, time.Since(start), err)
		return
	}
	defer resp.Body.Close()

	copyForwardableHeaders(w.Header(), resp.Header, true)
	w.WriteHeader(resp.StatusCode)
	bytesDown, _ := io.Copy(w, resp.Body)

	p.logCompletion(reqID, session.SessionID, r.Method, resp.StatusCode, bytesUp, bytesDown, time.Since(start), nil)
}

func (p *Proxy) writeProxyError(w http.ResponseWriter, err error) {
	if pe, ok := err.(*proxyError); ok {
		http.Error(w, pe.msg, pe.status)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func statusOf(err error) int {
	if pe, ok := err.(*proxyError); ok {
		return pe.status
	}
	return http.StatusInternalServerError
}

func forwardedProto(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// countingWrite writes req to w (as raw HTTP/1.1) and reports the exact
// number of bytes written, counted by a wrapping writer.
func countingWrite(w io.Writer, req *http.Request) (int64, error) {
	cw := &countingWriter{w: w}
	if err := req.Write(cw); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// readResponseWithTimeout parses an HTTP response from r, failing if no
// complete response header arrives within timeout.
func readResponseWithTimeout(r io.Reader, req *http.Request, timeout time.Duration) (*http.Response, error) {
	type result struct {
		resp *http.Response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := http.ReadResponse(bufio.NewReader(r), req)
		ch <- result{resp, err}
	}()

	select {
	case res := <-ch:
		return res.resp, res.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out waiting for upstream response")
	}
}

func (p *Proxy) logCompletion(reqID, sessionID, method string, status int, bytesUp, bytesDown int64, dur time.Duration, err error) {
	if err != nil {
		log.Printf("[proxy] req=%s session=%s method=%s status=%d up=%d down=%d dur=%s err=%v",
			reqID, sessionID, method, status, bytesUp, bytesDown, dur, err)
		return
	}
	log.Printf("[proxy] req=%s session=%s method=%s status=%d up=%d down=%d dur=%s",
		reqID, sessionID, method, status, bytesUp, bytesDown, dur)
}
