package tunnel

import (
	"context"
	"errors"
	"sync"
)

// ErrStreamClosed is returned by Read/Write once a stream has ended, either
// by an explicit end frame, a local Close, or carrier teardown.
var ErrStreamClosed = errors.New("tunnel: stream closed")

// Stream is one multiplexed duplex byte stream opened over a Carrier. It
// satisfies io.Reader, io.Writer, and io.Closer so the service proxy can
// treat it like any other net.Conn-ish transport.
type Stream struct {
	id      uint32
	carrier *Carrier

	mu     sync.Mutex
	inbox  chan []byte
	buf    []byte
	closed bool
	endErr error
}

func newStream(id uint32, carrier *Carrier) *Stream {
	return &Stream{
		id:      id,
		carrier: carrier,
		inbox:   make(chan []byte, 32),
	}
}

// ID returns the stream's allocated id.
func (s *Stream) ID() uint32 { return s.id }

// deliver is called by the carrier's read loop with inbound data frame
// payloads, in order.
func (s *Stream) deliver(data []byte) {
	select {
	case s.inbox <- data:
	default:
		// Slow consumer: drop rather than block the carrier's single read
		// loop, which would stall every other stream on the connection.
	}
}

// end is called by the carrier on an end frame, an err control message, or
// carrier teardown. Closing inbox signals Read to return err (ErrStreamClosed
// if err is nil).
func (s *Stream) end(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.endErr = err
	close(s.inbox)
	s.mu.Unlock()
}

// Read returns the next chunk of stream data. It returns ErrStreamClosed (or
// a more specific error recorded by end) once the stream has ended and no
// buffered data remains.
func (s *Stream) Read(p []byte) (int, error) {
	if len(s.buf) == 0 {
		data, ok := <-s.inbox
		if !ok {
			s.mu.Lock()
			err := s.endErr
			s.mu.Unlock()
			if err != nil {
				return 0, err
			}
			return 0, ErrStreamClosed
		}
		s.buf = data
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Write sends p to the remote side as a single data frame.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrStreamClosed
	}
	s.mu.Unlock()

	if err := s.carrier.sendBinary(context.Background(), frameTypeData, s.id, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends an end frame for this stream and releases it from the
// carrier's registry. Safe to call more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	already := s.closed
	s.mu.Unlock()

	s.carrier.releaseStream(s.id)
	if already {
		return nil
	}
	s.end(nil)
	return s.carrier.sendBinary(context.Background(), frameTypeEnd, s.id, nil)
}
