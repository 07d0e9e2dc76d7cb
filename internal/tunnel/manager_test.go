package tunnel

import "testing"

func TestAllocIDSkipsZeroAndIsMonotonic(t *testing.T) {
	c := newCarrier("s1", nil)
	first := c.allocID()
	if first == 0 {
		t.Fatal("expected first allocated id to skip zero")
	}
	second := c.allocID()
	if second <= first {
		t.Fatalf("expected monotonically increasing ids, got %d then %d", first, second)
	}
}

func TestAllocIDWrapsWithinThirtyOneBits(t *testing.T) {
	c := newCarrier("s1", nil)
	c.nextID = 0x7ffffffe
	c.allocID() // now at 0x7fffffff
	wrapped := c.allocID()
	if wrapped != 1 {
		t.Fatalf("expected wrap to 1, got %d", wrapped)
	}
}

func TestOpenStreamRejectsOutOfRangePorts(t *testing.T) {
	c := newCarrier("s1", nil)
	for _, port := range []int{0, -1, 65536, 100000} {
		if _, err := c.OpenStream(nil, port); err == nil {
			t.Fatalf("expected port %d to be rejected", port)
		}
	}
}

func TestHandleBinaryUnknownStreamIdIsNoOp(t *testing.T) {
	c := newCarrier("s1", nil)
	// Must not panic: an end-frame (or any frame) for an id with no
	// registered stream is simply ignored.
	c.handleBinary(encodeFrame(frameTypeEnd, 999, nil))
	c.handleBinary(encodeFrame(frameTypeData, 999, []byte("x")))
}

func TestHandleBinaryDropsShortFrames(t *testing.T) {
	c := newCarrier("s1", nil)
	st := newStream(1, c)
	c.streams[1] = st
	c.handleBinary([]byte{0x01, 0x00, 0x00}) // shorter than minFrameLen
	select {
	case <-st.inbox:
		t.Fatal("expected short frame to be dropped, not delivered")
	default:
	}
}

func TestHandleBinaryDeliversDataToRegisteredStream(t *testing.T) {
	c := newCarrier("s1", nil)
	st := newStream(7, c)
	c.streams[7] = st

	c.handleBinary(encodeFrame(frameTypeData, 7, []byte("payload")))

	got := <-st.inbox
	if string(got) != "payload" {
		t.Fatalf("expected %q, got %q", "payload", got)
	}
}

func TestHandleBinaryEndFrameClosesStream(t *testing.T) {
	c := newCarrier("s1", nil)
	st := newStream(3, c)
	c.streams[3] = st

	c.handleBinary(encodeFrame(frameTypeEnd, 3, nil))

	if _, ok := c.getStream(3); ok {
		t.Fatal("expected stream to be released after end frame")
	}
	if _, err := st.Read(make([]byte, 1)); err != ErrStreamClosed {
		t.Fatalf("expected ErrStreamClosed after end frame, got %v", err)
	}
}

func TestHandleControlErrAbortsStream(t *testing.T) {
	c := newCarrier("s1", nil)
	st := newStream(5, c)
	c.streams[5] = st

	c.handleControl([]byte(`{"type":"err","id":5,"message":"connection refused"}`))

	if _, ok := c.getStream(5); ok {
		t.Fatal("expected stream to be released after err control message")
	}
	_, err := st.Read(make([]byte, 1))
	if err == nil || err == ErrStreamClosed {
		t.Fatalf("expected a specific abort error, got %v", err)
	}
}

func TestHandleControlUnknownTypeIsTolerated(t *testing.T) {
	c := newCarrier("s1", nil)
	c.handleControl([]byte(`{"type":"hello"}`))
	c.handleControl([]byte(`not even json`))
}

func TestTeardownEndsAllStreamsAndMarksClosed(t *testing.T) {
	c := newCarrier("s1", nil)
	a := newStream(1, c)
	b := newStream(2, c)
	c.streams[1] = a
	c.streams[2] = b

	c.teardown(nil)

	if _, err := a.Read(make([]byte, 1)); err != ErrStreamClosed {
		t.Fatalf("expected stream a to be closed, got %v", err)
	}
	if _, err := b.Read(make([]byte, 1)); err != ErrStreamClosed {
		t.Fatalf("expected stream b to be closed, got %v", err)
	}
	if len(c.streams) != 0 {
		t.Fatal("expected streams map to be cleared")
	}
}

func TestManagerRegisterGetRemove(t *testing.T) {
	m := New()
	if _, ok := m.Get("s1"); ok {
		t.Fatal("expected no carrier before registration")
	}

	c := newCarrier("s1", nil)
	m.mu.Lock()
	m.carriers["s1"] = c
	m.mu.Unlock()

	got, ok := m.Get("s1")
	if !ok || got != c {
		t.Fatal("expected to retrieve the registered carrier")
	}

	m.Remove("s1")
	if _, ok := m.Get("s1"); ok {
		t.Fatal("expected carrier to be gone after Remove")
	}
}
