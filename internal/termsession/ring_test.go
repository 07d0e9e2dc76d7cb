package termsession

import "testing"

func TestRingWriteAndSnapshot(t *testing.T) {
	r := NewRing(1)
	r.Write([]byte("hello"))
	r.Write([]byte(" world"))

	if got := string(r.Snapshot()); got != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", got)
	}
	if r.TotalWritten() != int64(len("hello world")) {
		t.Fatalf("expected total %d, got %d", len("hello world"), r.TotalWritten())
	}
}

func TestRingWrapsAndRetainsOnlyWindow(t *testing.T) {
	r := &Ring{data: make([]byte, 8), size: 8, notifyCh: make(chan struct{})}

	r.Write([]byte("abcdefgh")) // exactly fills
	r.Write([]byte("ij"))       // wraps, overwriting "ab"

	got := string(r.Snapshot())
	want := "cdefghij"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if r.TotalWritten() != 10 {
		t.Fatalf("expected total 10, got %d", r.TotalWritten())
	}
}

func TestRingSinceOffsetReturnsOnlyNewBytes(t *testing.T) {
	r := NewRing(1)
	r.Write([]byte("abc"))
	data, next := r.SinceOffset(0)
	if string(data) != "abc" || next != 3 {
		t.Fatalf("unexpected since-offset result: %q, %d", data, next)
	}

	r.Write([]byte("def"))
	data, next = r.SinceOffset(next)
	if string(data) != "def" || next != 6 {
		t.Fatalf("unexpected second since-offset result: %q, %d", data, next)
	}

	data, next = r.SinceOffset(next)
	if len(data) != 0 || next != 6 {
		t.Fatalf("expected no new data, got %q, %d", data, next)
	}
}

func TestRingSinceOffsetClampsToOldestRetained(t *testing.T) {
	r := &Ring{data: make([]byte, 4), size: 4, notifyCh: make(chan struct{})}
	r.Write([]byte("abcdefgh")) // only "efgh" retained, total=8

	data, next := r.SinceOffset(0)
	if string(data) != "efgh" || next != 8 {
		t.Fatalf("expected clamp to retained window, got %q, %d", data, next)
	}
}

func TestRingNotifyWakesOnWrite(t *testing.T) {
	r := NewRing(1)
	ch := r.Notify()

	done := make(chan struct{})
	go func() {
		r.Write([]byte("x"))
		close(done)
	}()
	<-done

	select {
	case <-ch:
	default:
		t.Fatal("expected notify channel to be closed after write")
	}
}

func TestRingCloseWakesWaitersAndSticks(t *testing.T) {
	r := NewRing(1)
	ch := r.Notify()
	r.Close()

	select {
	case <-ch:
	default:
		t.Fatal("expected notify channel to close on Close")
	}
	if !r.IsClosed() {
		t.Fatal("expected IsClosed to report true")
	}
	r.Close() // must not panic on double close
}
