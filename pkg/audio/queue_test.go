package audio

import (
	"bytes"
	"testing"
	"time"
)

func TestFrameQueueOrder(t *testing.T) {
	q := NewFrameQueue(1024)

	frames := [][]byte{{1}, {2, 2}, {3, 3, 3}}
	for _, f := range frames {
		if err := q.Enqueue(f); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if q.Len() != 3 {
		t.Errorf("expected 3 queued frames, got %d", q.Len())
	}

	for i, want := range frames {
		got, ok := q.Dequeue()
		if !ok {
			t.Fatalf("dequeue %d failed", i)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d: got %v want %v", i, got, want)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Error("dequeue on empty queue should report false")
	}
}

func TestFrameQueueEvictsOldest(t *testing.T) {
	// Room for roughly two 16-byte frames plus prefixes
	q := NewFrameQueue(48)

	first := bytes.Repeat([]byte{0xA1}, 16)
	second := bytes.Repeat([]byte{0xB2}, 16)
	third := bytes.Repeat([]byte{0xC3}, 16)

	for _, f := range [][]byte{first, second, third} {
		if err := q.Enqueue(f); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	got, ok := q.Dequeue()
	if !ok {
		t.Fatal("expected a frame after eviction")
	}
	if bytes.Equal(got, first) {
		t.Error("oldest frame should have been evicted")
	}
}

func TestFrameQueueRejectsOversized(t *testing.T) {
	q := NewFrameQueue(16)
	if err := q.Enqueue(make([]byte, 32)); err == nil {
		t.Error("expected error for frame larger than the ring")
	}
}

func TestFrameQueueNextUnblocksOnClose(t *testing.T) {
	q := NewFrameQueue(64)
	done := make(chan struct{})

	result := make(chan bool, 1)
	go func() {
		_, ok := q.Next(done)
		result <- ok
	}()

	q.Close()

	select {
	case ok := <-result:
		if ok {
			t.Error("Next should report false after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock on Close")
	}
}

func TestFrameQueueNextDeliversPending(t *testing.T) {
	q := NewFrameQueue(64)
	if err := q.Enqueue([]byte{7, 7}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	frame, ok := q.Next(nil)
	if !ok || !bytes.Equal(frame, []byte{7, 7}) {
		t.Errorf("expected pending frame, got %v ok=%v", frame, ok)
	}
}
