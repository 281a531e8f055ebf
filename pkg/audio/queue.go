package audio

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/smallnest/ringbuffer"
)

// FrameQueue is a bounded outbound queue of encoded audio frames, backed by a
// byte ring. Frames are stored with a 4-byte size prefix. When the ring is
// full the oldest frames are evicted first: for a live voice channel fresh
// audio always wins over stale audio.
type FrameQueue interface {
	Enqueue(frame []byte) error
	// Dequeue pops the oldest frame without blocking.
	Dequeue() ([]byte, bool)
	// Next blocks until a frame is available, the queue is closed, or done
	// fires. The second return is false only when no more frames will come.
	Next(done <-chan struct{}) ([]byte, bool)
	Len() int
	Close()
}

type frameQueue struct {
	mu     sync.Mutex
	rb     *ringbuffer.RingBuffer
	count  int
	notify chan struct{}
	closed bool
}

func NewFrameQueue(capacityBytes int) FrameQueue {
	return &frameQueue{
		rb:     ringbuffer.New(capacityBytes),
		notify: make(chan struct{}, 1),
	}
}

func (q *frameQueue) Enqueue(frame []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errors.New("frame queue closed")
	}

	required := len(frame) + 4
	if required > q.rb.Capacity() {
		return errors.New("audio frame too large for buffer")
	}

	// Evict from the front until the new frame fits
	for q.rb.Free() < required {
		if !q.dropOldestLocked() {
			q.rb.Reset()
			q.count = 0
			break
		}
	}

	var sizeBytes [4]byte
	binary.LittleEndian.PutUint32(sizeBytes[:], uint32(len(frame)))
	if _, err := q.rb.Write(sizeBytes[:]); err != nil {
		return err
	}
	if _, err := q.rb.Write(frame); err != nil {
		return err
	}
	q.count++

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *frameQueue) Dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dequeueLocked()
}

func (q *frameQueue) dequeueLocked() ([]byte, bool) {
	if q.rb.IsEmpty() {
		return nil, false
	}

	var sizeBytes [4]byte
	n, err := q.rb.Read(sizeBytes[:])
	if err != nil || n != 4 {
		return nil, false
	}
	size := binary.LittleEndian.Uint32(sizeBytes[:])

	frame := make([]byte, size)
	n, err = q.rb.Read(frame)
	if err != nil || n != int(size) {
		return nil, false
	}
	q.count--
	return frame, true
}

func (q *frameQueue) dropOldestLocked() bool {
	_, ok := q.dequeueLocked()
	return ok
}

func (q *frameQueue) Next(done <-chan struct{}) ([]byte, bool) {
	for {
		q.mu.Lock()
		frame, ok := q.dequeueLocked()
		closed := q.closed
		q.mu.Unlock()

		if ok {
			return frame, true
		}
		if closed {
			return nil, false
		}

		select {
		case <-q.notify:
		case <-done:
			return nil, false
		}
	}
}

func (q *frameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func (q *frameQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}
