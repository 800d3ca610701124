// Package shmqueue implements the shared-memory queue library the
// multiprocess executor uses to exchange encoded RuntimeData values
// with child processes: named, bounded, single-writer/single-reader,
// ordered queues over mmap'd segments, with both blocking and try-send
// semantics.
//
// It is descended from the teacher's kernel ring-buffer consumer
// (internal/ringbuf), generalized from a kernel-to-userspace-only eBPF
// ring into a userspace, bidirectional, named mmap'd queue — the
// multiprocess executor needs a queue any process can open by name on
// either end, which a kernel ring buffer cannot provide.
package shmqueue

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cilium/ebpf/rlimit"
	"golang.org/x/sys/unix"
)

// headerSize is the fixed prefix holding the write and read cursors, each
// a little-endian uint64 accessed atomically by the single writer and the
// single reader respectively.
const headerSize = 16

// frameHeaderSize is the 4-byte length prefix in front of every frame
// written into the ring.
const frameHeaderSize = 4

// Queue is one named, bounded, single-writer/single-reader mmap'd ring.
type Queue struct {
	name     string
	path     string
	file     *os.File
	data     []byte // mmap'd region: header + ring
	capacity uint64 // ring data capacity, excluding header
	writer   bool
}

// segmentDir is where named segments live; on Linux this is tmpfs-backed,
// giving the same not-actually-disk-backed behavior a /dev/shm segment
// would.
var segmentDir = filepath.Join(os.TempDir(), "pipelinert-shm")

// Create allocates a new named segment as the owning side. Capacity is
// the ring's usable byte capacity, excluding the header. Either side may
// push or pop; a queue has one writer and one reader by convention.
func Create(name string, capacity uint64) (*Queue, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("shmqueue: remove memlock limit: %w", err)
	}
	if err := os.MkdirAll(segmentDir, 0o755); err != nil {
		return nil, fmt.Errorf("shmqueue: create segment dir: %w", err)
	}

	path := segmentPath(name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shmqueue: create segment %q: %w", name, err)
	}

	size := int64(headerSize + capacity)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("shmqueue: truncate segment %q: %w", name, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmqueue: mmap segment %q: %w", name, err)
	}

	q := &Queue{name: name, path: path, file: f, data: data, capacity: capacity, writer: true}
	q.storeCursor(0, 0)
	q.storeCursor(8, 0)
	return q, nil
}

// Open attaches to an existing named segment as the attaching side. The
// child process receives name and capacity at spawn, per §4.6.
func Open(name string, capacity uint64) (*Queue, error) {
	path := segmentPath(name)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shmqueue: open segment %q: %w", name, err)
	}

	size := int64(headerSize + capacity)
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmqueue: mmap segment %q: %w", name, err)
	}

	return &Queue{name: name, path: path, file: f, data: data, capacity: capacity, writer: false}, nil
}

func segmentPath(name string) string {
	return filepath.Join(segmentDir, name+".shmq")
}

func (q *Queue) cursorPtr(offset int) *uint64 {
	return (*uint64)(unsafe.Pointer(&q.data[offset]))
}

func (q *Queue) loadCursor(offset int) uint64 {
	return atomic.LoadUint64(q.cursorPtr(offset))
}

func (q *Queue) storeCursor(offset int, v uint64) {
	atomic.StoreUint64(q.cursorPtr(offset), v)
}

func (q *Queue) writeCursor() uint64 { return q.loadCursor(0) }
func (q *Queue) readCursor() uint64  { return q.loadCursor(8) }

func (q *Queue) ring() []byte { return q.data[headerSize:] }

// used returns the number of bytes currently occupied in the ring.
func (q *Queue) used() uint64 {
	return q.writeCursor() - q.readCursor()
}

// TryPush attempts a non-blocking enqueue of one frame. It returns
// ErrFull if there is not enough room.
func (q *Queue) TryPush(payload []byte) error {
	need := uint64(frameHeaderSize + len(payload))
	if need > q.capacity {
		return fmt.Errorf("shmqueue: frame of %d bytes exceeds ring capacity %d", len(payload), q.capacity)
	}
	if q.capacity-q.used() < need {
		return ErrFull
	}

	ring := q.ring()
	w := q.writeCursor()

	var lenBuf [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	q.writeBytes(ring, w, lenBuf[:])
	q.writeBytes(ring, w+frameHeaderSize, payload)

	atomic.StoreUint64(q.cursorPtr(0), w+need)
	return nil
}

// Push blocks (spin-polling with a short sleep, since this ring has no
// futex/condvar wired to it across process boundaries) until there is
// room or the timeout passes; a timeout of zero or less waits forever.
func (q *Queue) Push(payload []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		err := q.TryPush(payload)
		if err == nil {
			return nil
		}
		if err != ErrFull {
			return err
		}
		if timeout > 0 && time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

// TryPop attempts a non-blocking dequeue of one frame.
func (q *Queue) TryPop() ([]byte, error) {
	if q.used() < frameHeaderSize {
		return nil, ErrEmpty
	}

	ring := q.ring()
	r := q.readCursor()

	lenBuf := q.readBytes(ring, r, frameHeaderSize)
	payloadLen := binary.LittleEndian.Uint32(lenBuf)
	total := uint64(frameHeaderSize) + uint64(payloadLen)
	if q.used() < total {
		return nil, ErrEmpty
	}

	payload := q.readBytes(ring, r+frameHeaderSize, int(payloadLen))
	atomic.StoreUint64(q.cursorPtr(8), r+total)
	return payload, nil
}

// Pop blocks until a frame is available or timeout elapses (0 means wait
// forever).
func (q *Queue) Pop(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		payload, err := q.TryPop()
		if err == nil {
			return payload, nil
		}
		if err != ErrEmpty {
			return nil, err
		}
		if timeout > 0 && time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

// writeBytes writes src into the ring starting at absolute cursor pos,
// wrapping modulo capacity.
func (q *Queue) writeBytes(ring []byte, pos uint64, src []byte) {
	start := pos % q.capacity
	n := copy(ring[start:], src)
	if n < len(src) {
		copy(ring[0:], src[n:])
	}
}

func (q *Queue) readBytes(ring []byte, pos uint64, n int) []byte {
	start := pos % q.capacity
	out := make([]byte, n)
	copied := copy(out, ring[start:])
	if copied < n {
		copy(out[copied:], ring[0:])
	}
	return out
}

// Unlink removes the backing segment file. Only the multiprocess
// executor, as sole allocator, calls this — during teardown, after every
// child holding the segment has exited.
func (q *Queue) Unlink() error {
	if err := q.Close(); err != nil {
		return err
	}
	if !q.writer {
		return nil
	}
	if err := os.Remove(q.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("shmqueue: unlink segment %q: %w", q.name, err)
	}
	return nil
}

// Close unmaps the segment and closes the backing file descriptor without
// removing the file itself.
func (q *Queue) Close() error {
	if q.data != nil {
		if err := unix.Munmap(q.data); err != nil {
			return fmt.Errorf("shmqueue: munmap segment %q: %w", q.name, err)
		}
		q.data = nil
	}
	return q.file.Close()
}
