//go:build linux

// Package ringbuf provides a fixed-capacity byte queue whose readable and
// writable regions are each exposed as a single contiguous slice, regardless
// of the logical wrap position, so a caller can hand the slice straight to a
// socket read/write or a streaming codec without an intermediate copy.
//
// The backing storage is one physical region mapped twice into adjacent
// virtual pages (the classic "magic" or "VM" ring buffer trick): writing
// into the tail of the first mapping is the same physical memory as the
// head of the second mapping, so a view that straddles the logical wrap
// point is still one contiguous slice as far as the Go runtime is
// concerned.
package ringbuf

import (
	"errors"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrInvalidSize is returned by New when capacity is not a positive
// multiple of the OS page size.
var ErrInvalidSize = errors.New("ringbuf: capacity must be a positive multiple of the page size")

// ErrOverflow is returned by AdvanceRead/AdvanceWrite when the requested
// advance exceeds the currently available readable/writable length.
var ErrOverflow = errors.New("ringbuf: advance exceeds available length")

// RingBuffer is a single fixed-capacity byte queue. It is not safe for
// concurrent use by more than one reader and one writer at a time, and in
// this codebase it is only ever touched from the event loop goroutine.
type RingBuffer struct {
	mem        []byte // length 2*capacity, double virtual mapping of one physical region
	capacity   uint64
	readIndex  uint64
	writeIndex uint64
}

// New creates a ring buffer of the given capacity, which must be a positive
// multiple of the OS page size.
func New(capacity int) (*RingBuffer, error) {
	page := unix.Getpagesize()
	if capacity <= 0 || capacity%page != 0 {
		return nil, ErrInvalidSize
	}
	cap64 := uint64(capacity)

	fd, err := unix.MemfdCreate("ringbuf", 0)
	if err != nil {
		return nil, err
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(capacity)); err != nil {
		return nil, err
	}

	// Reserve 2*capacity bytes of contiguous virtual address space so the
	// two fixed mappings below are guaranteed to land adjacently.
	base, _, errno := unix.Syscall6(unix.SYS_MMAP, 0, uintptr(2*capacity),
		unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, ^uintptr(0), 0)
	if errno != 0 {
		return nil, errno
	}

	if _, _, errno := unix.Syscall6(unix.SYS_MMAP, base, uintptr(capacity),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED, uintptr(fd), 0); errno != 0 {
		unix.Syscall(unix.SYS_MUNMAP, base, uintptr(2*capacity), 0)
		return nil, errno
	}
	if _, _, errno := unix.Syscall6(unix.SYS_MMAP, base+uintptr(capacity), uintptr(capacity),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED, uintptr(fd), 0); errno != 0 {
		unix.Syscall(unix.SYS_MUNMAP, base, uintptr(2*capacity), 0)
		return nil, errno
	}

	mem := unsafe.Slice((*byte)(unsafe.Pointer(base)), 2*capacity)

	rb := &RingBuffer{mem: mem, capacity: cap64}
	runtime.SetFinalizer(rb, (*RingBuffer).Close)
	return rb, nil
}

// Capacity returns the fixed capacity of the buffer in bytes.
func (r *RingBuffer) Capacity() int { return int(r.capacity) }

// Readable returns a contiguous view of the currently queued, unread bytes.
func (r *RingBuffer) Readable() ([]byte, int) {
	n := r.writeIndex - r.readIndex
	pos := r.readIndex % r.capacity
	return r.mem[pos : pos+n], int(n)
}

// Writable returns a contiguous view of the currently free space available
// for writing.
func (r *RingBuffer) Writable() ([]byte, int) {
	n := r.capacity - (r.writeIndex - r.readIndex)
	pos := r.writeIndex % r.capacity
	return r.mem[pos : pos+n], int(n)
}

// AdvanceRead commits n bytes as consumed. n must not exceed the length
// last reported by Readable.
func (r *RingBuffer) AdvanceRead(n int) error {
	if n < 0 || uint64(n) > r.writeIndex-r.readIndex {
		return ErrOverflow
	}
	r.readIndex += uint64(n)
	return nil
}

// AdvanceWrite commits n bytes as written. n must not exceed the length
// last reported by Writable.
func (r *RingBuffer) AdvanceWrite(n int) error {
	if n < 0 || uint64(n) > r.capacity-(r.writeIndex-r.readIndex) {
		return ErrOverflow
	}
	r.writeIndex += uint64(n)
	return nil
}

// Len returns the number of unread bytes currently queued.
func (r *RingBuffer) Len() int { return int(r.writeIndex - r.readIndex) }

// Reset drops all queued bytes without releasing the backing mapping.
func (r *RingBuffer) Reset() {
	r.readIndex = 0
	r.writeIndex = 0
}

// Close releases the virtual memory mapping. The buffer must not be used
// afterwards.
func (r *RingBuffer) Close() error {
	runtime.SetFinalizer(r, nil)
	if r.mem == nil {
		return nil
	}
	base := uintptr(unsafe.Pointer(&r.mem[0]))
	length := uintptr(2 * r.capacity)
	r.mem = nil
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, base, length, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
