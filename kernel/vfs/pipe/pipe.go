// Package pipe provides the kernel's byte-pipe IPC primitive: a fixed-
// capacity ring buffer published on the VFS as a character device under
// /ipc/<name>. Reads fail with a buffer-underflow error when fewer bytes
// than requested are available; writes fail with buffer-overflow when the
// free space cannot take the whole block. The pipe tracks its open-handle
// count and can optionally delete itself from the tree on last close.
package pipe

import (
	"unsafe"

	"github.com/google/uuid"

	"ia32kernel/kernel"
	"ia32kernel/kernel/kfmt"
	"ia32kernel/kernel/sync"
	"ia32kernel/kernel/vfs"
)

// Flag controls optional pipe behavior at creation time.
type Flag uint32

const (
	FlagNone Flag = 0

	// FlagDeleteOnClose unmounts the pipe from the VFS when its last
	// open handle is closed.
	FlagDeleteOnClose Flag = 1 << 0
)

// MountDir is where every pipe publishes itself.
const MountDir = "/ipc"

var (
	ErrBufferUnderflow = &kernel.Error{Module: "pipe", Message: "fewer bytes available than requested"}
	ErrBufferOverflow  = &kernel.Error{Module: "pipe", Message: "not enough free space for the whole write"}

	errNotPositionable = &kernel.Error{Module: "pipe", Message: "pipes do not support positioning"}
	errBadIoctl        = &kernel.Error{Module: "pipe", Message: "unsupported ioctl code"}
	errNotOpen         = &kernel.Error{Module: "pipe", Message: "close issued on a pipe with no open handles"}
)

// desc is a pipe's ring-buffer state, shared by every stream opened on
// its device node. One byte of the buffer is always kept unused so a full
// buffer and an empty buffer have distinguishable read/write positions.
type desc struct {
	lock     sync.Mutex
	readPos  uint32
	writePos uint32
	buffer   []byte
	refCount uint32
	flags    Flag
	path     string

	// tag correlates diagnostics across create/delete cycles of pipes
	// sharing a name; nothing in the data path reads it.
	tag uuid.UUID
}

// available returns the number of bytes ready to read.
func (d *desc) available() uint32 {
	if d.readPos > d.writePos {
		return uint32(len(d.buffer)) - (d.readPos - d.writePos)
	}
	return d.writePos - d.readPos
}

// freeSpace returns the number of bytes a write may add.
func (d *desc) freeSpace() uint32 {
	return uint32(len(d.buffer)) - d.available() - 1
}

func pipeDesc(s *vfs.Stream) *desc {
	return s.Node().Device().Context.(*desc)
}

// ops implements vfs.StreamOps over the pipe's ring buffer.
type ops struct{}

func (ops) Read(s *vfs.Stream, p []byte) (int, *kernel.Error) {
	d := pipeDesc(s)
	d.lock.Lock()
	defer d.lock.Unlock()

	n := uint32(len(p))
	if d.available() < n {
		return 0, ErrBufferUnderflow
	}

	size := uint32(len(d.buffer))
	if d.readPos+n > size {
		// The run wraps: copy the tail of the buffer, then the head.
		s1 := size - d.readPos
		copy(p[:s1], d.buffer[d.readPos:])
		copy(p[s1:], d.buffer[:n-s1])
		d.readPos = n - s1
	} else {
		copy(p, d.buffer[d.readPos:d.readPos+n])
		d.readPos += n
	}
	return int(n), nil
}

func (ops) Write(s *vfs.Stream, p []byte) (int, *kernel.Error) {
	d := pipeDesc(s)
	d.lock.Lock()
	defer d.lock.Unlock()

	n := uint32(len(p))
	if d.freeSpace() < n {
		return 0, ErrBufferOverflow
	}

	size := uint32(len(d.buffer))
	if n > size-d.writePos {
		s1 := size - d.writePos
		copy(d.buffer[d.writePos:], p[:s1])
		copy(d.buffer, p[s1:])
		d.writePos = n - s1
	} else {
		copy(d.buffer[d.writePos:], p)
		d.writePos += n
	}
	return int(n), nil
}

func (ops) Seek(s *vfs.Stream, offset int64, origin vfs.SeekOrigin) (uint32, *kernel.Error) {
	return 0, errNotPositionable
}

func (ops) Tell(s *vfs.Stream) uint32 {
	return 0
}

func (ops) Ioctl(s *vfs.Stream, code uint32, arg uintptr) *kernel.Error {
	d := pipeDesc(s)

	switch code {
	case vfs.IoctlOpen:
		d.lock.Lock()
		d.refCount++
		d.lock.Unlock()
		return nil

	case vfs.IoctlClose:
		d.lock.Lock()
		if d.refCount == 0 {
			d.lock.Unlock()
			return errNotOpen
		}
		d.refCount--
		remaining := d.refCount
		d.lock.Unlock()

		if remaining == 0 && d.flags&FlagDeleteOnClose != 0 {
			// The VFS has already dropped the closing stream's node
			// reference by the time IoctlClose runs, so the unmount sees
			// a zero count.
			return vfs.UnmountDevice(d.path)
		}
		return nil

	case IoctlAvailable:
		if arg == 0 {
			return errBadIoctl
		}
		d.lock.Lock()
		*(*uint32)(unsafe.Pointer(arg)) = d.available()
		d.lock.Unlock()
		return nil

	default:
		return errBadIoctl
	}
}

func (ops) Close(s *vfs.Stream) *kernel.Error {
	// Never reached: the VFS wraps device streams so that Close routes
	// through IoctlClose and the node release itself.
	return nil
}

// IoctlAvailable reports the number of readable bytes through the uint32
// pointed to by the ioctl argument.
const IoctlAvailable = vfs.IoctlDeviceFirst + 0

// Create builds a pipe named name with the given ring-buffer capacity and
// mounts it at /ipc/<name>. The capacity is usable as-is: the ring keeps
// one extra slack byte internally so capacity bytes really fit.
func Create(name string, flags Flag, capacity uint32) *kernel.Error {
	if name == "" || capacity == 0 {
		return vfs.ErrInvalidArg
	}

	path := MountDir + vfs.PathDelimiter + name
	d := &desc{
		buffer: make([]byte, capacity+1),
		flags:  flags,
		path:   path,
		tag:    uuid.New(),
	}

	dev := &vfs.Device{
		DefaultPath: path,
		Type:        vfs.TypeCharDevice,
		Class:       vfs.ClassIPC,
		Ops:         ops{},
		Context:     d,
	}

	if err := vfs.MountDevice(dev, path); err != nil {
		return err
	}

	kfmt.Printf("[pipe] created %s (capacity %d, instance %s)\n", path, capacity, d.tag.String())
	return nil
}
