package vfs

import (
	"ia32kernel/kernel"
	"ia32kernel/kernel/sync"
)

// OpenMode is the access-mode word carried by every open stream.
type OpenMode uint32

const (
	OpenRead OpenMode = 1 << iota
	OpenWrite

	OpenReadWrite = OpenRead | OpenWrite
)

// SeekOrigin selects the reference point for Stream.Seek.
type SeekOrigin uint8

const (
	SeekCurrent SeekOrigin = iota
	SeekBegin
	SeekEnd
)

// StreamOps is the capability set backing an open stream: plain VFS files
// use fileOps, device nodes supply their driver's implementation via
// Device.Ops, and mounted filesystems hand back streams wired to their
// own. Every method receives the stream so one ops value can serve every
// stream opened on its node.
type StreamOps interface {
	Read(s *Stream, p []byte) (int, *kernel.Error)
	Write(s *Stream, p []byte) (int, *kernel.Error)
	Seek(s *Stream, offset int64, origin SeekOrigin) (uint32, *kernel.Error)
	Tell(s *Stream) uint32
	Ioctl(s *Stream, code uint32, arg uintptr) *kernel.Error
	Close(s *Stream) *kernel.Error
}

// Stream is an open handle to a file, device or pipe: mode flags, a
// position, the path it was opened with, a back-link to its node and the
// ops that implement the actual I/O. Each open adds a reference to the
// node; Close drops it.
type Stream struct {
	mode OpenMode
	pos  uint32
	path string
	node *Node
	lock sync.Mutex
	ops  StreamOps

	// Private is driver-private per-stream state (distinct from
	// Device.Context, which is shared by every stream on the device).
	Private interface{}
}

// Mode returns the access mode the stream was opened with.
func (s *Stream) Mode() OpenMode { return s.mode }

// Path returns the path the stream was opened with.
func (s *Stream) Path() string { return s.path }

// Node returns the VFS node this stream is open on.
func (s *Stream) Node() *Node { return s.node }

// Pos returns the stream's current position marker.
func (s *Stream) Pos() uint32 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.pos
}

// SetPos moves the position marker without the validation Seek applies;
// device ops use it to maintain their own positioning rules.
func (s *Stream) SetPos(pos uint32) {
	s.lock.Lock()
	s.pos = pos
	s.lock.Unlock()
}

// Read reads up to len(p) bytes into p, advancing the position. Fewer
// bytes than requested is not an error; zero bytes at the end of a file
// is ErrEndOfStream.
func (s *Stream) Read(p []byte) (int, *kernel.Error) {
	if s.mode&OpenRead == 0 {
		return 0, ErrAccessDenied
	}
	return s.ops.Read(s, p)
}

// Write writes len(p) bytes from p, advancing the position and growing
// the backing file if needed.
func (s *Stream) Write(p []byte) (int, *kernel.Error) {
	if s.mode&OpenWrite == 0 {
		return 0, ErrAccessDenied
	}
	return s.ops.Write(s, p)
}

// Seek moves the position marker relative to origin and returns the new
// position.
func (s *Stream) Seek(offset int64, origin SeekOrigin) (uint32, *kernel.Error) {
	return s.ops.Seek(s, offset, origin)
}

// Tell returns the position marker.
func (s *Stream) Tell() uint32 {
	return s.ops.Tell(s)
}

// Ioctl performs a device-specific operation. Plain files fail it.
func (s *Stream) Ioctl(code uint32, arg uintptr) *kernel.Error {
	return s.ops.Ioctl(s, code, arg)
}

// Close releases the stream, notifying device drivers via IoctlClose and
// dropping the node reference taken at Open.
func (s *Stream) Close() *kernel.Error {
	return s.ops.Close(s)
}

// NewDriverStream builds a stream for a mounted filesystem driver's own
// file objects, which have no VFS node behind them: the driver supplies
// the ops and keeps its per-file state in the stream's Private field.
func NewDriverStream(path string, mode OpenMode, ops StreamOps, private interface{}) *Stream {
	return &Stream{
		mode:    mode,
		path:    path,
		ops:     ops,
		Private: private,
	}
}

// fileOps is the StreamOps implementation for plain VFS file nodes, whose
// bytes live in the node's growable content buffer.
type fileOps struct{}

func (fileOps) Read(s *Stream, p []byte) (int, *kernel.Error) {
	// Locking order is node before stream throughout the VFS.
	node := s.node
	node.lock.Lock()
	defer node.lock.Unlock()

	s.lock.Lock()
	defer s.lock.Unlock()

	size := uint32(len(node.content))
	if s.pos > size {
		panicFn(&kernel.Error{Module: "vfs", Message: "stream position is beyond the file's size"})
	}

	n := uint32(len(p))
	if s.pos+n > size {
		n = size - s.pos
	}
	if n == 0 {
		return 0, ErrEndOfStream
	}

	copy(p, node.content[s.pos:s.pos+n])
	s.pos += n
	return int(n), nil
}

func (fileOps) Write(s *Stream, p []byte) (int, *kernel.Error) {
	node := s.node
	node.lock.Lock()
	defer node.lock.Unlock()

	s.lock.Lock()
	defer s.lock.Unlock()

	size := uint32(len(node.content))
	if s.pos > size {
		panicFn(&kernel.Error{Module: "vfs", Message: "stream position is beyond the file's size"})
	}

	end := s.pos + uint32(len(p))
	if end > size {
		if end > uint32(cap(node.content)) {
			// Grow to the required capacity plus 20% headroom so a run
			// of small appends doesn't reallocate on every write.
			newCap := end + end/5
			grown := make([]byte, size, newCap)
			copy(grown, node.content)
			node.content = grown
		}
		node.content = node.content[:end]
	}

	copy(node.content[s.pos:end], p)
	s.pos = end
	return len(p), nil
}

func (fileOps) Seek(s *Stream, offset int64, origin SeekOrigin) (uint32, *kernel.Error) {
	// Take the node's size before the stream lock so the node-before-
	// stream order holds here too.
	size := int64(s.node.Size())

	s.lock.Lock()
	defer s.lock.Unlock()

	var newPos int64
	switch origin {
	case SeekBegin:
		newPos = offset
	case SeekCurrent:
		newPos = int64(s.pos) + offset
	case SeekEnd:
		newPos = size - offset
	default:
		return 0, ErrInvalidArg
	}

	if newPos < 0 || newPos > size {
		return 0, ErrInvalidArg
	}

	s.pos = uint32(newPos)
	return s.pos, nil
}

func (fileOps) Tell(s *Stream) uint32 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.pos
}

func (fileOps) Ioctl(s *Stream, code uint32, arg uintptr) *kernel.Error {
	// Files gracefully refuse ioctl rather than panicking; only devices
	// implement it.
	return ErrInvalidArg
}

func (fileOps) Close(s *Stream) *kernel.Error {
	s.node.release()
	return nil
}

// deviceClose wraps a device stream's teardown: the driver is notified via
// IoctlClose first, then the node reference is dropped. Drivers that
// auto-delete on last close (pipes) trigger their unmount from inside the
// IoctlClose handling, before the reference is released here.
type deviceOps struct {
	StreamOps
}

func (d deviceOps) Close(s *Stream) *kernel.Error {
	// The node reference drops before the driver is notified so a driver
	// that deletes its own node on last close (a pipe with delete-on-
	// close set) sees a zero reference count when it calls back into
	// UnmountDevice.
	s.node.release()
	return d.StreamOps.Ioctl(s, IoctlClose, 0)
}

// DirEntry is one item yielded by a directory stream.
type DirEntry struct {
	Name string
	Type NodeType
	Size uint32
}

// DirStream iterates a directory's entries. OpenDir on a local VFS
// directory snapshots the children at open time; a mounted filesystem
// returns its own implementation.
type DirStream interface {
	// ReadDir returns the next entry, or ErrEndOfStream once the
	// snapshot is exhausted.
	ReadDir() (DirEntry, *kernel.Error)

	// RewindDir resets the iteration to the first entry.
	RewindDir()

	// CloseDir releases the stream's resources.
	CloseDir() *kernel.Error
}

// dirStream is the VFS's own DirStream over a snapshot of a directory's
// children.
type dirStream struct {
	dirname string
	entries []DirEntry
	pos     int
}

func (d *dirStream) ReadDir() (DirEntry, *kernel.Error) {
	if d.pos == len(d.entries) {
		return DirEntry{}, ErrEndOfStream
	}
	entry := d.entries[d.pos]
	d.pos++
	return entry, nil
}

func (d *dirStream) RewindDir() {
	d.pos = 0
}

func (d *dirStream) CloseDir() *kernel.Error {
	d.entries = nil
	return nil
}
