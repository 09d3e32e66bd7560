// Package initrd implements the read-only initial-ramdisk filesystem the
// kernel mounts at boot to reach its first user programs before any real
// storage driver exists. The on-image layout is the flat format the
// mkdisk host tool produces: a magic, an entry count, then each entry's
// path, type and bytes back to back. The whole image is pulled from the
// storage stream once at mount time; every later operation is served from
// memory.
package initrd

import (
	"encoding/binary"
	"strings"

	"ia32kernel/kernel"
	"ia32kernel/kernel/vfs"
)

// Magic identifies an initrd image.
const Magic = "NXRD"

// Entry types stored in the image.
const (
	EntryFile uint32 = 1
	EntryDir  uint32 = 2
)

var (
	errBadImage = &kernel.Error{Module: "initrd", Message: "storage does not contain a valid initrd image"}
	errReadOnly = &kernel.Error{Module: "initrd", Message: "the initial ramdisk is read-only"}
)

type entry struct {
	path    string
	isDir   bool
	content []byte
}

// Driver is the vfs.FilesystemDriver over one parsed initrd image.
type Driver struct {
	storage *vfs.Stream
	entries map[string]*entry
}

// Mount parses the initrd image on storage and returns a driver for it;
// it is the vfs.FilesystemConstructor to pass to vfs.MountFS.
func Mount(storage *vfs.Stream) (vfs.FilesystemDriver, *kernel.Error) {
	size, err := storage.Seek(0, vfs.SeekEnd)
	if err != nil {
		return nil, err
	}
	if _, err = storage.Seek(0, vfs.SeekBegin); err != nil {
		return nil, err
	}

	img := make([]byte, size)
	if size > 0 {
		if _, err = storage.Read(img); err != nil {
			return nil, err
		}
	}

	d := &Driver{storage: storage, entries: make(map[string]*entry)}
	if err := d.parse(img); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Driver) parse(img []byte) *kernel.Error {
	if len(img) < len(Magic)+4 || string(img[:len(Magic)]) != Magic {
		return errBadImage
	}

	off := uint32(len(Magic))
	count := binary.LittleEndian.Uint32(img[off:])
	off += 4

	read32 := func() (uint32, bool) {
		if off+4 > uint32(len(img)) {
			return 0, false
		}
		v := binary.LittleEndian.Uint32(img[off:])
		off += 4
		return v, true
	}

	d.entries["/"] = &entry{path: "/", isDir: true}

	for i := uint32(0); i < count; i++ {
		nameLen, ok := read32()
		if !ok || off+nameLen > uint32(len(img)) {
			return errBadImage
		}
		path := string(img[off : off+nameLen])
		off += nameLen

		entryType, ok := read32()
		if !ok {
			return errBadImage
		}
		size, ok := read32()
		if !ok || off+size > uint32(len(img)) {
			return errBadImage
		}

		e := &entry{path: path, isDir: entryType == EntryDir}
		if !e.isDir {
			e.content = img[off : off+size]
			off += size
		}
		d.entries[path] = e
	}
	return nil
}

// Create fails: the ramdisk is read-only.
func (d *Driver) Create(path string, perm vfs.Permissions) *kernel.Error {
	return errReadOnly
}

// Mkdir fails: the ramdisk is read-only.
func (d *Driver) Mkdir(path string, perm vfs.Permissions) *kernel.Error {
	return errReadOnly
}

// Open returns a read-only stream over the file at path (relative to the
// mountpoint, starting with the path delimiter).
func (d *Driver) Open(path string, mode vfs.OpenMode) (*vfs.Stream, *kernel.Error) {
	if mode&vfs.OpenWrite != 0 {
		return nil, errReadOnly
	}

	e, ok := d.entries[path]
	if !ok {
		return nil, vfs.ErrNotFound
	}
	if e.isDir {
		return nil, vfs.ErrInvalidArg
	}

	return vfs.NewDriverStream(path, mode, fileOps{}, e), nil
}

// OpenDir lists the direct children of the directory at path.
func (d *Driver) OpenDir(path string) (vfs.DirStream, *kernel.Error) {
	dir, ok := d.entries[path]
	if !ok {
		return nil, vfs.ErrNotFound
	}
	if !dir.isDir {
		return nil, vfs.ErrInvalidArg
	}

	prefix := path
	if prefix != "/" {
		prefix += "/"
	}

	var entries []vfs.DirEntry
	for p, e := range d.entries {
		if p == path || !strings.HasPrefix(p, prefix) {
			continue
		}
		if strings.Contains(p[len(prefix):], "/") {
			continue // deeper than one level
		}
		de := vfs.DirEntry{Name: vfs.Basename(p), Type: vfs.TypeFile, Size: uint32(len(e.content))}
		if e.isDir {
			de.Type = vfs.TypeDirectory
		}
		entries = append(entries, de)
	}

	return &dirStream{entries: entries}, nil
}

// Finalize drops the parsed image and closes the storage stream.
func (d *Driver) Finalize() *kernel.Error {
	d.entries = nil
	if d.storage != nil {
		return d.storage.Close()
	}
	return nil
}

// fileOps serves reads out of a parsed entry's in-memory bytes.
type fileOps struct{}

func fileEntry(s *vfs.Stream) *entry {
	return s.Private.(*entry)
}

func (fileOps) Read(s *vfs.Stream, p []byte) (int, *kernel.Error) {
	e := fileEntry(s)
	pos := s.Pos()

	size := uint32(len(e.content))
	n := uint32(len(p))
	if pos+n > size {
		n = size - pos
	}
	if n == 0 {
		return 0, vfs.ErrEndOfStream
	}

	copy(p, e.content[pos:pos+n])
	s.SetPos(pos + n)
	return int(n), nil
}

func (fileOps) Write(s *vfs.Stream, p []byte) (int, *kernel.Error) {
	return 0, errReadOnly
}

func (fileOps) Seek(s *vfs.Stream, offset int64, origin vfs.SeekOrigin) (uint32, *kernel.Error) {
	size := int64(len(fileEntry(s).content))

	var newPos int64
	switch origin {
	case vfs.SeekBegin:
		newPos = offset
	case vfs.SeekCurrent:
		newPos = int64(s.Pos()) + offset
	case vfs.SeekEnd:
		newPos = size - offset
	default:
		return 0, vfs.ErrInvalidArg
	}

	if newPos < 0 || newPos > size {
		return 0, vfs.ErrInvalidArg
	}
	s.SetPos(uint32(newPos))
	return uint32(newPos), nil
}

func (fileOps) Tell(s *vfs.Stream) uint32 {
	return s.Pos()
}

func (fileOps) Ioctl(s *vfs.Stream, code uint32, arg uintptr) *kernel.Error {
	return vfs.ErrInvalidArg
}

func (fileOps) Close(s *vfs.Stream) *kernel.Error {
	return nil
}

// dirStream iterates the snapshot OpenDir built.
type dirStream struct {
	entries []vfs.DirEntry
	pos     int
}

func (d *dirStream) ReadDir() (vfs.DirEntry, *kernel.Error) {
	if d.pos == len(d.entries) {
		return vfs.DirEntry{}, vfs.ErrEndOfStream
	}
	e := d.entries[d.pos]
	d.pos++
	return e, nil
}

func (d *dirStream) RewindDir() {
	d.pos = 0
}

func (d *dirStream) CloseDir() *kernel.Error {
	d.entries = nil
	return nil
}
