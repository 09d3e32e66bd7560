package vfs

import (
	"github.com/google/uuid"

	"ia32kernel/kernel"
	"ia32kernel/kernel/kfmt"
)

// panicFn is a package-level var so tests can observe an invariant
// violation without halting; production code leaves it wired to
// kfmt.Panic.
var panicFn = kfmt.Panic

// root is the singleton tree root, created by Init.
var root *Node

// FilesystemDriver is the interface a mounted filesystem implements. The
// VFS forwards the portion of a path that crosses the driver's mountpoint
// to the matching entry point here; paths it receives are relative to the
// mountpoint and always start with the path delimiter.
type FilesystemDriver interface {
	Create(path string, perm Permissions) *kernel.Error
	Open(path string, mode OpenMode) (*Stream, *kernel.Error)
	OpenDir(path string) (DirStream, *kernel.Error)
	Mkdir(path string, perm Permissions) *kernel.Error

	// Finalize is invoked when the filesystem is unmounted.
	Finalize() *kernel.Error
}

// FilesystemConstructor builds a FilesystemDriver over the storage device
// stream the filesystem's bytes live on.
type FilesystemConstructor func(storage *Stream) (FilesystemDriver, *kernel.Error)

// Init creates the root directory node. Must run before any other
// function in this package.
func Init() *kernel.Error {
	root = &Node{nodeType: TypeDirectory, perm: PermAll}
	return nil
}

// Root returns the tree's root node.
func Root() *Node {
	return root
}

// resolve normalizes path and walks it from the root. If a mountpoint
// node is crossed before the final component, the mountpoint is returned
// together with the unresolved remainder (itself an absolute path inside
// the mounted filesystem) and crossed=true; the caller forwards the
// remainder to the mounted driver's matching entry point.
func resolve(path string) (n *Node, remainder string, crossed bool, err *kernel.Error) {
	norm, err := Normalize(path)
	if err != nil {
		return nil, "", false, err
	}
	if norm == PathDelimiter {
		return root, "", false, nil
	}

	current := root
	rest := norm[1:] // skip the leading delimiter

	for rest != "" {
		name := rest
		if idx := indexDelimiter(rest); idx != -1 {
			name, rest = rest[:idx], rest[idx+1:]
		} else {
			rest = ""
		}

		current.lock.Lock()
		child := current.findChild(name)
		current.lock.Unlock()

		if child == nil {
			return nil, "", false, ErrNotFound
		}
		current = child

		if current.nodeType == TypeMountpoint && rest != "" {
			return current, PathDelimiter + rest, true, nil
		}
	}

	return current, "", false, nil
}

func indexDelimiter(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == PathDelimiter[0] {
			return i
		}
	}
	return -1
}

// Open opens the file, device or pipe at path with the given access mode
// and returns a stream handle. Each successful Open adds a reference to
// the node; the matching Stream.Close drops it.
func Open(path string, mode OpenMode) (*Stream, *kernel.Error) {
	node, remainder, crossed, err := resolve(path)
	if err != nil {
		return nil, err
	}
	if crossed {
		return node.fs.Open(remainder, mode)
	}

	if node.perm != PermAll {
		return nil, ErrAccessDenied
	}
	if node.nodeType == TypeDirectory || node.nodeType == TypeMountpoint {
		return nil, ErrInvalidArg
	}

	node.addRef()

	s := &Stream{
		mode: mode,
		path: path,
		node: node,
	}

	switch node.nodeType {
	case TypeFile:
		s.ops = fileOps{}
	case TypeCharDevice, TypeBlockDevice, TypePipe:
		s.ops = deviceOps{StreamOps: node.device.Ops}
		if err := s.ops.Ioctl(s, IoctlOpen, 0); err != nil {
			node.release()
			return nil, err
		}
	default:
		node.release()
		return nil, ErrInvalidArg
	}

	return s, nil
}

// Create makes a new empty file at path. It fails if the target name
// already exists or the parent directory is missing; a path crossing into
// a mounted filesystem is forwarded to that driver's Create.
func Create(path string, perm Permissions) *kernel.Error {
	node, remainder, crossed, err := resolve(path)
	if crossed {
		return node.fs.Create(remainder, perm)
	}
	if err == nil {
		return ErrAlreadyExists
	}
	if err != ErrNotFound {
		return err
	}

	parent, _, parentCrossed, err := resolve(Dirname(path))
	if err != nil {
		return err
	}
	if parentCrossed || parent.nodeType != TypeDirectory {
		return ErrInvalidArg
	}

	_, err = parent.addChild(Basename(path), TypeFile, perm)
	return err
}

// Mkdir creates a new directory at path. Crossing into a mounted
// filesystem forwards to the driver's Mkdir.
func Mkdir(path string, perm Permissions) *kernel.Error {
	node, remainder, crossed, err := resolve(path)
	if crossed {
		return node.fs.Mkdir(remainder, perm)
	}
	if err == nil {
		return ErrAlreadyExists
	}
	if err != ErrNotFound {
		return err
	}

	parent, _, parentCrossed, err := resolve(Dirname(path))
	if err != nil {
		return err
	}
	if parentCrossed || parent.nodeType != TypeDirectory {
		return ErrInvalidArg
	}

	_, err = parent.addChild(Basename(path), TypeDirectory, perm)
	return err
}

// OpenDir opens a directory stream over path. For a local VFS directory
// the children are snapshotted at open time; a path resolving to (or
// crossing) a mountpoint delegates to the mounted filesystem.
func OpenDir(path string) (DirStream, *kernel.Error) {
	node, remainder, crossed, err := resolve(path)
	if err != nil {
		return nil, err
	}
	if crossed {
		return node.fs.OpenDir(remainder)
	}
	if node.nodeType == TypeMountpoint {
		return node.fs.OpenDir(PathDelimiter)
	}
	if node.nodeType != TypeDirectory {
		return nil, ErrInvalidArg
	}

	node.lock.Lock()
	entries := make([]DirEntry, len(node.children))
	for i, child := range node.children {
		entries[i] = DirEntry{
			Name: child.name,
			Type: child.nodeType,
			Size: uint32(len(child.content)),
		}
	}
	node.lock.Unlock()

	return &dirStream{dirname: node.name, entries: entries}, nil
}

// MountDevice creates a device node for dev at path and invokes the
// device's Initialize callback, if any. The parent directory must already
// exist on the local VFS; devices cannot be mounted inside a foreign
// filesystem.
func MountDevice(dev *Device, path string) *kernel.Error {
	if dev == nil || (dev.Type != TypeCharDevice && dev.Type != TypeBlockDevice) {
		return ErrInvalidArg
	}

	_, _, crossed, err := resolve(path)
	if crossed {
		return ErrInvalidArg
	}
	if err == nil {
		return ErrAlreadyExists
	}
	if err != ErrNotFound {
		return err
	}

	parent, _, parentCrossed, err := resolve(Dirname(path))
	if err != nil {
		return err
	}
	if parentCrossed || parent.nodeType != TypeDirectory {
		return ErrInvalidArg
	}

	node, err := parent.addChild(Basename(path), dev.Type, PermAll)
	if err != nil {
		return err
	}
	node.device = dev

	if dev.Initialize != nil {
		if err := dev.Initialize(dev); err != nil {
			parent.removeChild(node)
			return err
		}
	}
	return nil
}

// UnmountDevice invokes the device's Finalize callback and unlinks its
// node. A device with open streams cannot be unmounted.
func UnmountDevice(path string) *kernel.Error {
	node, _, crossed, err := resolve(path)
	if err != nil {
		return err
	}
	if crossed || (node.nodeType != TypeCharDevice && node.nodeType != TypeBlockDevice) {
		return ErrInvalidArg
	}
	if node.RefCount() != 0 {
		return ErrBusy
	}

	if node.device.Finalize != nil {
		if err := node.device.Finalize(node.device); err != nil {
			return err
		}
	}

	node.parent.removeChild(node)
	return nil
}

// MountFS mounts a filesystem at mountPath: the storage device stream at
// storagePath is opened and handed to ctor, and the returned driver is
// recorded on a new mountpoint node. Path resolution crossing that node
// forwards into the driver from then on.
func MountFS(mountPath string, ctor FilesystemConstructor, storagePath string) *kernel.Error {
	if ctor == nil {
		return ErrInvalidArg
	}

	_, _, crossed, err := resolve(mountPath)
	if crossed {
		return ErrInvalidArg
	}
	if err == nil {
		return ErrAlreadyExists
	}
	if err != ErrNotFound {
		return err
	}

	parent, _, parentCrossed, err := resolve(Dirname(mountPath))
	if err != nil {
		return err
	}
	if parentCrossed || parent.nodeType != TypeDirectory {
		return ErrInvalidArg
	}

	storage, err := Open(storagePath, OpenReadWrite)
	if err != nil {
		return err
	}

	driver, err := ctor(storage)
	if err != nil {
		storage.Close()
		return err
	}

	node, err := parent.addChild(Basename(mountPath), TypeMountpoint, PermAll)
	if err != nil {
		driver.Finalize()
		storage.Close()
		return err
	}
	node.fs = driver
	node.mountTag = uuid.New()

	kfmt.Printf("[vfs] mounted filesystem at %s (storage %s, instance %s)\n",
		mountPath, storagePath, node.mountTag.String())
	return nil
}

// UnmountFS finalizes the filesystem driver mounted at mountPath and
// removes the mountpoint node.
func UnmountFS(mountPath string) *kernel.Error {
	node, _, crossed, err := resolve(mountPath)
	if err != nil {
		return err
	}
	if crossed || node.nodeType != TypeMountpoint {
		return ErrInvalidArg
	}
	if node.RefCount() != 0 {
		return ErrBusy
	}

	if err := node.fs.Finalize(); err != nil {
		return err
	}

	kfmt.Printf("[vfs] unmounted filesystem at %s (instance %s)\n",
		mountPath, node.mountTag.String())

	node.parent.removeChild(node)
	return nil
}
