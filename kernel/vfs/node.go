// Package vfs implements the kernel's virtual file system: an in-memory
// hierarchical namespace of nodes dispatching to plain files, character and
// block devices, pipes and mounted foreign filesystems. Files' bytes live
// in a growable buffer owned by their node; devices publish a capability
// set (read/write/seek/tell/ioctl/close) that every opened stream routes
// through; a mountpoint node has no children of its own and instead
// forwards the unresolved remainder of a path to the filesystem driver
// mounted on it.
package vfs

import (
	"github.com/google/uuid"

	"ia32kernel/kernel"
	"ia32kernel/kernel/sync"
)

// NodeType tags what a Node dispatches to. The values form a bitmask so a
// single test can match several types at once (device nodes are matched as
// TypeCharDevice|TypeBlockDevice in more than one place).
type NodeType uint8

const (
	TypeFile NodeType = 1 << iota
	TypeDirectory
	TypeCharDevice
	TypeBlockDevice
	TypePipe
	TypeSymlink
	TypeMountpoint
)

// Permissions carries a node's permission bits. The permission model is a
// placeholder: everything the kernel itself creates is PermAll, and Open
// refuses nodes that carry anything else.
type Permissions uint32

// PermAll grants every access.
const PermAll Permissions = 0xFFFF

const maxNameLength = 255

var (
	ErrNotFound      = &kernel.Error{Module: "vfs", Message: "no node exists at the given path"}
	ErrAlreadyExists = &kernel.Error{Module: "vfs", Message: "a node with that name already exists"}
	ErrInvalidArg    = &kernel.Error{Module: "vfs", Message: "invalid argument"}
	ErrAccessDenied  = &kernel.Error{Module: "vfs", Message: "the node's permissions do not allow the requested access"}
	ErrEndOfStream   = &kernel.Error{Module: "vfs", Message: "end of stream"}
	ErrBusy          = &kernel.Error{Module: "vfs", Message: "node still has open references"}
	ErrNotSupported  = &kernel.Error{Module: "vfs", Message: "the mounted filesystem does not implement this operation"}
)

// Node is one entry in the VFS tree. Children live in a dynamic array on
// the parent; child names are unique within a parent. For file nodes
// content holds the file's bytes; device nodes carry their Device
// descriptor instead, and mountpoint nodes a FilesystemDriver handle. A
// mountpoint node never has VFS children: traversal crosses into the
// mounted filesystem instead.
type Node struct {
	name     string
	nodeType NodeType
	perm     Permissions
	parent   *Node
	children []*Node

	content []byte
	device  *Device
	fs      FilesystemDriver

	// mountTag correlates diagnostics across mount/unmount cycles: two
	// mounts of the same path at different times carry different tags.
	// Nothing in lookup or traversal branches on it.
	mountTag uuid.UUID

	refCount uint32
	lock     sync.Mutex
}

// Name returns the node's name within its parent.
func (n *Node) Name() string { return n.name }

// Type returns the node's NodeType.
func (n *Node) Type() NodeType { return n.nodeType }

// Device returns the device descriptor mounted on this node, or nil for
// non-device nodes.
func (n *Node) Device() *Device { return n.device }

// Size returns the byte size of a file node's content.
func (n *Node) Size() uint32 {
	n.lock.Lock()
	defer n.lock.Unlock()
	return uint32(len(n.content))
}

// RefCount returns the node's current open-reference count.
func (n *Node) RefCount() uint32 {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.refCount
}

// findChild returns the child with the given name, or nil.
func (n *Node) findChild(name string) *Node {
	for _, child := range n.children {
		if child.name == name {
			return child
		}
	}
	return nil
}

// addChild creates and links a new child node, rejecting duplicates and
// over-long names.
func (n *Node) addChild(name string, nodeType NodeType, perm Permissions) (*Node, *kernel.Error) {
	if name == "" || len(name) > maxNameLength {
		return nil, ErrInvalidArg
	}

	n.lock.Lock()
	defer n.lock.Unlock()

	if n.findChild(name) != nil {
		return nil, ErrAlreadyExists
	}

	child := &Node{
		name:     name,
		nodeType: nodeType,
		perm:     perm,
		parent:   n,
	}
	n.children = append(n.children, child)
	return child, nil
}

// removeChild unlinks child from n. The caller has already verified the
// child's reference count is zero.
func (n *Node) removeChild(child *Node) {
	n.lock.Lock()
	defer n.lock.Unlock()

	for i, c := range n.children {
		if c == child {
			n.children = append(n.children[:i], n.children[i+1:]...)
			child.parent = nil
			return
		}
	}
}

func (n *Node) addRef() {
	n.lock.Lock()
	n.refCount++
	n.lock.Unlock()
}

// release drops one reference and returns the remaining count.
func (n *Node) release() uint32 {
	n.lock.Lock()
	defer n.lock.Unlock()
	if n.refCount == 0 {
		panicFn(&kernel.Error{Module: "vfs", Message: "node reference count dropped below zero"})
		return 0
	}
	n.refCount--
	return n.refCount
}
