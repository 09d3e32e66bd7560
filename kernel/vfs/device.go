package vfs

import "ia32kernel/kernel"

// DeviceClass broadly categorizes a device for diagnostics and for drivers
// that enumerate peers of their own kind.
type DeviceClass uint8

const (
	ClassUnknown DeviceClass = iota
	ClassAudio
	ClassGraphics
	ClassStorage
	ClassPointing
	ClassIPC
)

// Well-known ioctl codes every device stream understands. Open/Close are
// issued by the VFS itself so a driver can track its open-handle count;
// everything above IoctlDeviceFirst belongs to the individual driver.
const (
	IoctlOpen uint32 = iota
	IoctlClose

	IoctlDeviceFirst uint32 = 0x100
)

// Device describes a character or block device driver as it is mounted
// onto the VFS. The Ops capability set replaces the per-function pointer
// table the stream would otherwise carry; Initialize and Finalize bracket
// the device's time on the tree (Initialize runs during MountDevice,
// Finalize during UnmountDevice).
type Device struct {
	// DefaultPath is where the device conventionally mounts itself
	// ("/dev/fd0", "/ipc/events").
	DefaultPath string

	// Type is TypeCharDevice or TypeBlockDevice.
	Type NodeType

	Class DeviceClass

	// Ops backs every stream opened on this device's node.
	Ops StreamOps

	// Initialize, if non-nil, is invoked by MountDevice once the node is
	// linked into the tree. A failing Initialize unwinds the mount.
	Initialize func(dev *Device) *kernel.Error

	// Finalize, if non-nil, is invoked by UnmountDevice before the node
	// is unlinked.
	Finalize func(dev *Device) *kernel.Error

	// Context is the driver's private state, reachable from Ops through
	// the stream's device node.
	Context interface{}
}
