package device

// Buffer represents a block of memory allocated in some memory space.
// A buffer is only addressable through the copy operations unless the
// owning space is directly dereferenceable from the host.
type Buffer interface {
	// Size returns the size of the buffer in bytes
	Size() int64

	// Ptr returns the space-native address of the buffer, for handing to
	// native libraries that operate on the memory in place. The handle is
	// valid only until Free.
	Ptr() uintptr

	// CopyToHost copies buffer contents into host memory
	CopyToHost(dst []byte) error

	// CopyFromHost copies host memory into the buffer
	CopyFromHost(src []byte) error

	// Free releases the buffer
	Free() error

	// Device returns the device that owns this buffer
	Device() Device
}
