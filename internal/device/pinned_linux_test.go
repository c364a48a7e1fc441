//go:build linux

package device

import (
	"bytes"
	"testing"
)

func TestPinnedDeviceRoundTrip(t *testing.T) {
	dev, err := NewPinnedDevice()
	if err != nil {
		t.Fatalf("NewPinnedDevice failed: %v", err)
	}

	buf, err := dev.Allocate(4096)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	defer buf.Free()

	if buf.Ptr() == 0 {
		t.Error("Ptr() = 0 for a mapped buffer")
	}

	src := bytes.Repeat([]byte{0xAB}, 4096)
	if err := buf.CopyFromHost(src); err != nil {
		t.Fatalf("CopyFromHost failed: %v", err)
	}

	dst := make([]byte, 4096)
	if err := buf.CopyToHost(dst); err != nil {
		t.Fatalf("CopyToHost failed: %v", err)
	}
	if !bytes.Equal(src, dst) {
		t.Error("round trip did not preserve contents")
	}
}

func TestPinnedBufferFree(t *testing.T) {
	dev, _ := NewPinnedDevice()

	buf, err := dev.Allocate(4096)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	if err := buf.Free(); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	// Double free is a no-op
	if err := buf.Free(); err != nil {
		t.Errorf("second Free = %v, want nil", err)
	}
	if err := buf.CopyFromHost([]byte{1}); err == nil {
		t.Error("CopyFromHost after Free succeeded, want error")
	}
}

func TestPinnedZeroSize(t *testing.T) {
	dev, _ := NewPinnedDevice()

	buf, err := dev.Allocate(0)
	if err != nil {
		t.Fatalf("Allocate(0) failed: %v", err)
	}
	if buf.Size() != 0 {
		t.Errorf("Size() = %d, want 0", buf.Size())
	}
	if buf.Ptr() != 0 {
		t.Error("Ptr() != 0 for an empty buffer")
	}
	if err := buf.Free(); err != nil {
		t.Errorf("Free failed: %v", err)
	}
}
