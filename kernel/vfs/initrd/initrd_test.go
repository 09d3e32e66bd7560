package initrd

import (
	"bytes"
	"encoding/binary"
	"testing"

	"ia32kernel/kernel/vfs"
)

// buildImage assembles an initrd image in the mkdisk layout.
func buildImage(entries []struct {
	path    string
	dir     bool
	content []byte
}) []byte {
	var buf bytes.Buffer
	buf.WriteString(Magic)

	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(entries)))
	buf.Write(count[:])

	var word [4]byte
	for _, e := range entries {
		binary.LittleEndian.PutUint32(word[:], uint32(len(e.path)))
		buf.Write(word[:])
		buf.WriteString(e.path)

		entryType := EntryFile
		if e.dir {
			entryType = EntryDir
		}
		binary.LittleEndian.PutUint32(word[:], entryType)
		buf.Write(word[:])

		binary.LittleEndian.PutUint32(word[:], uint32(len(e.content)))
		buf.Write(word[:])
		if !e.dir {
			buf.Write(e.content)
		}
	}
	return buf.Bytes()
}

// mountTestImage writes img into a VFS file and mounts an initrd over it.
func mountTestImage(t *testing.T, img []byte) {
	t.Helper()

	if err := vfs.Init(); err != nil {
		t.Fatalf("vfs.Init failed: %v", err)
	}
	if err := vfs.Create("/initrd.img", vfs.PermAll); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	s, err := vfs.Open("/initrd.img", vfs.OpenWrite)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := s.Write(img); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := vfs.Mkdir("/mnt", vfs.PermAll); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	if err := vfs.MountFS("/mnt/rd", Mount, "/initrd.img"); err != nil {
		t.Fatalf("MountFS failed: %v", err)
	}
}

func testImage() []byte {
	return buildImage([]struct {
		path    string
		dir     bool
		content []byte
	}{
		{"/bin", true, nil},
		{"/bin/init", false, []byte("ELF-ish payload")},
		{"/motd", false, []byte("welcome\n")},
	})
}

func TestPathResolutionCrossesMountpoint(t *testing.T) {
	mountTestImage(t, testImage())

	s, err := vfs.Open("/mnt/rd/bin/init", vfs.OpenRead)
	if err != nil {
		t.Fatalf("Open across the mountpoint failed: %v", err)
	}

	want := []byte("ELF-ish payload")
	got := make([]byte, len(want))
	if n, err := s.Read(got); err != nil || n != len(want) {
		t.Fatalf("Read = (%d, %v); want (%d, nil)", n, err, len(want))
	}
	if !bytes.Equal(got, want) {
		t.Errorf("read %q; want %q", got, want)
	}

	// seek(0, end); tell == file size
	if pos, err := s.Seek(0, vfs.SeekEnd); err != nil || pos != uint32(len(want)) {
		t.Errorf("Seek(0, end) = (%d, %v); want (%d, nil)", pos, err, len(want))
	}
	if tell := s.Tell(); tell != uint32(len(want)) {
		t.Errorf("Tell = %d; want %d", tell, len(want))
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestReadOnlySemantics(t *testing.T) {
	mountTestImage(t, testImage())

	if _, err := vfs.Open("/mnt/rd/motd", vfs.OpenWrite); err != errReadOnly {
		t.Errorf("expected errReadOnly opening for write, got %v", err)
	}
	if err := vfs.Create("/mnt/rd/new", vfs.PermAll); err != errReadOnly {
		t.Errorf("expected errReadOnly from Create, got %v", err)
	}
	if err := vfs.Mkdir("/mnt/rd/newdir", vfs.PermAll); err != errReadOnly {
		t.Errorf("expected errReadOnly from Mkdir, got %v", err)
	}
}

func TestOpenDirDelegatesToDriver(t *testing.T) {
	mountTestImage(t, testImage())

	d, err := vfs.OpenDir("/mnt/rd/bin")
	if err != nil {
		t.Fatalf("OpenDir failed: %v", err)
	}
	defer d.CloseDir()

	entry, err := d.ReadDir()
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if entry.Name != "init" || entry.Type != vfs.TypeFile {
		t.Errorf("unexpected entry %+v", entry)
	}
	if _, err := d.ReadDir(); err != vfs.ErrEndOfStream {
		t.Errorf("expected ErrEndOfStream, got %v", err)
	}
}

func TestBadImageIsRejected(t *testing.T) {
	if err := vfs.Init(); err != nil {
		t.Fatalf("vfs.Init failed: %v", err)
	}
	if err := vfs.Create("/bad.img", vfs.PermAll); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	s, err := vfs.Open("/bad.img", vfs.OpenWrite)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := s.Write([]byte("not an initrd")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	s.Close()

	if err := vfs.MountFS("/rd", Mount, "/bad.img"); err != errBadImage {
		t.Errorf("expected errBadImage, got %v", err)
	}
}

func TestUnmountFinalizesDriver(t *testing.T) {
	mountTestImage(t, testImage())

	if err := vfs.UnmountFS("/mnt/rd"); err != nil {
		t.Fatalf("UnmountFS failed: %v", err)
	}
	if _, err := vfs.Open("/mnt/rd/motd", vfs.OpenRead); err != vfs.ErrNotFound {
		t.Errorf("expected ErrNotFound after unmount, got %v", err)
	}
}
