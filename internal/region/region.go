// Package region implements the file-backed shared memory mapping that
// every participant on a host attaches to: the SharedRegion of §3. The
// first attacher on a host creates and sizes the backing file; every later
// attacher opens the existing one. Protection toggles between ReadOnly
// (steady state) and ReadWrite (during a local commit) via mprotect,
// grounded on dsm.c's getSharedFile/mapSharedFile/setSharedFileSize and
// internal/sandbox/linux.go's use of golang.org/x/sys/unix for low-level
// memory and process control.
package region

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Prot is the protection state a Region is currently mapped with.
type Prot int

const (
	ReadOnly Prot = iota
	ReadWrite
)

// PageSize is the host's memory page size, used to round requested sizes
// up to a page multiple per §3.
var PageSize = os.Getpagesize()

// RoundUpToPage rounds size up to the next multiple of PageSize.
func RoundUpToPage(size int64) int64 {
	ps := int64(PageSize)
	if size%ps == 0 {
		return size
	}
	return (size/ps + 1) * ps
}

// Region is a process's attachment to the shared memory mapping.
type Region struct {
	file  *os.File
	data  []byte
	size  int64
	prot  Prot
	owner bool
}

// Open creates or attaches to the POSIX shared memory file at path, sizing
// it to max(minSize, 2*PageSize) rounded up to a page multiple if this
// process is the first to create it (Owner() reports which). The mapping
// starts ReadWrite and zero-filled for a freshly created file, per §3.
func Open(path string, minSize int64) (*Region, error) {
	size := RoundUpToPage(minSize)
	if size < int64(2*PageSize) {
		size = int64(2 * PageSize)
	}

	f, owner, err := openOwned(path)
	if err != nil {
		return nil, fmt.Errorf("region: open shared file %q: %w", path, err)
	}

	if owner {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("region: size shared file %q: %w", path, err)
		}
	} else {
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("region: stat shared file %q: %w", path, err)
		}
		size = fi.Size()
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("region: mmap %q: %w", path, err)
	}

	if owner {
		for i := range data {
			data[i] = 0
		}
	}

	return &Region{file: f, data: data, size: size, prot: ReadWrite, owner: owner}, nil
}

// openOwned creates path exclusively if possible (reporting owner=true),
// otherwise opens the existing file, mirroring dsm.c's getSharedFile.
func openOwned(path string) (*os.File, bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err == nil {
		return f, true, nil
	}
	if !os.IsExist(err) {
		return nil, false, err
	}
	f, err = os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, false, err
	}
	return f, false, nil
}

// Owner reports whether this process created the backing file.
func (r *Region) Owner() bool { return r.owner }

// Size returns the mapping's size in bytes.
func (r *Region) Size() int64 { return r.size }

// Bytes returns the mapped memory. Valid only while Prot() == ReadWrite
// for writes; always valid for reads.
func (r *Region) Bytes() []byte { return r.data }

// Prot returns the mapping's current protection state.
func (r *Region) Prot() Prot { return r.prot }

// SetProt changes the mapping's protection, the exclusive-write mechanism
// described in §5: at any instant the region is ReadOnly everywhere or
// ReadWrite in exactly one participant.
func (r *Region) SetProt(p Prot) error {
	var flag int
	switch p {
	case ReadOnly:
		flag = unix.PROT_READ
	case ReadWrite:
		flag = unix.PROT_READ | unix.PROT_WRITE
	default:
		return fmt.Errorf("region: unknown protection state %d", p)
	}
	if err := unix.Mprotect(r.data, flag); err != nil {
		return fmt.Errorf("region: mprotect: %w", err)
	}
	r.prot = p
	return nil
}

// Apply writes b at offset, clamping length so it never runs off the
// mapping, mirroring the arbiter's WRT_DATA apply step (§4.3). Returns the
// number of bytes actually written.
func (r *Region) Apply(offset int64, b []byte) int {
	if offset < 0 || offset >= r.size {
		return 0
	}
	n := int64(len(b))
	if max := r.size - offset; n > max {
		n = max
	}
	copy(r.data[offset:offset+n], b[:n])
	return int(n)
}

// Unlink removes the backing file from the filesystem namespace. Existing
// mappings remain valid; no later attacher can open it as an existing
// file, matching the session-server's "mark for removal" step in §4.2.
func (r *Region) Unlink(path string) error {
	return os.Remove(path)
}

// Close unmaps the region and closes the backing file descriptor.
func (r *Region) Close() error {
	if err := unix.Munmap(r.data); err != nil {
		return err
	}
	return r.file.Close()
}
